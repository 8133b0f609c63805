package hub

import (
	"encoding/json"
	"testing"
	"time"

	"qms/dispatch-service/internal/models"
)

func TestPublishRoutesByAgency(t *testing.T) {
	h := New(nil, nil)
	agencyA := NewClient()
	agencyB := NewClient()
	idle := NewClient()
	h.Register(agencyA)
	h.Register(agencyB)
	h.Register(idle)
	h.UpdateSubscription(agencyA, Subscription{AgencyID: "agency-a"})
	h.UpdateSubscription(agencyB, Subscription{AgencyID: "agency-b"})

	counter := "counter-1"
	h.Publish(models.QueueEvent{
		Type:      "ticket.called",
		AgencyID:  "agency-a",
		Ticket:    &models.Ticket{TicketID: "t-1", TicketNumber: 12, CounterID: &counter},
		CreatedAt: time.Now().UTC(),
	})

	select {
	case payload := <-agencyA.Send:
		var event models.QueueEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if event.Ticket == nil || event.Ticket.TicketNumber != 12 {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatalf("expected agency-a subscriber to receive the event")
	}
	if len(agencyB.Send) != 0 {
		t.Fatalf("agency-b subscriber should not receive agency-a events")
	}
	if len(idle.Send) != 0 {
		t.Fatalf("unsubscribed client should not receive events")
	}
}

func TestCounterFilter(t *testing.T) {
	h := New(nil, nil)
	client := NewClient()
	h.Register(client)
	h.UpdateSubscription(client, Subscription{AgencyID: "a", CounterID: "c-2"})

	h.Broadcast([]byte(`{}`), Subscription{AgencyID: "a", CounterID: "c-1"})
	if len(client.Send) != 0 {
		t.Fatalf("expected counter filter to drop event")
	}
	h.Broadcast([]byte(`{}`), Subscription{AgencyID: "a", CounterID: "c-2"})
	if len(client.Send) != 1 {
		t.Fatalf("expected event for subscribed counter")
	}
}

func TestBroadcastDoesNotBlockOnSlowClient(t *testing.T) {
	h := New(nil, nil)
	client := NewClient()
	h.Register(client)
	h.UpdateSubscription(client, Subscription{AgencyID: "a"})

	done := make(chan struct{})
	go func() {
		for i := 0; i < clientBuffer*2; i++ {
			h.Broadcast([]byte(`{}`), Subscription{AgencyID: "a"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on a full client buffer")
	}
	if len(client.Send) != clientBuffer {
		t.Fatalf("expected buffer to be full, got %d", len(client.Send))
	}
}

func TestUnregisterTwice(t *testing.T) {
	h := New(nil, nil)
	client := NewClient()
	h.Register(client)
	h.Unregister(client)
	h.Unregister(client)
	if h.ClientCount() != 0 {
		t.Fatalf("expected no clients, got %d", h.ClientCount())
	}
}

func TestParseSubscribe(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{`{"action":"subscribe","agency_id":"a-1"}`, true},
		{`{"action":"subscribe","agency_id":"  "}`, false},
		{`{"action":"unsubscribe"}`, true},
		{`{"action":"publish","agency_id":"a-1"}`, false},
		{`not json`, false},
	}
	for _, tt := range cases {
		if _, ok := ParseSubscribe([]byte(tt.raw)); ok != tt.ok {
			t.Fatalf("ParseSubscribe(%s)=%v, want %v", tt.raw, ok, tt.ok)
		}
	}
}
