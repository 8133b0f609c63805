package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/dispatch-service/internal/models"
)

const (
	EventCreated     = "ticket.created"
	EventCalled      = "ticket.called"
	EventRecalled    = "ticket.recalled"
	EventCompleted   = "ticket.completed"
	EventTransferred = "ticket.transferred"
	EventAbandoned   = "ticket.abandoned"
)

var ErrBrokenChain = errors.New("ticket event chain broken")

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	Ticket        models.Ticket `json:"ticket"`
	FromCounterID string        `json:"from_counter_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

func EventTypeFor(action string) string {
	switch action {
	case ActionCallNext:
		return EventCalled
	case ActionRecall:
		return EventRecalled
	case ActionComplete:
		return EventCompleted
	case ActionTransfer:
		return EventTransferred
	case ActionAbandon:
		return EventAbandoned
	default:
		return EventCreated
	}
}

// EventPayload snapshots the ticket after a mutation.
func EventPayload(ticket models.Ticket, fromCounterID, reason string) ([]byte, error) {
	ticket.Position = 0
	return json.Marshal(eventPayload{Ticket: ticket, FromCounterID: fromCounterID, Reason: reason})
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyTicketEvents checks sequence continuity and the hash chain of one
// ticket's events, ordered by TicketSeq.
func VerifyTicketEvents(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrBrokenChain, event.TicketSeq, i+1)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: seq %d prev hash mismatch", ErrBrokenChain, event.TicketSeq)
		}
		want := ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("%w: seq %d hash mismatch", ErrBrokenChain, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

// ReplayTicket returns the ticket as recorded by the last event.
func ReplayTicket(events []TicketEvent) (models.Ticket, error) {
	if len(events) == 0 {
		return models.Ticket{}, ErrTicketNotFound
	}
	var payload eventPayload
	if err := json.Unmarshal(events[len(events)-1].Payload, &payload); err != nil {
		return models.Ticket{}, err
	}
	return payload.Ticket, nil
}
