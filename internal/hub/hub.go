// Package hub fans queue events out to realtime display subscribers.
package hub

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/telemetry"

	"github.com/google/uuid"
)

const clientBuffer = 32

type Subscription struct {
	AgencyID  string
	CounterID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	AgencyID  string `json:"agency_id"`
	CounterID string `json:"counter_id"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func New(logger *slog.Logger, metrics *telemetry.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger, metrics: metrics}
}

func NewClient() *Client {
	return &Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.metrics.AddRealtimeClient(1)
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	h.metrics.AddRealtimeClient(-1)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish never blocks: a subscriber whose buffer is full misses the event
// and catches up on its next poll.
func (h *Hub) Publish(event models.QueueEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode queue event", "type", event.Type, "err", err)
		return
	}
	meta := Subscription{AgencyID: event.AgencyID}
	if event.Ticket != nil && event.Ticket.CounterID != nil {
		meta.CounterID = *event.Ticket.CounterID
	}
	h.Broadcast(payload, meta)
}

func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("drop message for slow client", "client_id", client.ID)
		}
	}
}

// match requires an agency subscription; a counter filter narrows it to
// events touching that counter.
func match(sub Subscription, meta Subscription) bool {
	if sub.AgencyID == "" || sub.AgencyID != meta.AgencyID {
		return false
	}
	if sub.CounterID != "" && meta.CounterID != sub.CounterID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	msg.AgencyID = strings.TrimSpace(msg.AgencyID)
	msg.CounterID = strings.TrimSpace(msg.CounterID)
	switch msg.Action {
	case "subscribe":
		if msg.AgencyID == "" {
			return SubscribeMessage{}, false
		}
	case "unsubscribe":
	default:
		return SubscribeMessage{}, false
	}
	return msg, true
}
