package httpapi

import (
	"log/slog"
	"net/http"

	"qms/dispatch-service/internal/hub"

	"github.com/igm/sockjs-go/sockjs"
)

// NewRealtimeHandler pushes queue events to display boards over sockjs.
// A client receives nothing until it subscribes to an agency.
func NewRealtimeHandler(h *hub.Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := hub.NewClient()
		h.Register(client)
		defer h.Unregister(client)
		logger.Debug("realtime client connected", "client_id", client.ID)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{
				AgencyID:  parsed.AgencyID,
				CounterID: parsed.CounterID,
			})
		}
	})
}
