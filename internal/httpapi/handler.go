package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Dispatcher is the queue engine as seen by the HTTP layer.
type Dispatcher interface {
	Issue(ctx context.Context, input dispatch.IssueInput) (models.Ticket, error)
	CallNext(ctx context.Context, agencyID, counterID string) (models.Ticket, error)
	Recall(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
	Complete(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
	Transfer(ctx context.Context, ticketID, counterID, toCounterID string) (models.Ticket, error)
	Abandon(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListWaiting(ctx context.Context, agencyID string, limit int) ([]models.Ticket, error)
	ListCalled(ctx context.Context, agencyID string, limit int) ([]models.Ticket, error)
	ActiveTicket(ctx context.Context, agencyID, counterID string) (models.Ticket, bool, error)
	TicketEvents(ctx context.Context, ticketID string) (dispatch.TicketHistory, error)
	Stats(ctx context.Context, agencyID string) (models.Stats, error)
	OpenCounter(ctx context.Context, input dispatch.CounterInput) (models.Counter, error)
	CloseCounter(ctx context.Context, input dispatch.CounterInput) (models.Counter, error)
	ListCounters(ctx context.Context, agencyID string) ([]models.Counter, error)
}

type Handler struct {
	dispatcher Dispatcher
	limiter    *RateLimiter
	metrics    http.Handler
	realtime   http.Handler
	logger     *slog.Logger
	recorder   *telemetry.Metrics
}

type Options struct {
	RateLimiter *RateLimiter
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	// Realtime serves the sockjs endpoint under /realtime when set.
	Realtime http.Handler
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

type createTicketRequest struct {
	AgencyID   string `json:"agency_id"`
	ServiceID  string `json:"service_id"`
	ClientName string `json:"client_name"`
}

type callNextRequest struct {
	AgencyID  string `json:"agency_id"`
	CounterID string `json:"counter_id"`
}

type ticketActionRequest struct {
	CounterID string `json:"counter_id"`
}

type transferRequest struct {
	CounterID   string `json:"counter_id"`
	ToCounterID string `json:"to_counter_id"`
}

type counterRequest struct {
	AgencyID string `json:"agency_id"`
	Name     string `json:"name"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(dispatcher Dispatcher, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		limiter:    options.RateLimiter,
		metrics:    options.MetricsHandler,
		realtime:   options.Realtime,
		logger:     logger,
		recorder:   options.Metrics,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware(h.logger, h.recorder))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}
	if h.realtime != nil {
		r.Handle("/realtime/*", h.realtime)
	}

	r.Route("/api", func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Route("/tickets", func(r chi.Router) {
			r.Post("/", h.handleCreateTicket)
			r.Get("/", h.handleListTickets)
			r.Get("/active", h.handleActiveTicket)
			r.Post("/call-next", h.handleCallNext)
			r.Route("/{ticketID}", func(r chi.Router) {
				r.Get("/", h.handleGetTicket)
				r.Get("/events", h.handleTicketEvents)
				r.Post("/recall", h.handleCounterAction(h.dispatcher.Recall))
				r.Post("/complete", h.handleCounterAction(h.dispatcher.Complete))
				r.Post("/abandon", h.handleCounterAction(h.dispatcher.Abandon))
				r.Post("/transfer", h.handleTransfer)
			})
		})
		r.Get("/stats", h.handleStats)
		r.Route("/counters", func(r chi.Router) {
			r.Get("/", h.handleListCounters)
			r.Post("/{counterID}/open", h.handleCounterState(h.dispatcher.OpenCounter))
			r.Post("/{counterID}/close", h.handleCounterState(h.dispatcher.CloseCounter))
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.dispatcher.Issue(r.Context(), dispatch.IssueInput{
		AgencyID:   req.AgencyID,
		ServiceID:  req.ServiceID,
		ClientName: req.ClientName,
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	agencyID := strings.TrimSpace(query.Get("agency_id"))
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a number")
			return
		}
		limit = parsed
	}

	var tickets []models.Ticket
	var err error
	switch status := strings.TrimSpace(query.Get("status")); status {
	case "", models.StatusWaiting:
		tickets, err = h.dispatcher.ListWaiting(r.Context(), agencyID, limit)
	case models.StatusCalled:
		tickets, err = h.dispatcher.ListCalled(r.Context(), agencyID, limit)
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_request", "status must be waiting or called")
		return
	}
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleActiveTicket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ticket, found, err := h.dispatcher.ActiveTicket(r.Context(), query.Get("agency_id"), query.Get("counter_id"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	var req callNextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.dispatcher.CallNext(r.Context(), req.AgencyID, req.CounterID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.dispatcher.GetTicket(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request) {
	history, err := h.dispatcher.TicketEvents(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type counterActionFunc func(ctx context.Context, ticketID, counterID string) (models.Ticket, error)

func (h *Handler) handleCounterAction(action counterActionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ticketActionRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		ticket, err := action(r.Context(), chi.URLParam(r, "ticketID"), req.CounterID)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	}
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.dispatcher.Transfer(r.Context(), chi.URLParam(r, "ticketID"), req.CounterID, req.ToCounterID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dispatcher.Stats(r.Context(), r.URL.Query().Get("agency_id"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleListCounters(w http.ResponseWriter, r *http.Request) {
	counters, err := h.dispatcher.ListCounters(r.Context(), r.URL.Query().Get("agency_id"))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

type counterStateFunc func(ctx context.Context, input dispatch.CounterInput) (models.Counter, error)

func (h *Handler) handleCounterState(update counterStateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req counterRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		counter, err := update(r.Context(), dispatch.CounterInput{
			CounterID: chi.URLParam(r, "counterID"),
			AgencyID:  req.AgencyID,
			Name:      req.Name,
		})
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, counter)
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var invalid *store.ValidationError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "invalid_request", invalid.Error()
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", "invalid request"
	case errors.Is(err, store.ErrNoTicket):
		return http.StatusNotFound, "queue_empty", "no ticket is waiting"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter is already serving a ticket"
	case errors.Is(err, store.ErrCounterClosed):
		return http.StatusConflict, "counter_closed", "counter is closed"
	case errors.Is(err, store.ErrAlreadyCompleted):
		return http.StatusConflict, "already_completed", "ticket is already completed"
	case errors.Is(err, store.ErrCounterMismatch):
		return http.StatusConflict, "counter_mismatch", "ticket assigned to different counter"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "claim_conflict", "ticket was taken concurrently, retry"
	default:
		return http.StatusInternalServerError, "storage_unavailable", "storage unavailable"
	}
}

func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if code == "claim_conflict" {
		w.Header().Set("Retry-After", "0")
	}
	writeError(w, r, status, code, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: middleware.GetReqID(r.Context()),
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
