// Package dispatch issues tickets and hands them to counters.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/stats"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxClientNameRunes = 120
	maxListLimit       = 500
)

// Publisher receives an event after every committed ticket mutation.
type Publisher interface {
	Publish(event models.QueueEvent)
}

type Options struct {
	Location        *time.Location
	MaxCallAttempts int
	CalledListLimit int
	StatsWindow     time.Duration
	StatsSampleSize int
	Now             func() time.Time
	Logger          *slog.Logger
	Publisher       Publisher
	Metrics         *telemetry.Metrics
}

type Service struct {
	store           store.TicketStore
	location        *time.Location
	maxCallAttempts int
	calledListLimit int
	statsWindow     time.Duration
	statsSampleSize int
	now             func() time.Time
	logger          *slog.Logger
	publisher       Publisher
	metrics         *telemetry.Metrics
	tracer          trace.Tracer
}

type IssueInput struct {
	AgencyID   string
	ServiceID  string
	ClientName string
}

type CounterInput struct {
	CounterID string
	AgencyID  string
	Name      string
}

type TicketHistory struct {
	TicketID string              `json:"ticket_id"`
	Verified bool                `json:"verified"`
	Events   []store.TicketEvent `json:"events"`
}

func NewService(st store.TicketStore, options Options) *Service {
	s := &Service{
		store:           st,
		location:        options.Location,
		maxCallAttempts: options.MaxCallAttempts,
		calledListLimit: options.CalledListLimit,
		statsWindow:     options.StatsWindow,
		statsSampleSize: options.StatsSampleSize,
		now:             options.Now,
		logger:          options.Logger,
		publisher:       options.Publisher,
		metrics:         options.Metrics,
		tracer:          otel.Tracer("qms/dispatch-service/dispatch"),
	}
	if s.location == nil {
		s.location = time.UTC
	}
	if s.maxCallAttempts <= 0 {
		s.maxCallAttempts = 3
	}
	if s.calledListLimit <= 0 {
		s.calledListLimit = 10
	}
	if s.statsWindow <= 0 {
		s.statsWindow = time.Hour
	}
	if s.statsSampleSize <= 0 {
		s.statsSampleSize = 50
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// IssueDate is the calendar day a ticket issued at t is numbered under.
func (s *Service) IssueDate(t time.Time) string {
	return t.In(s.location).Format(models.IssueDateLayout)
}

func (s *Service) Issue(ctx context.Context, input IssueInput) (ticket models.Ticket, err error) {
	ctx, finish := s.startOperation(ctx, "issue", attribute.String("agency_id", input.AgencyID))
	defer func() { finish(err) }()

	input.AgencyID = strings.TrimSpace(input.AgencyID)
	input.ServiceID = strings.TrimSpace(input.ServiceID)
	input.ClientName = strings.TrimSpace(input.ClientName)
	if input.AgencyID == "" {
		return models.Ticket{}, store.Invalid("agency_id", "is required")
	}
	if input.ServiceID == "" {
		return models.Ticket{}, store.Invalid("service_id", "is required")
	}
	if utf8.RuneCountInString(input.ClientName) > maxClientNameRunes {
		return models.Ticket{}, store.Invalid("client_name", "is too long")
	}

	now := s.now()
	ticket, err = s.store.CreateTicket(ctx, store.CreateTicketInput{
		AgencyID:   input.AgencyID,
		ServiceID:  input.ServiceID,
		ClientName: input.ClientName,
		IssueDate:  s.IssueDate(now),
		CreatedAt:  now,
	})
	if err != nil {
		return models.Ticket{}, err
	}

	s.logger.Info("ticket issued", "agency_id", ticket.AgencyID, "ticket_id", ticket.TicketID, "ticket_number", ticket.TicketNumber)
	s.publish(store.EventCreated, ticket)
	return ticket, nil
}

// CallNext assigns the oldest waiting ticket of the agency to the counter.
// Lost claims are retried a bounded number of times; an empty queue is
// reported immediately.
func (s *Service) CallNext(ctx context.Context, agencyID, counterID string) (ticket models.Ticket, err error) {
	ctx, finish := s.startOperation(ctx, store.ActionCallNext,
		attribute.String("agency_id", agencyID), attribute.String("counter_id", counterID))
	defer func() { finish(err) }()

	agencyID = strings.TrimSpace(agencyID)
	counterID = strings.TrimSpace(counterID)
	if agencyID == "" {
		return models.Ticket{}, store.Invalid("agency_id", "is required")
	}
	if counterID == "" {
		return models.Ticket{}, store.Invalid("counter_id", "is required")
	}
	if err := s.ensureCounterOpen(ctx, agencyID, counterID); err != nil {
		return models.Ticket{}, err
	}

	for attempt := 1; attempt <= s.maxCallAttempts; attempt++ {
		ticket, err = s.store.ClaimNext(ctx, store.ClaimInput{
			AgencyID:  agencyID,
			CounterID: counterID,
			CalledAt:  s.now(),
		})
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.Ticket{}, err
		}
		s.metrics.RecordConflict(ctx)
		s.logger.Debug("call next conflict", "agency_id", agencyID, "counter_id", counterID, "attempt", attempt)
	}
	if err != nil {
		s.logger.Warn("call next gave up after conflicts", "agency_id", agencyID, "counter_id", counterID, "attempts", s.maxCallAttempts)
		return models.Ticket{}, err
	}

	if ticket.CalledAt != nil {
		s.metrics.RecordWait(ctx, ticket.CalledAt.Sub(ticket.CreatedAt))
	}
	s.logger.Info("ticket called", "agency_id", agencyID, "counter_id", counterID, "ticket_id", ticket.TicketID, "ticket_number", ticket.TicketNumber)
	s.publish(store.EventCalled, ticket)
	return ticket, nil
}

func (s *Service) Recall(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
	return s.counterAction(ctx, store.ActionRecall, store.TicketActionInput{TicketID: ticketID, CounterID: counterID})
}

func (s *Service) Complete(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
	return s.counterAction(ctx, store.ActionComplete, store.TicketActionInput{TicketID: ticketID, CounterID: counterID})
}

// Abandon records a no-show for the counter's called ticket.
func (s *Service) Abandon(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
	return s.counterAction(ctx, store.ActionAbandon, store.TicketActionInput{TicketID: ticketID, CounterID: counterID, Reason: "no_show"})
}

// Transfer moves a called ticket to another idle counter of the same agency.
func (s *Service) Transfer(ctx context.Context, ticketID, counterID, toCounterID string) (models.Ticket, error) {
	toCounterID = strings.TrimSpace(toCounterID)
	if toCounterID == "" {
		return models.Ticket{}, store.Invalid("to_counter_id", "is required")
	}
	if toCounterID == strings.TrimSpace(counterID) {
		return models.Ticket{}, store.Invalid("to_counter_id", "must differ from counter_id")
	}
	current, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if current.Terminal() {
		return models.Ticket{}, store.ErrInvalidState
	}
	if err := s.ensureCounterOpen(ctx, current.AgencyID, toCounterID); err != nil {
		return models.Ticket{}, err
	}
	return s.counterAction(ctx, store.ActionTransfer, store.TicketActionInput{
		TicketID:    ticketID,
		CounterID:   counterID,
		ToCounterID: toCounterID,
	})
}

func (s *Service) counterAction(ctx context.Context, action string, input store.TicketActionInput) (ticket models.Ticket, err error) {
	ctx, finish := s.startOperation(ctx, action,
		attribute.String("ticket_id", input.TicketID), attribute.String("counter_id", input.CounterID))
	defer func() { finish(err) }()

	input.TicketID = strings.TrimSpace(input.TicketID)
	input.CounterID = strings.TrimSpace(input.CounterID)
	if input.TicketID == "" {
		return models.Ticket{}, store.Invalid("ticket_id", "is required")
	}
	if input.CounterID == "" {
		return models.Ticket{}, store.Invalid("counter_id", "is required")
	}
	input.OccurredAt = s.now()

	switch action {
	case store.ActionRecall:
		ticket, err = s.store.RecallTicket(ctx, input)
	case store.ActionComplete:
		ticket, err = s.store.CompleteTicket(ctx, input)
	case store.ActionTransfer:
		ticket, err = s.store.TransferTicket(ctx, input)
	case store.ActionAbandon:
		ticket, err = s.store.AbandonTicket(ctx, input)
	default:
		return models.Ticket{}, store.ErrInvalidState
	}
	if err != nil {
		return models.Ticket{}, err
	}

	s.logger.Info("ticket "+action, "ticket_id", ticket.TicketID, "counter_id", input.CounterID, "status", ticket.Status, "recall_count", ticket.RecallCount)
	s.publish(store.EventTypeFor(action), ticket)
	return ticket, nil
}

func (s *Service) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return models.Ticket{}, store.Invalid("ticket_id", "is required")
	}
	return s.store.GetTicket(ctx, ticketID)
}

// ListWaiting returns waiting tickets in call order with their positions.
func (s *Service) ListWaiting(ctx context.Context, agencyID string, limit int) ([]models.Ticket, error) {
	return s.list(ctx, agencyID, models.StatusWaiting, limit, 0)
}

// ListCalled returns the most recently called tickets first.
func (s *Service) ListCalled(ctx context.Context, agencyID string, limit int) ([]models.Ticket, error) {
	return s.list(ctx, agencyID, models.StatusCalled, limit, s.calledListLimit)
}

func (s *Service) list(ctx context.Context, agencyID, status string, limit, fallback int) ([]models.Ticket, error) {
	agencyID = strings.TrimSpace(agencyID)
	if agencyID == "" {
		return nil, store.Invalid("agency_id", "is required")
	}
	if limit < 0 {
		return nil, store.Invalid("limit", "must not be negative")
	}
	if limit == 0 {
		limit = fallback
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListTickets(ctx, store.ListTicketsInput{AgencyID: agencyID, Status: status, Limit: limit})
}

func (s *Service) ActiveTicket(ctx context.Context, agencyID, counterID string) (models.Ticket, bool, error) {
	agencyID = strings.TrimSpace(agencyID)
	counterID = strings.TrimSpace(counterID)
	if agencyID == "" || counterID == "" {
		return models.Ticket{}, false, store.Invalid("agency_id and counter_id", "are required")
	}
	return s.store.ActiveTicket(ctx, agencyID, counterID)
}

// TicketEvents returns the audit trail of a ticket and whether its hash
// chain verifies.
func (s *Service) TicketEvents(ctx context.Context, ticketID string) (TicketHistory, error) {
	ticket, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return TicketHistory{}, err
	}
	events, err := s.store.ListTicketEvents(ctx, ticket.TicketID)
	if err != nil {
		return TicketHistory{}, err
	}
	verified := true
	if err := store.VerifyTicketEvents(events); err != nil {
		verified = false
		s.logger.Error("ticket event chain failed verification", "ticket_id", ticket.TicketID, "err", err)
	}
	if events == nil {
		events = []store.TicketEvent{}
	}
	return TicketHistory{TicketID: ticket.TicketID, Verified: verified, Events: events}, nil
}

// Stats reports live counts and the mean wait of recent calls. It never
// writes.
func (s *Service) Stats(ctx context.Context, agencyID string) (models.Stats, error) {
	agencyID = strings.TrimSpace(agencyID)
	if agencyID == "" {
		return models.Stats{}, store.Invalid("agency_id", "is required")
	}
	now := s.now()
	counts, err := s.store.QueueCounts(ctx, agencyID, stats.StartOfDay(now, s.location))
	if err != nil {
		return models.Stats{}, err
	}
	samples, err := s.store.RecentWaits(ctx, agencyID, now.Add(-s.statsWindow), s.statsSampleSize)
	if err != nil {
		return models.Stats{}, err
	}
	return models.Stats{
		AgencyID:        agencyID,
		WaitingCount:    counts.Waiting,
		ServingCount:    counts.Serving,
		CompletedToday:  counts.CompletedToday,
		AverageWaitTime: stats.Minutes(stats.AverageWait(samples)),
		SampleSize:      len(samples),
	}, nil
}

func (s *Service) OpenCounter(ctx context.Context, input CounterInput) (models.Counter, error) {
	return s.setCounterOpen(ctx, input, true)
}

func (s *Service) CloseCounter(ctx context.Context, input CounterInput) (models.Counter, error) {
	return s.setCounterOpen(ctx, input, false)
}

func (s *Service) setCounterOpen(ctx context.Context, input CounterInput, open bool) (models.Counter, error) {
	input.CounterID = strings.TrimSpace(input.CounterID)
	input.AgencyID = strings.TrimSpace(input.AgencyID)
	input.Name = strings.TrimSpace(input.Name)
	if input.CounterID == "" {
		return models.Counter{}, store.Invalid("counter_id", "is required")
	}
	if input.AgencyID == "" {
		return models.Counter{}, store.Invalid("agency_id", "is required")
	}
	existing, found, err := s.store.GetCounter(ctx, input.CounterID)
	if err != nil {
		return models.Counter{}, err
	}
	if found && existing.AgencyID != input.AgencyID {
		return models.Counter{}, store.Invalid("counter_id", "belongs to another agency")
	}
	counter, err := s.store.SaveCounter(ctx, models.Counter{
		CounterID: input.CounterID,
		AgencyID:  input.AgencyID,
		Name:      input.Name,
		IsOpen:    open,
		UpdatedAt: s.now(),
	})
	if err != nil {
		return models.Counter{}, err
	}
	s.logger.Info("counter updated", "agency_id", counter.AgencyID, "counter_id", counter.CounterID, "is_open", counter.IsOpen)
	return counter, nil
}

func (s *Service) ListCounters(ctx context.Context, agencyID string) ([]models.Counter, error) {
	agencyID = strings.TrimSpace(agencyID)
	if agencyID == "" {
		return nil, store.Invalid("agency_id", "is required")
	}
	return s.store.ListCounters(ctx, agencyID)
}

// ensureCounterOpen consults the local registry. Counters it has never
// seen are treated as open.
func (s *Service) ensureCounterOpen(ctx context.Context, agencyID, counterID string) error {
	counter, found, err := s.store.GetCounter(ctx, counterID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if counter.AgencyID != agencyID {
		return store.Invalid("counter_id", "belongs to another agency")
	}
	if !counter.IsOpen {
		return store.ErrCounterClosed
	}
	return nil
}

func (s *Service) publish(eventType string, ticket models.Ticket) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(models.QueueEvent{
		Type:      eventType,
		AgencyID:  ticket.AgencyID,
		Ticket:    &ticket,
		CreatedAt: s.now(),
	})
}

// startOperation opens a span and returns a func that closes it and
// records the outcome.
func (s *Service) startOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "dispatch."+operation, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		outcome := Outcome(err)
		s.metrics.RecordOperation(ctx, operation, outcome)
		if err != nil {
			span.RecordError(err)
			if errors.Is(err, store.ErrStorage) {
				span.SetStatus(codes.Error, err.Error())
				s.logger.Error("dispatch operation failed", "operation", operation, "err", err)
			}
		}
		span.End()
	}
}

// Outcome names the error kind for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrValidation):
		return "validation"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	default:
		return "storage"
	}
}
