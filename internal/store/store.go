package store

import (
	"context"
	"time"

	"qms/dispatch-service/internal/models"
)

type CreateTicketInput struct {
	AgencyID   string
	ServiceID  string
	ClientName string
	IssueDate  string
	CreatedAt  time.Time
}

type ClaimInput struct {
	AgencyID  string
	CounterID string
	CalledAt  time.Time
}

type TicketActionInput struct {
	TicketID    string
	CounterID   string
	ToCounterID string
	Reason      string
	OccurredAt  time.Time
}

type ListTicketsInput struct {
	AgencyID string
	Status   string
	Limit    int
}

// AbandonStaleInput selects tickets for the abandonment sweep. A zero
// CalledBefore skips called tickets; an empty IssuedBefore skips waiting ones.
type AbandonStaleInput struct {
	CalledBefore time.Time
	IssuedBefore string
	Limit        int
	OccurredAt   time.Time
}

type QueueCounts struct {
	Waiting        int
	Serving        int
	CompletedToday int
}

type WaitSample struct {
	CreatedAt     time.Time
	FirstCalledAt time.Time
}

type TicketStore interface {
	NextTicketNumber(ctx context.Context, agencyID, issueDate string) (int64, error)
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListTickets(ctx context.Context, input ListTicketsInput) ([]models.Ticket, error)
	ActiveTicket(ctx context.Context, agencyID, counterID string) (models.Ticket, bool, error)
	ClaimNext(ctx context.Context, input ClaimInput) (models.Ticket, error)
	RecallTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	CompleteTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	TransferTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	AbandonTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	AbandonStale(ctx context.Context, input AbandonStaleInput) ([]models.Ticket, error)
	QueueCounts(ctx context.Context, agencyID string, completedSince time.Time) (QueueCounts, error)
	RecentWaits(ctx context.Context, agencyID string, since time.Time, limit int) ([]WaitSample, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
	GetCounter(ctx context.Context, counterID string) (models.Counter, bool, error)
	SaveCounter(ctx context.Context, counter models.Counter) (models.Counter, error)
	ListCounters(ctx context.Context, agencyID string) ([]models.Counter, error)
	Close() error
}
