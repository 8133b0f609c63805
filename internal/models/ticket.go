package models

import "time"

type Ticket struct {
	TicketID      string     `json:"ticket_id"`
	AgencyID      string     `json:"agency_id"`
	ServiceID     string     `json:"service_id"`
	TicketNumber  int64      `json:"ticket_number"`
	IssueDate     string     `json:"issue_date"`
	Status        string     `json:"status"`
	ClientName    string     `json:"client_name,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	FirstCalledAt *time.Time `json:"first_called_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	AbandonedAt   *time.Time `json:"abandoned_at,omitempty"`
	CounterID     *string    `json:"counter_id,omitempty"`
	RecallCount   int        `json:"recall_count"`
	Version       int64      `json:"version"`
	// Position is the 1-based place in the waiting list. Only set by list views.
	Position int `json:"position,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
)

// IssueDateLayout is the calendar-day key used for per-day numbering.
const IssueDateLayout = "2006-01-02"

func (t Ticket) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusAbandoned
}

func (t Ticket) HeldBy(counterID string) bool {
	return t.CounterID != nil && *t.CounterID == counterID
}
