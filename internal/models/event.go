package models

import "time"

// QueueEvent is pushed to realtime subscribers of an agency.
type QueueEvent struct {
	Type      string    `json:"type"`
	AgencyID  string    `json:"agency_id"`
	Ticket    *Ticket   `json:"ticket,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
