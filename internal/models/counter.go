package models

import "time"

type Counter struct {
	CounterID string    `json:"counter_id"`
	AgencyID  string    `json:"agency_id"`
	Name      string    `json:"name,omitempty"`
	IsOpen    bool      `json:"is_open"`
	UpdatedAt time.Time `json:"updated_at"`
}
