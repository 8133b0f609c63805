package models

type Stats struct {
	AgencyID        string  `json:"agency_id"`
	WaitingCount    int     `json:"waiting_count"`
	ServingCount    int     `json:"serving_count"`
	CompletedToday  int     `json:"completed_today"`
	AverageWaitTime float64 `json:"average_wait_time"`
	SampleSize      int     `json:"sample_size"`
}
