// Package stats derives queue statistics from recent call history.
package stats

import (
	"math"
	"time"

	"qms/dispatch-service/internal/store"
)

// AverageWait averages first_called_at - created_at over the samples.
// Negative waits (clock skew between writers) count as zero. An empty
// sample yields zero.
func AverageWait(samples []store.WaitSample) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, sample := range samples {
		wait := sample.FirstCalledAt.Sub(sample.CreatedAt)
		if wait > 0 {
			total += wait
		}
	}
	return total / time.Duration(len(samples))
}

// Minutes renders a wait in minutes rounded to one decimal.
func Minutes(wait time.Duration) float64 {
	minutes := wait.Minutes()
	if math.IsNaN(minutes) || minutes < 0 {
		return 0
	}
	return math.Round(minutes*10) / 10
}

// StartOfDay returns local midnight of now in loc.
func StartOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
