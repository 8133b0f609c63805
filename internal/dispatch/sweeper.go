package dispatch

import (
	"context"
	"log/slog"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

// SweepPolicy decides when an unserved ticket is given up on.
type SweepPolicy struct {
	// CalledTimeout abandons called tickets not recalled or completed
	// within this long of their last call. Zero disables it.
	CalledTimeout time.Duration
	// AbandonPreviousDays abandons waiting tickets issued before today.
	AbandonPreviousDays bool
	BatchSize           int
}

func (p SweepPolicy) Enabled() bool {
	return p.CalledTimeout > 0 || p.AbandonPreviousDays
}

// SweepAbandoned applies the policy once and returns the tickets it
// abandoned.
func (s *Service) SweepAbandoned(ctx context.Context, policy SweepPolicy) (abandoned []models.Ticket, err error) {
	ctx, finish := s.startOperation(ctx, "sweep")
	defer func() { finish(err) }()

	if !policy.Enabled() {
		return nil, nil
	}
	now := s.now()
	input := store.AbandonStaleInput{Limit: policy.BatchSize, OccurredAt: now}
	if policy.CalledTimeout > 0 {
		input.CalledBefore = now.Add(-policy.CalledTimeout)
	}
	if policy.AbandonPreviousDays {
		input.IssuedBefore = s.IssueDate(now)
	}

	abandoned, err = s.store.AbandonStale(ctx, input)
	if err != nil {
		return nil, err
	}
	for _, ticket := range abandoned {
		s.publish(store.EventAbandoned, ticket)
	}
	return abandoned, nil
}

type Sweeper struct {
	service  *Service
	policy   SweepPolicy
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewSweeper(service *Service, policy SweepPolicy, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{service: service, policy: policy, interval: interval, timeout: 10 * time.Second, logger: logger}
}

// Run sweeps on every tick until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	if w.interval <= 0 || !w.policy.Enabled() {
		w.logger.Info("abandonment sweeper disabled")
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Sweeper) sweepOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	abandoned, err := w.service.SweepAbandoned(ctx, w.policy)
	if err != nil {
		w.logger.Error("abandonment sweep error", "err", err)
		return
	}
	if len(abandoned) > 0 {
		w.logger.Info("abandonment sweep processed tickets", "count", len(abandoned))
	}
}
