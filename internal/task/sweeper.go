package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the stuck sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

// Sweeper periodically fails entries whose heartbeat has gone stale.
type Sweeper struct {
	service   *Service
	threshold time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewSweeper schedules Service.CleanupStuck on schedule, a standard cron
// expression or an "@every" descriptor. An empty schedule uses
// DefaultSweepSchedule.
func NewSweeper(service *Service, schedule string, threshold time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("stuck threshold must be positive, got %s", threshold)
	}

	s := &Sweeper{
		service:   service,
		threshold: threshold,
		cron:      cron.New(),
		logger:    logger.With(slog.String("component", "stuck_sweeper")),
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("stuck sweeper started", slog.Duration("threshold", s.threshold))
}

// Stop halts the schedule and waits for a running sweep to finish or ctx
// to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.service.CleanupStuck(ctx, s.threshold)
	if err != nil {
		s.logger.Error("stuck sweep failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("stuck sweep finished", slog.Int("failed", n))
}
