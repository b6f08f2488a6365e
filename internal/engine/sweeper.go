package engine

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires reservations whose TTL has elapsed.
type Sweeper struct {
	manager   *Manager
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewSweeper builds a sweeper running every interval.
func NewSweeper(manager *Manager, interval time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{manager: manager, interval: interval, batchSize: batchSize, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reservation sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reservation sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := s.manager.SweepExpired(ctx, s.manager.now(), s.batchSize)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				s.logger.Info("reservations expired", slog.Int("count", n))
			}
		}
	}
}
