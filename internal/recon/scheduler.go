package recon

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Scheduler triggers reconciliation runs on a fixed interval.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	params   Params
	logger   *zap.Logger
}

func NewScheduler(engine *Engine, intervalMinutes int, params Params, logger *zap.Logger) *Scheduler {
	if intervalMinutes <= 0 {
		intervalMinutes = 60
	}
	return &Scheduler{
		engine:   engine,
		interval: time.Duration(intervalMinutes) * time.Minute,
		params:   params,
		logger:   logger,
	}
}

// Start runs the scheduler loop until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Reconciliation scheduler started",
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.engine.Run(ctx, s.params); err != nil {
				if errors.Is(err, ErrRunInProgress) {
					s.logger.Info("Skipping scheduled run, one is already active")
					continue
				}
				s.logger.Error("Scheduled reconciliation failed", zap.Error(err))
			}
		}
	}
}
