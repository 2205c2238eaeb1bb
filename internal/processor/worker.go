package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-integrity/internal/eventbus"
)

// Pool runs a fixed set of workers against the event queue. Workers poll
// the table on an interval and wake early when the bus nudges them.
type Pool struct {
	processor *Processor
	bus       eventbus.EventBus
	logger    *zap.Logger

	workers      int
	pollInterval time.Duration

	nudge chan struct{}
	wg    sync.WaitGroup
}

func NewPool(proc *Processor, bus eventbus.EventBus, workers, pollSeconds int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if pollSeconds <= 0 {
		pollSeconds = 5
	}
	return &Pool{
		processor:    proc,
		bus:          bus,
		logger:       logger,
		workers:      workers,
		pollInterval: time.Duration(pollSeconds) * time.Second,
		nudge:        make(chan struct{}, 1),
	}
}

// Start launches the workers. They run until ctx is canceled.
func (p *Pool) Start(ctx context.Context) error {
	if p.bus != nil {
		_, err := p.bus.Subscribe(ctx, eventbus.TopicWebhookEvents, func(ctx context.Context, event map[string]interface{}) error {
			select {
			case p.nudge <- struct{}{}:
			default:
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to event stream: %w", err)
		}
	}

	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}

	p.logger.Info("Event processor pool started", zap.Int("workers", p.workers))
	return nil
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()
	logger := p.logger.With(zap.String("worker_id", workerID))

	for {
		if ctx.Err() != nil {
			return
		}

		event, err := p.processor.ClaimNext(ctx, workerID)
		if err != nil {
			if errors.Is(err, ErrNoWork) {
				select {
				case <-ctx.Done():
					return
				case <-p.nudge:
				case <-time.After(p.pollInterval):
				}
				continue
			}
			logger.Error("Failed to claim event", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		logger.Debug("Claimed event",
			zap.String("event_id", event.ID.String()),
			zap.Int("attempts", event.Attempts))

		if err := p.processor.ProcessClaimed(ctx, event); err != nil {
			// Only fatal conditions surface here; this worker stops
			// claiming so a broken dependency is not hammered.
			logger.Error("Worker stopping on fatal error", zap.Error(err))
			return
		}
	}
}
