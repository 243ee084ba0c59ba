// Package scheduler wraps gocron and runs the controller's periodic loops:
// the registry staleness sweep, the job health monitor, the reconciler, the
// desired-state enforcer and the image inventory reconciliation. Each loop
// runs in singleton mode so a slow pass reschedules instead of stacking.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler owns the recurring background loops. The zero value is not
// usable — create instances with New.
type Scheduler struct {
	cron gocron.Scheduler
	log  *zap.Logger
}

// New creates an idle Scheduler. Register loops with Every, then call Start.
func New(log *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create: %w", err)
	}
	return &Scheduler{cron: s, log: log.Named("scheduler")}, nil
}

// Every registers fn to run at the given interval under the given name.
// The context passed to fn is cancelled when the scheduler shuts down.
func (s *Scheduler) Every(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			start := time.Now()
			fn(ctx)
			s.log.Debug("loop pass finished",
				zap.String("loop", name),
				zap.Duration("took", time.Since(start)))
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", name, err)
	}
	return nil
}

// Start begins executing the registered loops.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("background loops started",
		zap.Int("loops", len(s.cron.Jobs())))
}

// Stop shuts the scheduler down, waiting for running passes to complete.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.log.Info("background loops stopped")
	return nil
}
