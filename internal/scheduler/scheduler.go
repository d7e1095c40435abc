// Package scheduler drives the periodic feed poll.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Poller runs one claim cycle. Implemented by the worker orchestrator.
type Poller interface {
	PollOnce(ctx context.Context) (int, error)
}

// Scheduler fires the poller on a fixed cadence. Cycles that fire while a
// previous one is still running are dropped by the poller itself.
type Scheduler struct {
	cron     *cron.Cron
	poller   Poller
	interval time.Duration
	logger   *zap.Logger

	ctx context.Context
}

// New constructs a Scheduler.
func New(poller Poller, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:     cron.New(),
		poller:   poller,
		interval: interval,
		logger:   logger,
	}
}

// Start registers the poll entry and begins firing. The given context is
// handed to every cycle; Start returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.runCycle); err != nil {
		return fmt.Errorf("register poll entry: %w", err)
	}
	s.cron.Start()
	s.logger.Info("poll scheduler started", zap.Duration("interval", s.interval))

	// The first cycle should not wait a full interval.
	go s.runCycle()
	return nil
}

// Trigger fires one cycle outside the schedule, for the ops endpoint.
func (s *Scheduler) Trigger(ctx context.Context) (int, error) {
	return s.poller.PollOnce(ctx)
}

// Stop halts the schedule and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
	s.logger.Info("poll scheduler stopped")
}

func (s *Scheduler) runCycle() {
	if s.ctx.Err() != nil {
		return
	}
	n, err := s.poller.PollOnce(s.ctx)
	if err != nil {
		s.logger.Error("poll cycle failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("poll cycle finished", zap.Int("jobs", n))
	}
}
