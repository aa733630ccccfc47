// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultInterval   = 60 * time.Second
	DefaultBackoffMax = 10 * time.Minute
)

// Cycler runs one sync cycle.
type Cycler interface {
	RunCycle(ctx context.Context) Result
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Interval   time.Duration
	BackoffMax time.Duration
	// OnResult, if set, receives every non-skipped result.
	OnResult func(Result)
	Logger   *slog.Logger
}

// Scheduler runs cycles periodically. After a failed cycle the wait doubles
// up to BackoffMax; a successful cycle resets it to Interval.
type Scheduler struct {
	cycler     Cycler
	interval   time.Duration
	backoffMax time.Duration
	onResult   func(Result)
	logger     *slog.Logger
	wake       chan struct{}
}

// NewScheduler creates a scheduler around c.
func NewScheduler(c Cycler, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BackoffMax < cfg.Interval {
		cfg.BackoffMax = max(DefaultBackoffMax, cfg.Interval)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cycler:     c,
		interval:   cfg.Interval,
		backoffMax: cfg.BackoffMax,
		onResult:   cfg.OnResult,
		logger:     cfg.Logger,
		wake:       make(chan struct{}, 1),
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug("Sync scheduler started", "interval", s.interval)
	defer s.logger.Debug("Sync scheduler stopped")

	wait := s.interval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		}

		res := s.cycler.RunCycle(ctx)
		wait = s.nextWait(wait, res)
		if res.Outcome != OutcomeSkipped && s.onResult != nil {
			s.onResult(res)
		}
		if res.Outcome == OutcomeError {
			s.logger.Warn("Sync cycle failed, backing off", "next_attempt_in", wait, "error", res.Err)
		}
	}
}

// Trigger wakes the scheduler early. Triggers that arrive while one is
// already pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) nextWait(current time.Duration, res Result) time.Duration {
	switch res.Outcome {
	case OutcomeSuccess:
		return s.interval
	case OutcomeError:
		next := max(current, s.interval) * 2
		return min(next, s.backoffMax)
	default:
		return current
	}
}
