// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrTaskBusy is reported when a task is started while the same kind of task
// is still running.
var ErrTaskBusy = errors.New("task already running")

// TaskKind names a controller task slot.
type TaskKind string

const (
	TaskStartup TaskKind = "startup"
	TaskSync    TaskKind = "sync"
)

// Event is delivered on the controller's completion channel when a task ends.
type Event struct {
	Task    TaskKind
	Startup StartupOutcome
	Sync    *Result
}

const eventBuffer = 16

// Controller is the boundary between the UI and the sync core. Each task
// runs on its own goroutine; its result is delivered on a channel and, for
// sync, to an optional callback.
type Controller struct {
	startup  *Startup
	orch     *Orchestrator
	notifier Notifier
	logger   *slog.Logger

	events chan Event

	mu    sync.Mutex
	slots map[TaskKind]bool
	wg    sync.WaitGroup
}

// NewController creates a controller. notifier may be nil.
func NewController(startup *Startup, orch *Orchestrator, notifier Notifier, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Controller{
		startup:  startup,
		orch:     orch,
		notifier: notifier,
		logger:   logger,
		events:   make(chan Event, eventBuffer),
		slots:    make(map[TaskKind]bool),
	}
}

// Events returns the completion channel. It is never closed.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// StartApp runs the startup sequence in the background. The returned
// channel yields exactly one outcome.
func (c *Controller) StartApp(ctx context.Context) <-chan StartupOutcome {
	out := make(chan StartupOutcome, 1)
	if !c.acquire(TaskStartup) {
		out <- FatalError{Err: ErrTaskBusy}
		close(out)
		return out
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(TaskStartup)

		outcome := c.startup.Run(ctx, c.notifier)
		out <- outcome
		close(out)
		c.publish(Event{Task: TaskStartup, Startup: outcome})
	}()
	return out
}

// SyncNow runs one cycle in the background and calls onDone with the result.
// If a cycle is already running, onDone receives a skipped result at once.
func (c *Controller) SyncNow(ctx context.Context, onDone func(Result)) {
	if !c.acquire(TaskSync) {
		res := Result{Outcome: OutcomeSkipped, Err: ErrCycleInFlight}
		if onDone != nil {
			onDone(res)
		}
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(TaskSync)

		res := c.orch.RunCycle(ctx)
		if onDone != nil {
			onDone(res)
		}
		c.publish(Event{Task: TaskSync, Sync: &res})
	}()
}

// Running reports whether a task of kind k is in progress.
func (c *Controller) Running(k TaskKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[k]
}

// Wait blocks until every task started so far has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) acquire(k TaskKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[k] {
		return false
	}
	c.slots[k] = true
	return true
}

func (c *Controller) release(k TaskKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, k)
}

func (c *Controller) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("Controller event dropped, nobody is reading", "task", ev.Task)
	}
}
