// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncer drives the terminal's sync cycle: push local changes, pull
// server deltas, apply them and persist the cursor. It also runs the startup
// sequence and exposes a controller for the UI.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ModulabyAddsy/modula-pos/deltacodec"
	"github.com/ModulabyAddsy/modula-pos/internal/auth"
	"github.com/ModulabyAddsy/modula-pos/localstore"
	"github.com/ModulabyAddsy/modula-pos/syncstate"
	"github.com/ModulabyAddsy/modula-pos/transport"
)

// ErrCycleInFlight is carried by skipped results.
var ErrCycleInFlight = errors.New("sync cycle already in flight")

// ErrNoCompany is returned when a cycle runs before the company is known.
var ErrNoCompany = errors.New("company not set")

// State is the orchestrator's position in the cycle.
type State int32

const (
	StateIdle State = iota
	StatePushing
	StatePulling
	StateApplying
	StateCleaning
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	case StateApplying:
		return "applying"
	case StateCleaning:
		return "cleaning"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome classifies a cycle.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// Result is the report of one RunCycle call.
type Result struct {
	Outcome  Outcome
	Err      error
	Pushed   int
	Pulled   int
	Applied  int
	Cleared  int64
	Cursor   string
	FullPull bool
	Duration time.Duration
}

// LocalStore is the part of the local store a cycle needs.
type LocalStore interface {
	CollectPending(ctx context.Context, companyID string) ([]localstore.PendingBatch, error)
	ApplyDeltas(ctx context.Context, companyID string, deltas map[string][]map[string]any) (*localstore.ApplyStats, error)
	MarkSynced(ctx context.Context, batches []localstore.PendingBatch) (int64, error)
	SyncableTables(ctx context.Context, companyID string) ([]string, error)
}

// Remote is the part of the backend API a cycle needs.
type Remote interface {
	PushRecords(ctx context.Context, pkg transport.PushPackage) (*transport.PushResponse, error)
	GetDeltas(ctx context.Context, cursor string) (*transport.DeltaResponse, error)
}

// StateStore persists the pull cursor.
type StateStore interface {
	Load(companyID string) (syncstate.State, error)
	Save(companyID string, st syncstate.State) error
}

// Authenticator keeps the remote session usable across cycles.
type Authenticator interface {
	// NeedsAuth reports whether the session has no usable token.
	NeedsAuth() bool
	Authenticate(ctx context.Context) error
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Store         LocalStore
	Remote        Remote
	States        StateStore
	LocalIDColumn string
	// Auth, if set, is asked for a token before a cycle and after the
	// server rejects the current one.
	Auth          Authenticator
	Recorder      StageRecorder
	Logger        *slog.Logger
}

// Orchestrator runs sync cycles. At most one cycle runs at a time; a call
// made while a cycle is in flight returns a skipped result immediately.
type Orchestrator struct {
	store         LocalStore
	remote        Remote
	states        StateStore
	localIDColumn string
	auth          Authenticator
	recorder      StageRecorder
	logger        *slog.Logger

	running atomic.Bool
	state   atomic.Int32

	mu        sync.RWMutex
	companyID string
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LocalIDColumn == "" {
		cfg.LocalIDColumn = "id"
	}
	return &Orchestrator{
		store:         cfg.Store,
		remote:        cfg.Remote,
		states:        cfg.States,
		localIDColumn: cfg.LocalIDColumn,
		auth:          cfg.Auth,
		recorder:      cfg.Recorder,
		logger:        cfg.Logger,
	}
}

// SetCompany selects the company whose databases are synced.
func (o *Orchestrator) SetCompany(companyID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.companyID = companyID
}

// Company returns the selected company.
func (o *Orchestrator) Company() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.companyID
}

// State returns the current cycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Busy reports whether a cycle is in flight.
func (o *Orchestrator) Busy() bool {
	return o.running.Load()
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// RunCycle performs push, pull, apply and clean once.
func (o *Orchestrator) RunCycle(ctx context.Context) Result {
	if !o.running.CompareAndSwap(false, true) {
		o.logger.Debug("Sync cycle skipped, another one is in flight")
		return Result{Outcome: OutcomeSkipped, Err: ErrCycleInFlight}
	}
	defer o.running.Store(false)

	start := time.Now()
	res := o.runCycle(ctx, o.Company())
	res.Duration = time.Since(start)
	o.observeStage(ctx, StageTotal, start, res.Pushed+res.Pulled, res.Err)

	if res.Err != nil {
		o.setState(StateError)
		res.Outcome = OutcomeError
		o.logger.Error("Sync cycle failed", "error", res.Err, "duration", res.Duration)
	} else {
		res.Outcome = OutcomeSuccess
		o.logger.Info("Sync cycle completed",
			"pushed", res.Pushed,
			"pulled", res.Pulled,
			"applied", res.Applied,
			"cleared", res.Cleared,
			"cursor", res.Cursor,
			"duration", res.Duration)
	}
	o.setState(StateIdle)
	return res
}

func (o *Orchestrator) runCycle(ctx context.Context, companyID string) (res Result) {
	if companyID == "" {
		res.Err = ErrNoCompany
		return res
	}

	// Push
	o.setState(StatePushing)
	stageStart := time.Now()
	if err := o.ensureAuth(ctx); err != nil {
		res.Err = err
		return res
	}
	batches, err := o.store.CollectPending(ctx, companyID)
	if err == nil {
		for _, b := range batches {
			pkg := b.Package
			pkg.Records = stripColumn(pkg.Records, o.localIDColumn)
			err = o.callAuthed(ctx, func() error {
				_, err := o.remote.PushRecords(ctx, pkg)
				return err
			})
			if err != nil {
				err = fmt.Errorf("failed to push %s (%s): %w", pkg.TableName, pkg.DBRelativePath, err)
				break
			}
			res.Pushed += len(pkg.Records)
		}
	}
	o.observeStage(ctx, StagePush, stageStart, res.Pushed, err)
	if err != nil {
		res.Err = err
		return res
	}

	// Pull
	o.setState(StatePulling)
	stageStart = time.Now()
	st, err := o.states.Load(companyID)
	if err != nil {
		res.Err = fmt.Errorf("failed to load sync state: %w", err)
		return res
	}
	tables, err := o.store.SyncableTables(ctx, companyID)
	if err != nil {
		res.Err = fmt.Errorf("failed to list syncable tables: %w", err)
		return res
	}
	cursor := st.Cursor()
	if missing := st.MissingTables(tables); len(missing) > 0 && cursor != deltacodec.EpochSentinel {
		o.logger.Info("New local tables found, pulling from the beginning",
			"tables", strings.Join(missing, ","), "previous_cursor", cursor)
		cursor = deltacodec.EpochSentinel
		res.FullPull = true
	}
	var deltas *transport.DeltaResponse
	err = o.callAuthed(ctx, func() error {
		var err error
		deltas, err = o.remote.GetDeltas(ctx, cursor)
		return err
	})
	if deltas != nil {
		res.Pulled = deltas.RecordCount()
	}
	o.observeStage(ctx, StagePull, stageStart, res.Pulled, err)
	if err != nil {
		res.Err = fmt.Errorf("failed to get deltas: %w", err)
		return res
	}

	// Apply
	o.setState(StateApplying)
	stageStart = time.Now()
	stats, err := o.store.ApplyDeltas(ctx, companyID, deltas.Deltas)
	if stats != nil {
		res.Applied = stats.Applied
	}
	o.observeStage(ctx, StageApply, stageStart, res.Applied, err)
	if err != nil {
		res.Err = fmt.Errorf("failed to apply deltas: %w", err)
		return res
	}

	// Clean
	o.setState(StateCleaning)
	stageStart = time.Now()
	res.Cleared, err = o.store.MarkSynced(ctx, batches)
	o.observeStage(ctx, StageClean, stageStart, int(res.Cleared), err)
	if err != nil {
		res.Err = err
		return res
	}

	next := deltas.ServerSyncTimestamp
	if next == "" {
		o.logger.Warn("Server returned no sync timestamp, keeping cursor", "cursor", st.Cursor())
		next = st.Cursor()
	}
	if err := o.states.Save(companyID, syncstate.State{LastServerSync: next, KnownTables: tables}); err != nil {
		res.Err = fmt.Errorf("failed to save sync state: %w", err)
		return res
	}
	res.Cursor = next
	return res
}

func stripColumn(records []map[string]any, column string) []map[string]any {
	out := make([]map[string]any, len(records))
	for i, rec := range records {
		cp := make(map[string]any, len(rec))
		for k, v := range rec {
			if strings.EqualFold(k, column) {
				continue
			}
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

func (o *Orchestrator) ensureAuth(ctx context.Context) error {
	if o.auth == nil || !o.auth.NeedsAuth() {
		return nil
	}
	if err := o.auth.Authenticate(ctx); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return nil
}

// callAuthed runs call and, when the server rejects the session, obtains a
// new token and runs it once more.
func (o *Orchestrator) callAuthed(ctx context.Context, call func() error) error {
	err := call()
	if o.auth == nil || !isAuthFailure(err) {
		return err
	}
	o.logger.Info("Session rejected, verifying terminal again", "error", err)
	if aerr := o.auth.Authenticate(ctx); aerr != nil {
		return errors.Join(err, fmt.Errorf("failed to authenticate: %w", aerr))
	}
	return call()
}

func isAuthFailure(err error) bool {
	return errors.Is(err, auth.ErrNoToken) || transport.StatusCode(err) == http.StatusUnauthorized
}
