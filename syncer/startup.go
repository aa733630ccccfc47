// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/ModulabyAddsy/modula-pos/localstore"
	"github.com/ModulabyAddsy/modula-pos/terminal"
	"github.com/ModulabyAddsy/modula-pos/transport"
)

// StartupOutcome is one of Ready, ActivationRequired, LocationMismatch,
// SubscriptionExpired or FatalError.
type StartupOutcome interface {
	isStartupOutcome()
}

// Ready means the terminal may operate.
type Ready struct {
	Identity terminal.Identity
	// Offline is set when the server was unreachable and the terminal runs
	// on its cached databases.
	Offline bool
	// Provisioned is the number of databases downloaded on first start.
	Provisioned int
	// Warnings lists per-file provisioning failures that did not abort startup.
	Warnings []string
	Sync     *Result
	// SyncErr is set when the first cycle failed; the terminal still runs.
	SyncErr error
}

// ActivationRequired means this hardware is not registered.
type ActivationRequired struct {
	HardwareID string
}

// LocationMismatch means the terminal is on another branch's network.
type LocationMismatch struct {
	Suggestion *transport.Branch
	Branches   []transport.Branch
	Detail     string
}

// SubscriptionExpired means the company's subscription lapsed.
type SubscriptionExpired struct {
	Detail string
}

// FatalError means the terminal cannot start.
type FatalError struct {
	Err error
}

func (f FatalError) Error() string { return f.Err.Error() }

func (Ready) isStartupOutcome()               {}
func (ActivationRequired) isStartupOutcome()  {}
func (LocationMismatch) isStartupOutcome()    {}
func (SubscriptionExpired) isStartupOutcome() {}
func (FatalError) isStartupOutcome()          {}

// Notifier receives startup progress.
type Notifier interface {
	Progress(message string, percent int)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string, percent int)

func (f NotifierFunc) Progress(message string, percent int) { f(message, percent) }

type nopNotifier struct{}

func (nopNotifier) Progress(string, int) {}

// StartupRemote is the part of the backend API startup needs.
type StartupRemote interface {
	VerifyRemote
	LookupTerminal(ctx context.Context, hardwareID string) (*transport.TerminalInfo, error)
	InitializeSync(ctx context.Context) (*transport.InitializeResponse, error)
	PullDBFile(ctx context.Context, key, dest string) (int64, error)
}

// IdentityStore persists the terminal identity.
type IdentityStore interface {
	Load() (*terminal.Identity, error)
	Save(id terminal.Identity) error
}

// LocalData answers questions about the on-disk databases.
type LocalData interface {
	HasLocalData(companyID string) (bool, error)
	Layout() localstore.Layout
}

// StartupConfig wires a Startup.
type StartupConfig struct {
	Remote       StartupRemote
	Identity     IdentityStore
	Local        LocalData
	Orchestrator *Orchestrator
	// HardwareID derives the terminal id; defaults to terminal.HardwareID.
	HardwareID func() string
	// Fingerprint probes the network; defaults to terminal.Fingerprint.
	Fingerprint         func(ctx context.Context) transport.NetworkFingerprint
	DownloadParallelism int
	Logger              *slog.Logger
}

// Startup runs the boot sequence: identity, verification, provisioning and
// a first sync cycle.
type Startup struct {
	remote      StartupRemote
	identity    IdentityStore
	local       LocalData
	orch        *Orchestrator
	hardwareID  func() string
	fingerprint func(ctx context.Context) transport.NetworkFingerprint
	parallelism int
	logger      *slog.Logger
}

// NewStartup creates a Startup.
func NewStartup(cfg StartupConfig) *Startup {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HardwareID == nil {
		logger := cfg.Logger
		cfg.HardwareID = func() string { return terminal.HardwareID(logger) }
	}
	if cfg.Fingerprint == nil {
		cfg.Fingerprint = terminal.Fingerprint
	}
	if cfg.DownloadParallelism <= 0 {
		cfg.DownloadParallelism = 4
	}
	return &Startup{
		remote:      cfg.Remote,
		identity:    cfg.Identity,
		local:       cfg.Local,
		orch:        cfg.Orchestrator,
		hardwareID:  cfg.HardwareID,
		fingerprint: cfg.Fingerprint,
		parallelism: cfg.DownloadParallelism,
		logger:      cfg.Logger,
	}
}

// Run executes the boot sequence and reports progress to n.
func (s *Startup) Run(ctx context.Context, n Notifier) StartupOutcome {
	if n == nil {
		n = nopNotifier{}
	}

	n.Progress("Verificando identidad de la terminal...", 10)
	hwID := s.hardwareID()
	ident, err := s.identity.Load()
	if err != nil {
		s.logger.Warn("Could not read identity file", "error", err)
		ident = nil
	}

	if ident == nil || ident.TerminalID != hwID {
		info, err := s.remote.LookupTerminal(ctx, hwID)
		switch {
		case errors.Is(err, transport.ErrTerminalNotFound):
			s.logger.Info("Hardware is not registered, activation required", "hardware_id", hwID)
			return ActivationRequired{HardwareID: hwID}
		case transport.IsUnreachable(err):
			return FatalError{Err: fmt.Errorf("no se pudo contactar al servidor para identificar la terminal: %w", err)}
		case err != nil:
			s.logger.Warn("Terminal lookup failed, activation required", "hardware_id", hwID, "error", err)
			return ActivationRequired{HardwareID: hwID}
		}
		ident = &terminal.Identity{TerminalID: hwID, CompanyID: info.CompanyID, BranchID: info.BranchID}
		if err := s.identity.Save(*ident); err != nil {
			s.logger.Warn("Could not save identity file", "error", err)
		}
		s.logger.Info("Terminal linked to existing registration", "hardware_id", hwID)
	}

	n.Progress("Verificando terminal...", 30)
	verify := s.remote.VerifyTerminal(ctx, ident.TerminalID, s.fingerprint(ctx))
	offline := false
	switch verify.Status {
	case transport.StatusOK:
		if verify.AccessToken == "" {
			return FatalError{Err: errors.New("la verificación no devolvió un token de acceso")}
		}
		s.remote.SetAuthToken(verify.AccessToken)
		if verify.CompanyID != "" {
			ident.CompanyID = verify.CompanyID
			ident.BranchID = verify.BranchID
			if err := s.identity.Save(*ident); err != nil {
				s.logger.Warn("Could not save identity file", "error", err)
			}
		}
	case transport.StatusLocationMismatch:
		return LocationMismatch{Suggestion: verify.Suggestion, Branches: verify.Branches, Detail: string(verify.Detail)}
	case transport.StatusSubscriptionExpired:
		return SubscriptionExpired{Detail: string(verify.Detail)}
	default:
		hasLocal, _ := s.local.HasLocalData(ident.CompanyID)
		if !verify.Unreachable || !hasLocal {
			return FatalError{Err: fmt.Errorf("verificación fallida: %s", verify.Detail)}
		}
		s.logger.Warn("Server unreachable, starting offline with cached data", "id_empresa", ident.CompanyID)
		offline = true
	}

	if ident.CompanyID == "" {
		return FatalError{Err: errors.New("la terminal no está asociada a una empresa")}
	}
	s.orch.SetCompany(ident.CompanyID)

	ready := Ready{Identity: *ident, Offline: offline}
	if offline {
		n.Progress("Trabajando sin conexión.", 100)
		return ready
	}

	hasLocal, err := s.local.HasLocalData(ident.CompanyID)
	if err != nil {
		return FatalError{Err: fmt.Errorf("failed to inspect local data: %w", err)}
	}
	if !hasLocal {
		provisioned, warnings, err := s.provision(ctx, n)
		if err != nil {
			return FatalError{Err: err}
		}
		ready.Provisioned = provisioned
		ready.Warnings = warnings
	}

	n.Progress("Sincronizando cambios...", 70)
	res := s.orch.RunCycle(ctx)
	ready.Sync = &res
	if res.Outcome == OutcomeError {
		ready.SyncErr = res.Err
		n.Progress("Sincronización pendiente, se reintentará.", 100)
		return ready
	}
	n.Progress("¡Sincronización completa!", 100)
	return ready
}

// provision downloads every database the server lists for this terminal.
// Per-file failures are collected; it fails only when nothing could be
// downloaded.
func (s *Startup) provision(ctx context.Context, n Notifier) (int, []string, error) {
	n.Progress("Preparando la nube...", 40)
	plan, err := s.remote.InitializeSync(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to initialize sync: %w", err)
	}
	keys := plan.FilesToPull
	s.logger.Info("Provisioning local databases", "files", len(keys))

	var (
		mu       sync.Mutex
		done     int
		ok       int
		total    int64
		warnings []string
	)
	layout := s.local.Layout()

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for _, key := range keys {
		g.Go(func() error {
			dest, err := layout.DestinationFor(key)
			var size int64
			if err == nil {
				size, err = s.remote.PullDBFile(ctx, key, dest)
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			pct := 40 + done*30/len(keys)
			if err != nil {
				s.logger.Error("Failed to download database", "key", key, "error", err)
				warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
				n.Progress(fmt.Sprintf("No se pudo descargar %s", path.Base(key)), pct)
				return nil
			}
			ok++
			total += size
			n.Progress(fmt.Sprintf("Descargado %s (%s)", path.Base(key), humanize.Bytes(uint64(size))), pct)
			return nil
		})
	}
	_ = g.Wait()

	if ok == 0 {
		return 0, warnings, fmt.Errorf("no se pudo descargar ninguna base de datos (%d solicitadas)", len(keys))
	}
	s.logger.Info("Provisioning finished",
		"downloaded", ok,
		"failed", len(warnings),
		"size", humanize.Bytes(uint64(total)))
	return ok, warnings, nil
}
