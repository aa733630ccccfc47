// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ModulabyAddsy/modula-pos/internal/auth"
	"github.com/ModulabyAddsy/modula-pos/terminal"
	"github.com/ModulabyAddsy/modula-pos/transport"
)

// ErrNoIdentity is returned when the terminal must verify itself but no
// identity has been stored yet.
var ErrNoIdentity = errors.New("terminal identity not stored")

// DefaultRefreshSkew is how long before expiry a token is replaced.
const DefaultRefreshSkew = 5 * time.Minute

// VerifyRemote obtains access tokens.
type VerifyRemote interface {
	VerifyTerminal(ctx context.Context, terminalID string, fp transport.NetworkFingerprint) *transport.VerifyResult
	SetAuthToken(token string)
}

// SessionAuthConfig wires a SessionAuth.
type SessionAuthConfig struct {
	Remote      VerifyRemote
	Session     *auth.Session
	Identity    IdentityStore
	Fingerprint func(ctx context.Context) transport.NetworkFingerprint
	RefreshSkew time.Duration
	Logger      *slog.Logger
}

// SessionAuth verifies the terminal again with its stored identity when the
// session has no token, when the token is close to expiry, or when the
// server rejected it. It lets a terminal that started offline, or that ran
// past its token's lifetime, resume syncing without a restart.
type SessionAuth struct {
	remote      VerifyRemote
	session     *auth.Session
	identity    IdentityStore
	fingerprint func(ctx context.Context) transport.NetworkFingerprint
	skew        time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu sync.Mutex
}

// NewSessionAuth creates a SessionAuth.
func NewSessionAuth(cfg SessionAuthConfig) *SessionAuth {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fingerprint == nil {
		cfg.Fingerprint = terminal.Fingerprint
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	return &SessionAuth{
		remote:      cfg.Remote,
		session:     cfg.Session,
		identity:    cfg.Identity,
		fingerprint: cfg.Fingerprint,
		skew:        cfg.RefreshSkew,
		now:         time.Now,
		logger:      cfg.Logger,
	}
}

// NeedsAuth reports whether the session has no token or one that expires
// within the refresh skew.
func (a *SessionAuth) NeedsAuth() bool {
	if _, err := a.session.Token(context.Background()); err != nil {
		return true
	}
	return a.session.Expired(a.now().Add(a.skew))
}

// Authenticate verifies the stored identity and installs the new token.
func (a *SessionAuth) Authenticate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ident, err := a.identity.Load()
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	if ident == nil || ident.TerminalID == "" {
		return ErrNoIdentity
	}

	res := a.remote.VerifyTerminal(ctx, ident.TerminalID, a.fingerprint(ctx))
	switch {
	case res.Status == transport.StatusOK && res.AccessToken != "":
		a.remote.SetAuthToken(res.AccessToken)
		a.logger.Info("Terminal verified, session renewed", "terminal_id", ident.TerminalID)
		return nil
	case res.Unreachable:
		return &transport.NetworkError{Op: "verify terminal", Err: errors.New(string(res.Detail))}
	default:
		return fmt.Errorf("terminal verification failed (%s): %s", res.Status, res.Detail)
	}
}
