// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoToken is returned when an authenticated call is made before a token
// was obtained from terminal verification.
var ErrNoToken = errors.New("no auth token set")

// Session holds the bearer token for the current run. It is set once after a
// successful verification and read by every authenticated request.
type Session struct {
	logger *slog.Logger

	mu        sync.RWMutex
	token     string
	claims    *TerminalClaims
	expiresAt time.Time
}

// NewSession creates an empty session
func NewSession(logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{logger: logger}
}

// Set replaces the current token. Tokens that are not JWTs are still
// accepted; only the claim-derived fields stay empty.
func (s *Session) Set(token string) {
	claims, err := ParseUnverified(token)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.claims = nil
	s.expiresAt = time.Time{}
	if err != nil {
		s.logger.Debug("Token is not a readable JWT", "error", err)
		return
	}
	s.claims = claims
	if claims.ExpiresAt != nil {
		s.expiresAt = claims.ExpiresAt.Time
	}
	s.logger.Debug("Session token set",
		"id_empresa", claims.CompanyID,
		"id_sucursal", claims.BranchID,
		"expires_at", s.expiresAt.Format(time.RFC3339))
}

// Clear drops the token
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.claims = nil
	s.expiresAt = time.Time{}
}

// Token returns the current bearer token or ErrNoToken.
func (s *Session) Token(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// Claims returns the decoded claims of the current token, if any.
func (s *Session) Claims() (*TerminalClaims, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims, s.claims != nil
}

// Expired reports whether the token carries an expiry that is before now.
// Tokens without an expiry never expire from the client's point of view.
func (s *Session) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.expiresAt.IsZero() && now.After(s.expiresAt)
}
