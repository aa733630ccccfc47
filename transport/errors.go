// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"

	"github.com/ModulabyAddsy/modula-pos/internal/auth"
)

var (
	// ErrNoToken is returned by authenticated calls made before SetAuthToken.
	ErrNoToken = auth.ErrNoToken

	// ErrTerminalNotFound is returned by LookupTerminal when the backend has
	// no terminal registered for the hardware id.
	ErrTerminalNotFound = errors.New("terminal not found")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Op         string
	StatusCode int
	Detail     string

	body []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: server returned status %d: %s", e.Op, e.StatusCode, e.Detail)
}

// NetworkError wraps failures to reach the backend at all: DNS, refused
// connections, timeouts.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: failed to reach server: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err means the backend could not be contacted.
func IsUnreachable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
