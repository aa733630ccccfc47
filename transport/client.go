// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package transport is the HTTP client for the Modula backend sync API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ModulabyAddsy/modula-pos/internal/auth"
)

const (
	DefaultShortTimeout = 15 * time.Second
	DefaultLongTimeout  = 300 * time.Second
)

// Config holds configuration for the transport client
type Config struct {
	BaseURL      string
	ShortTimeout time.Duration // verification, push, deltas
	LongTimeout  time.Duration // initialize and file transfers
	HTTP         *http.Client
	Session      *auth.Session
	Logger       *slog.Logger
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	shortTimeout time.Duration
	longTimeout  time.Duration
	session      *auth.Session
	logger       *slog.Logger
}

// NewClient creates a client, filling unset fields with defaults.
func NewClient(cfg Config) *Client {
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{}
	}
	if cfg.ShortTimeout <= 0 {
		cfg.ShortTimeout = DefaultShortTimeout
	}
	if cfg.LongTimeout <= 0 {
		cfg.LongTimeout = DefaultLongTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Session == nil {
		cfg.Session = auth.NewSession(cfg.Logger)
	}
	return &Client{
		BaseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		HTTP:         cfg.HTTP,
		shortTimeout: cfg.ShortTimeout,
		longTimeout:  cfg.LongTimeout,
		session:      cfg.Session,
		logger:       cfg.Logger,
	}
}

// SetAuthToken installs the bearer token used by authenticated calls.
func (c *Client) SetAuthToken(token string) {
	c.session.Set(token)
}

// Session exposes the token holder.
func (c *Client) Session() *auth.Session {
	return c.session
}

// VerifyTerminal asks the backend whether this terminal may operate. It never
// fails: transport problems come back as a synthetic error result with
// Unreachable set, and HTTP errors are decoded as results when they carry a
// status.
func (c *Client) VerifyTerminal(ctx context.Context, terminalID string, fp NetworkFingerprint) *VerifyResult {
	const op = "verify terminal"
	body := VerifyRequest{TerminalID: terminalID, NetworkFingerprint: fp}

	var result VerifyResult
	err := c.doJSON(ctx, op, http.MethodPost, "/auth/verificar-terminal", c.shortTimeout, false, body, &result)
	if err == nil {
		if result.Status == "" {
			result.Status = StatusError
		}
		return &result
	}

	if IsUnreachable(err) || errors.Is(err, context.Canceled) {
		c.logger.Warn("Terminal verification could not reach server", "error", err)
		return &VerifyResult{
			Status:      StatusError,
			Detail:      "No se pudo conectar con el servidor.",
			Unreachable: true,
		}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		var fromBody VerifyResult
		if json.Unmarshal(apiErr.body, &fromBody) == nil && fromBody.Status != "" {
			return &fromBody
		}
	}
	c.logger.Warn("Terminal verification failed", "error", err)
	return &VerifyResult{Status: StatusError, Detail: Detail(detailOf(err))}
}

// LookupTerminal finds a terminal registered under hardwareID. A 404 maps to
// ErrTerminalNotFound.
func (c *Client) LookupTerminal(ctx context.Context, hardwareID string) (*TerminalInfo, error) {
	var info TerminalInfo
	body := map[string]string{"id_terminal": hardwareID}
	err := c.doJSON(ctx, "lookup terminal", http.MethodPost, "/terminales/buscar-por-hardware", c.shortTimeout, false, body, &info)
	if err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return nil, ErrTerminalNotFound
		}
		return nil, err
	}
	if info.TerminalID == "" {
		info.TerminalID = hardwareID
	}
	return &info, nil
}

// InitializeSync prepares the cloud copy of the company data and returns the
// keys of the files the terminal should download.
func (c *Client) InitializeSync(ctx context.Context) (*InitializeResponse, error) {
	var resp InitializeResponse
	if err := c.doJSON(ctx, "initialize sync", http.MethodPost, "/sync/initialize", c.longTimeout, true, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PushRecords sends one package of dirty rows.
func (c *Client) PushRecords(ctx context.Context, pkg PushPackage) (*PushResponse, error) {
	var resp PushResponse
	if err := c.doJSON(ctx, "push records", http.MethodPost, "/sync/push", c.shortTimeout, true, pkg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDeltas returns every row changed on the server after cursor. Numbers in
// the rows are kept as json.Number.
func (c *Client) GetDeltas(ctx context.Context, cursor string) (*DeltaResponse, error) {
	var resp DeltaResponse
	if err := c.doJSON(ctx, "get deltas", http.MethodPost, "/sync/deltas", c.shortTimeout, true, DeltaRequest{Global: cursor}, &resp); err != nil {
		return nil, err
	}
	if resp.Deltas == nil {
		resp.Deltas = map[string][]map[string]any{}
	}
	return &resp, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, timeout time.Duration, authenticated bool, in, out any) error {
	jsonData, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, op, method, path, bytes.NewReader(jsonData), authenticated)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.send(ctx, op, httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return newAPIError(op, resp.StatusCode, body)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, op, method, path string, body io.Reader, authenticated bool) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create HTTP request: %w", op, err)
	}
	if authenticated {
		token, err := c.session.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}

// send executes the request, classifying failures to reach the server as
// NetworkError. Cancellation by the caller is passed through unwrapped.
func (c *Client) send(ctx context.Context, op string, httpReq *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if parent := context.Cause(ctx); errors.Is(parent, context.Canceled) {
			return nil, fmt.Errorf("%s: %w", op, context.Canceled)
		}
		return nil, &NetworkError{Op: op, Err: err}
	}
	c.logger.Debug("HTTP request completed",
		"op", op,
		"method", httpReq.Method,
		"path", httpReq.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start))
	return resp, nil
}

func newAPIError(op string, status int, body []byte) *APIError {
	detail := "Error desconocido del servidor."
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Detail != "" {
		detail = string(eb.Detail)
	}
	return &APIError{Op: op, StatusCode: status, Detail: detail, body: body}
}

func detailOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return err.Error()
}
