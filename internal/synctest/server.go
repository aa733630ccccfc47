// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package synctest is an in-memory implementation of the backend sync API
// for tests and local development.
package synctest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ModulabyAddsy/modula-pos/deltacodec"
	"github.com/ModulabyAddsy/modula-pos/internal/auth"
	"github.com/ModulabyAddsy/modula-pos/transport"
)

const tokenTTL = time.Hour

// Terminal is a registered terminal.
type Terminal struct {
	ID        string
	Name      string
	CompanyID string
	BranchID  int64
	// Verify, when set, replaces the normal verification answer. Its HTTP
	// status is 409 unless VerifyHTTPStatus is set.
	Verify           *transport.VerifyResult
	VerifyHTTPStatus int
}

type row struct {
	data      map[string]any
	updatedAt time.Time
}

// Server is the fake backend.
type Server struct {
	*httptest.Server
	Issuer *auth.Issuer
	logger *slog.Logger

	mu        sync.Mutex
	terminals map[string]*Terminal
	rows      map[string]map[string]map[string]*row // company → table → uuid → row
	files     map[string][]byte
	pushes    []transport.PushPackage
	cursors   []string
	last      time.Time
	failures  map[string]int // path → status for the next call
}

// NewServer starts a fake backend. Call Close when done.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Issuer:    auth.NewIssuer("synctest-secret"),
		logger:    logger,
		terminals: make(map[string]*Terminal),
		rows:      make(map[string]map[string]map[string]*row),
		files:     make(map[string][]byte),
		failures:  make(map[string]int),
	}
	s.Server = httptest.NewServer(s.Handler())
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/verificar-terminal", s.handleVerify)
	mux.HandleFunc("POST /terminales/buscar-por-hardware", s.handleLookup)
	mux.Handle("POST /sync/initialize", s.Issuer.Middleware(http.HandlerFunc(s.handleInitialize)))
	mux.Handle("POST /sync/push", s.Issuer.Middleware(http.HandlerFunc(s.handlePush)))
	mux.Handle("POST /sync/deltas", s.Issuer.Middleware(http.HandlerFunc(s.handleDeltas)))
	mux.Handle("GET /sync/files", s.Issuer.Middleware(http.HandlerFunc(s.handleGetFile)))
	mux.Handle("PUT /sync/files", s.Issuer.Middleware(http.HandlerFunc(s.handlePutFile)))
	return s.failureMiddleware(mux)
}

// RegisterTerminal adds or replaces a terminal.
func (s *Server) RegisterTerminal(t Terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.terminals[t.ID] = &cp
}

// PutFile stores a database file under key.
func (s *Server) PutFile(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = append([]byte(nil), data...)
}

// File returns the stored bytes of key.
func (s *Server) File(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[key]
	return b, ok
}

// SeedRow stores a row as if another terminal had pushed it now.
func (s *Server) SeedRow(companyID, table string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(companyID, table, "uuid", data)
}

// Row returns the server copy of a row.
func (s *Server) Row(companyID, table, uuid string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[companyID][table][uuid]
	if !ok {
		return nil, false
	}
	return r.data, true
}

// Pushes returns every package received so far.
func (s *Server) Pushes() []transport.PushPackage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.PushPackage(nil), s.pushes...)
}

// Cursors returns the cursor of every deltas request received so far.
func (s *Server) Cursors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cursors...)
}

// FailNext makes the next request to path answer with status.
func (s *Server) FailNext(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = status
}

func (s *Server) failureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status, ok := s.failures[r.URL.Path]
		delete(s.failures, r.URL.Path)
		s.mu.Unlock()
		if ok {
			writeJSON(w, status, map[string]string{"detail": fmt.Sprintf("injected failure on %s", r.URL.Path)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req transport.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid JSON"})
		return
	}

	s.mu.Lock()
	t, ok := s.terminals[req.TerminalID]
	var term Terminal
	if ok {
		term = *t
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, transport.VerifyResult{Status: transport.StatusError, Detail: "Terminal no registrada."})
		return
	}
	if term.Verify != nil {
		status := term.VerifyHTTPStatus
		if status == 0 {
			status = http.StatusConflict
		}
		writeJSON(w, status, term.Verify)
		return
	}

	tok, err := s.Issuer.GenerateToken(term.ID, term.CompanyID, term.BranchID, tokenTTL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	s.logger.Debug("Terminal verified", "id_terminal", term.ID, "gateway_mac", req.GatewayMAC)
	writeJSON(w, http.StatusOK, transport.VerifyResult{
		Status:      transport.StatusOK,
		AccessToken: tok,
		CompanyID:   term.CompanyID,
		BranchID:    term.BranchID,
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TerminalID string `json:"id_terminal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid JSON"})
		return
	}
	s.mu.Lock()
	t, ok := s.terminals[req.TerminalID]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Terminal no encontrada."})
		return
	}
	writeJSON(w, http.StatusOK, transport.TerminalInfo{
		TerminalID: t.ID,
		Name:       t.Name,
		BranchID:   t.BranchID,
		CompanyID:  t.CompanyID,
	})
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	companyID, _ := auth.GetCompanyID(r.Context())
	branchID, _ := auth.GetBranchID(r.Context())

	s.mu.Lock()
	var keys []string
	for k := range s.files {
		if visibleTo(k, companyID, branchID) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	sort.Strings(keys)

	writeJSON(w, http.StatusOK, transport.InitializeResponse{FilesToPull: keys})
}

// visibleTo reports whether a file key belongs to the company's general
// databases or to the given branch.
func visibleTo(key, companyID string, branchID int64) bool {
	parts := strings.Split(key, "/")
	if len(parts) < 3 || parts[0] != companyID {
		return false
	}
	return parts[1] == "databases_generales" || parts[1] == fmt.Sprintf("suc_%d", branchID)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	companyID, _ := auth.GetCompanyID(r.Context())

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var pkg transport.PushPackage
	if err := dec.Decode(&pkg); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid JSON"})
		return
	}
	if pkg.TableName == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "table_name required"})
		return
	}
	pk := pkg.PrimaryKeyColumn
	if pk == "" {
		pk = "uuid"
	}

	s.mu.Lock()
	for _, rec := range pkg.Records {
		s.upsertLocked(companyID, pkg.TableName, pk, rec)
	}
	s.pushes = append(s.pushes, pkg)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, transport.PushResponse{Status: "ok", Message: fmt.Sprintf("%d registros", len(pkg.Records))})
}

func (s *Server) handleDeltas(w http.ResponseWriter, r *http.Request) {
	companyID, _ := auth.GetCompanyID(r.Context())

	var req transport.DeltaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid JSON"})
		return
	}
	since, err := time.Parse(time.RFC3339Nano, req.Global)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid cursor"})
		return
	}

	s.mu.Lock()
	s.cursors = append(s.cursors, req.Global)
	now := s.tickLocked()
	deltas := make(map[string][]map[string]any)
	for table, byUUID := range s.rows[companyID] {
		for _, rw := range byUUID {
			if rw.updatedAt.After(since) {
				deltas[table] = append(deltas[table], rw.data)
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, transport.DeltaResponse{
		Deltas:              deltas,
		ServerSyncTimestamp: deltacodec.FormatTimestamp(now),
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	b, ok := s.File(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Archivo no encontrado."})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(b)
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	s.PutFile(key, b)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) upsertLocked(companyID, table, pk string, data map[string]any) {
	id, _ := data[pk].(string)
	if id == "" {
		return
	}
	if s.rows[companyID] == nil {
		s.rows[companyID] = make(map[string]map[string]*row)
	}
	if s.rows[companyID][table] == nil {
		s.rows[companyID][table] = make(map[string]*row)
	}
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	s.rows[companyID][table][id] = &row{data: cp, updatedAt: s.tickLocked()}
}

// tickLocked returns a strictly increasing server time with microsecond
// resolution, matching the cursor format.
func (s *Server) tickLocked() time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
