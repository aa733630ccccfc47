// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncstate persists the per-company pull cursor.
package syncstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ModulabyAddsy/modula-pos/deltacodec"
)

const fileName = "sync_state.json"

// State is the persisted sync cursor of one company.
type State struct {
	LastServerSync string   `json:"last_server_sync"`
	KnownTables    []string `json:"known_tables,omitempty"`
}

// Cursor returns the pull cursor, defaulting to the epoch.
func (s State) Cursor() string {
	if s.LastServerSync == "" {
		return deltacodec.EpochSentinel
	}
	return s.LastServerSync
}

// MissingTables returns the entries of tables not yet in KnownTables.
func (s State) MissingTables(tables []string) []string {
	known := make(map[string]bool, len(s.KnownTables))
	for _, t := range s.KnownTables {
		known[strings.ToLower(t)] = true
	}
	var missing []string
	for _, t := range tables {
		if !known[strings.ToLower(t)] {
			missing = append(missing, t)
		}
	}
	return missing
}

// Store reads and writes sync_state.json files under a databases root.
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore creates a store whose files live at <root>/<companyID>/sync_state.json.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Path returns the state file of a company.
func (s *Store) Path(companyID string) string {
	return filepath.Join(s.root, companyID, fileName)
}

// Load returns the state of a company. A missing or unreadable file yields a
// fresh state positioned at the epoch; only I/O errors other than
// non-existence are reported.
func (s *Store) Load(companyID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(companyID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{LastServerSync: deltacodec.EpochSentinel}, nil
		}
		return State{LastServerSync: deltacodec.EpochSentinel}, fmt.Errorf("failed to read sync state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// Corrupt files are treated as absent.
		return State{LastServerSync: deltacodec.EpochSentinel}, nil
	}
	if st.LastServerSync == "" {
		st.LastServerSync = deltacodec.EpochSentinel
	}
	return st, nil
}

// Save writes the state atomically: a temp file in the same directory is
// renamed over the old one.
func (s *Store) Save(companyID string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(st.KnownTables) > 0 {
		tables := append([]string(nil), st.KnownTables...)
		sort.Strings(tables)
		st.KnownTables = tables
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}

	path := s.Path(companyID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create sync state directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), fileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp sync state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close sync state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace sync state: %w", err)
	}
	return nil
}
