// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// IdentityFileName is the name of the identity file inside the data dir.
const IdentityFileName = "modula_config.json"

// Identity is what the terminal remembers about itself between runs. Only
// TerminalID is guaranteed; the company and branch are cached from the last
// successful verification.
type Identity struct {
	TerminalID string `json:"id_terminal"`
	CompanyID  string `json:"id_empresa,omitempty"`
	BranchID   int64  `json:"id_sucursal,omitempty"`
}

// FileStore keeps the identity in a JSON file.
type FileStore struct {
	path string
}

// NewFileStore stores the identity at <dataDir>/modula_config.json.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{path: filepath.Join(dataDir, IdentityFileName)}
}

// Path returns the identity file path.
func (s *FileStore) Path() string { return s.path }

// Load returns the stored identity, or nil when there is none. Unreadable
// or empty files are treated as no identity.
func (s *FileStore) Load() (*Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil || id.TerminalID == "" {
		return nil, nil
	}
	return &id, nil
}

// Save overwrites the identity file.
func (s *FileStore) Save(id Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace identity file: %w", err)
	}
	return nil
}
