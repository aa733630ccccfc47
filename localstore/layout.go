// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	databasesDirName = "Databases"
	generalDirName   = "databases_generales"
	branchDirPrefix  = "suc_"
	dbFileExt        = ".sqlite"
)

// ErrKeyOutsideRoot is returned for cloud keys that would resolve outside the
// local database root.
var ErrKeyOutsideRoot = errors.New("key escapes database root")

// Layout maps company and branch ids onto the on-disk directory tree:
//
//	<data>/Databases/{id_empresa}/databases_generales/*.sqlite
//	<data>/Databases/{id_empresa}/suc_{id_sucursal}/*.sqlite
type Layout struct {
	DataDir string
}

// DatabasesRoot is the directory cloud keys are relative to.
func (l Layout) DatabasesRoot() string {
	return filepath.Join(l.DataDir, databasesDirName)
}

// CompanyRoot returns the directory holding every database of a company.
func (l Layout) CompanyRoot(companyID string) string {
	return filepath.Join(l.DatabasesRoot(), companyID)
}

// GeneralDir holds the company-wide databases.
func (l Layout) GeneralDir(companyID string) string {
	return filepath.Join(l.CompanyRoot(companyID), generalDirName)
}

// BranchDir holds the databases of one branch.
func (l Layout) BranchDir(companyID string, branchID int64) string {
	return filepath.Join(l.CompanyRoot(companyID), branchDirPrefix+strconv.FormatInt(branchID, 10))
}

// DestinationFor resolves a slash-separated cloud key to a local path.
func (l Layout) DestinationFor(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimLeft(key, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %q", ErrKeyOutsideRoot, key)
	}
	return filepath.Join(l.DatabasesRoot(), clean), nil
}

// CloudKey is the inverse of DestinationFor.
func (l Layout) CloudKey(path string) (string, error) {
	rel, err := filepath.Rel(l.DatabasesRoot(), path)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrKeyOutsideRoot, path)
	}
	return filepath.ToSlash(rel), nil
}
