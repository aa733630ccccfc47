// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/json"
)

// Verification statuses returned by /auth/verificar-terminal.
const (
	StatusOK                  = "ok"
	StatusLocationMismatch    = "location_mismatch"
	StatusSubscriptionExpired = "subscription_expired"
	StatusError               = "error"
)

// Detail is a server-provided error detail. The backend sends either a plain
// string or a structured object; objects are kept as compact JSON text.
type Detail string

// UnmarshalJSON accepts any JSON value.
func (d *Detail) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*d = Detail(s)
		return nil
	}
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("null")) {
		*d = ""
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return err
	}
	*d = Detail(buf.String())
	return nil
}

// NetworkFingerprint identifies the network a terminal is attached to.
type NetworkFingerprint struct {
	GatewayMAC string `json:"gateway_mac,omitempty"`
	SSID       string `json:"ssid,omitempty"`
}

// VerifyRequest is the body of a terminal verification.
type VerifyRequest struct {
	TerminalID string `json:"id_terminal"`
	NetworkFingerprint
}

// Branch is a company branch as listed by the backend.
type Branch struct {
	ID   int64  `json:"id"`
	Name string `json:"nombre"`
}

// VerifyResult is the outcome of a terminal verification.
type VerifyResult struct {
	Status      string   `json:"status"`
	Detail      Detail   `json:"detail,omitempty"`
	AccessToken string   `json:"access_token,omitempty"`
	CompanyID   string   `json:"id_empresa,omitempty"`
	BranchID    int64    `json:"id_sucursal,omitempty"`
	Suggestion  *Branch  `json:"sugerencia_migracion,omitempty"`
	Branches    []Branch `json:"sucursales_existentes,omitempty"`

	// Unreachable is set on synthetic results produced when the server
	// could not be contacted at all.
	Unreachable bool `json:"-"`
}

// TerminalInfo is what the backend knows about a registered terminal.
type TerminalInfo struct {
	TerminalID string `json:"id_terminal"`
	Name       string `json:"nombre_terminal,omitempty"`
	BranchID   int64  `json:"id_sucursal,omitempty"`
	CompanyID  string `json:"id_empresa,omitempty"`
}

// InitializeResponse lists the cloud keys the terminal should download.
type InitializeResponse struct {
	FilesToPull []string `json:"files_to_pull"`
}

// PushPackage carries the dirty rows of one table in one local file.
type PushPackage struct {
	DBRelativePath   string           `json:"db_relative_path"`
	TableName        string           `json:"table_name"`
	Records          []map[string]any `json:"records"`
	PrimaryKeyColumn string           `json:"primary_key_column"`
}

// PushResponse is the acknowledgement of a push.
type PushResponse struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// DeltaRequest asks for every change after the given cursor.
type DeltaRequest struct {
	Global string `json:"global"`
}

// DeltaResponse carries changed rows grouped by table name.
type DeltaResponse struct {
	Deltas              map[string][]map[string]any `json:"deltas"`
	ServerSyncTimestamp string                      `json:"server_sync_timestamp"`
}

// RecordCount returns the number of rows in the response.
func (r *DeltaResponse) RecordCount() int {
	n := 0
	for _, rows := range r.Deltas {
		n += len(rows)
	}
	return n
}

// errorBody is the JSON error envelope used by the backend.
type errorBody struct {
	Status string `json:"status,omitempty"`
	Detail Detail `json:"detail"`
}
