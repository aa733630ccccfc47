// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	terminalIDKey contextKey = "id_terminal"
	companyIDKey  contextKey = "id_empresa"
	branchIDKey   contextKey = "id_sucursal"
)

// SetTerminalID sets the terminal ID in the context
func SetTerminalID(ctx context.Context, terminalID string) context.Context {
	return context.WithValue(ctx, terminalIDKey, terminalID)
}

// GetTerminalID retrieves the terminal ID from the context
func GetTerminalID(ctx context.Context) (string, bool) {
	terminalID, ok := ctx.Value(terminalIDKey).(string)
	return terminalID, ok
}

// SetCompanyID sets the company ID in the context
func SetCompanyID(ctx context.Context, companyID string) context.Context {
	return context.WithValue(ctx, companyIDKey, companyID)
}

// GetCompanyID retrieves the company ID from the context
func GetCompanyID(ctx context.Context) (string, bool) {
	companyID, ok := ctx.Value(companyIDKey).(string)
	return companyID, ok
}

// GetBranchID retrieves the branch ID from the context
func GetBranchID(ctx context.Context) (int64, bool) {
	branchID, ok := ctx.Value(branchIDKey).(int64)
	return branchID, ok
}

// SetAuthContext stores the identity carried by a validated token
func SetAuthContext(ctx context.Context, claims *TerminalClaims) context.Context {
	ctx = SetTerminalID(ctx, claims.TerminalID)
	ctx = SetCompanyID(ctx, claims.CompanyID)
	return context.WithValue(ctx, branchIDKey, claims.BranchID)
}
