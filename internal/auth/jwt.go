// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TerminalClaims are the claims the backend puts into a terminal access token.
type TerminalClaims struct {
	TerminalID string `json:"id_terminal"`
	CompanyID  string `json:"id_empresa"`
	BranchID   int64  `json:"id_sucursal"`
	jwt.RegisteredClaims
}

// ParseUnverified decodes token claims without checking the signature.
// The terminal never holds the signing key; it only needs the expiry and the
// company scope for logging and offline decisions.
func ParseUnverified(tokenString string) (*TerminalClaims, error) {
	claims := &TerminalClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}
	return claims, nil
}

// Issuer signs and validates HS256 terminal tokens.
type Issuer struct {
	secret []byte
}

// NewIssuer creates a new token issuer
func NewIssuer(secret string) *Issuer {
	return &Issuer{
		secret: []byte(secret),
	}
}

// GenerateToken issues a token for a terminal bound to a company branch
func (i *Issuer) GenerateToken(terminalID, companyID string, branchID int64, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &TerminalClaims{
		TerminalID: terminalID,
		CompanyID:  companyID,
		BranchID:   branchID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "modula",
			Subject:   terminalID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ValidateToken validates a token and returns its claims
func (i *Issuer) ValidateToken(tokenString string) (*TerminalClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TerminalClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TerminalClaims); ok && token.Valid {
		if claims.TerminalID == "" {
			return nil, fmt.Errorf("missing id_terminal in token")
		}
		if claims.CompanyID == "" {
			return nil, fmt.Errorf("missing id_empresa in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Middleware rejects requests without a valid bearer token and stores the
// token's identity in the request context.
func (i *Issuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeDetail(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			writeDetail(w, http.StatusUnauthorized, "Invalid authorization header format")
			return
		}

		claims, err := i.ValidateToken(bearerToken[1])
		if err != nil {
			tokenPrefix := bearerToken[1]
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			writeDetail(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(SetAuthContext(r.Context(), claims)))
	})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
