// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package deltacodec converts local SQLite values into wire-safe JSON values
// and back. The local store can hand out raw bytes (binary uuids, BLOBs) and
// time.Time values for DATETIME columns; neither survives JSON encoding in a
// form the server understands.
package deltacodec

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sanitize converts v into a value that encodes cleanly to JSON. Maps and
// slices are walked recursively.
func Sanitize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case uuid.UUID:
		return val.String()
	case *uuid.UUID:
		if val == nil {
			return nil
		}
		return val.String()
	case []byte:
		return encodeBytes(val)
	case time.Time:
		return FormatTimestamp(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return FormatTimestamp(*val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Sanitize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Sanitize(item)
		}
		return out
	default:
		return v
	}
}

// SanitizeRecord builds a wire record from a scanned row. Bytes stored in a
// column not declared BLOB are sent as text when they are valid UTF-8;
// 16-byte values are always binary uuids.
func SanitizeRecord(columns []string, values []any, blobColumns map[string]bool) map[string]any {
	record := make(map[string]any, len(columns))
	for i, col := range columns {
		val := values[i]
		if b, ok := val.([]byte); ok && !blobColumns[strings.ToLower(col)] && len(b) != 16 && utf8.Valid(b) {
			val = string(b)
		}
		record[col] = Sanitize(val)
	}
	return record
}

// encodeBytes renders 16-byte values as canonical UUID strings and anything
// else as standard base64.
func encodeBytes(b []byte) string {
	if len(b) == 16 {
		if id, err := uuid.FromBytes(b); err == nil {
			return id.String()
		}
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeValue reverses the wire transform for one column value before it is
// written locally. declaredType is the column's SQLite declared type.
func DecodeValue(v any, declaredType string) (any, error) {
	isBlob := strings.Contains(strings.ToLower(declaredType), "blob")
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		return f, nil
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		if isBlob {
			b, err := DecodeBlob(val)
			if err != nil {
				return nil, err
			}
			return b, nil
		}
		return val, nil
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode nested value: %w", err)
		}
		return string(raw), nil
	default:
		return v, nil
	}
}

// DecodeBlob accepts a UUID string (dashed or 32-hex), exact base64 or hex.
func DecodeBlob(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}

	if parsed, err := uuid.Parse(s); err == nil {
		b := parsed[:]
		return b, nil
	}

	if decoded, ok := tryDecodeBase64Exact(s); ok {
		return decoded, nil
	}

	hs := strings.TrimSpace(s)
	if len(hs)%2 == 0 && isHexString(hs) {
		decoded, err := hex.DecodeString(hs)
		if err == nil {
			return decoded, nil
		}
	}

	return nil, fmt.Errorf("invalid blob encoding")
}

func isHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func tryDecodeBase64Exact(s string) ([]byte, bool) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	// Avoid treating arbitrary strings as base64: ensure round-trip equality.
	if base64.StdEncoding.EncodeToString(decoded) != s {
		return nil, false
	}
	return decoded, true
}

// ParseNumber parses a plain decimal number such as "1700000000" or
// "-12.5". Exponents, hex floats, Inf and NaN are rejected.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !isPlainDecimal(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isPlainDecimal(s string) bool {
	if s != "" && (s[0] == '+' || s[0] == '-') {
		s = s[1:]
	}
	digits, dots := 0, 0
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}
