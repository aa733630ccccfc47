// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltacodec

import (
	"fmt"
	"math"
	"time"
)

// EpochSentinel is the cursor used when nothing has been synced yet.
const EpochSentinel = "1970-01-01T00:00:00+00:00"

// timestampLayout matches the ISO-8601 form the server emits: UTC with an
// explicit +00:00 offset and microseconds only when non-zero.
const timestampLayout = "2006-01-02T15:04:05.999999-07:00"

// FormatTimestamp renders t in UTC using the wire layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// NormalizeTimestamp turns a stored last_modified value into an ISO-8601
// string. Historical rows hold either Unix seconds (as numbers or numeric
// text) or ISO strings; numbers are converted, anything else that is text is
// returned as stored. nil yields EpochSentinel.
func NormalizeTimestamp(v any) string {
	switch val := v.(type) {
	case nil:
		return EpochSentinel
	case int64:
		return FormatTimestamp(time.Unix(val, 0))
	case int:
		return FormatTimestamp(time.Unix(int64(val), 0))
	case float64:
		return formatUnixFloat(val)
	case time.Time:
		return FormatTimestamp(val)
	case []byte:
		return normalizeString(string(val))
	case string:
		return normalizeString(val)
	default:
		return fmt.Sprint(v)
	}
}

func normalizeString(s string) string {
	if f, ok := ParseNumber(s); ok {
		return formatUnixFloat(f)
	}
	return s
}

func formatUnixFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(f)
	}
	sec := math.Floor(f)
	micros := math.Round((f - sec) * 1e6)
	return FormatTimestamp(time.Unix(int64(sec), int64(micros)*int64(time.Microsecond)))
}
