package analytical

import (
	"encoding/base64"
	"strings"
)

// Cursor is an ordered tuple of column values marking the last ingested row.
// Wire format: base64("<v1>|<v2>|...") in the resource's cursor-column order.
// Values are the raw CSV strings, so encode/decode round-trips exactly.
type Cursor []string

// EncodeCursor serializes a tuple; empty tuples encode to ""
func EncodeCursor(c Cursor) string {
	if len(c) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(c, "|")))
}

// DecodeCursor parses a cursor expecting exactly width values.
// Returns nil and false when empty or malformed.
func DecodeCursor(s string, width int) (Cursor, bool) {
	if s == "" {
		return nil, false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	parts := strings.Split(string(b), "|")
	if len(parts) != width {
		return nil, false
	}
	return Cursor(parts), true
}
