package sessionstore

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
// Callers must treat it as a client error, not retry with the same token.
var ErrInvalidCursor = errors.New("invalid cursor")

// cursorTimeLayout is a fixed-precision UTC form so that lexicographic and
// chronological ordering coincide.
const cursorTimeLayout = "2006-01-02T15:04:05.000Z"

// EncodeCursor encodes the effective time (unix ms) of the last row on a
// page as a URL-safe opaque token. A non-positive value means "no next
// page" and encodes to "".
func EncodeCursor(effectiveUnixMs int64) string {
	if effectiveUnixMs <= 0 {
		return ""
	}
	raw := time.UnixMilli(effectiveUnixMs).UTC().Format(cursorTimeLayout)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by EncodeCursor back to an
// effective time in unix ms. An empty cursor decodes to 0 (first page).
func DecodeCursor(cursor string) (int64, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 0, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	t, err := time.Parse(cursorTimeLayout, string(b))
	if err != nil {
		return 0, ErrInvalidCursor
	}
	ms := t.UnixMilli()
	if ms <= 0 {
		return 0, ErrInvalidCursor
	}
	return ms, nil
}
