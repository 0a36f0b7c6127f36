// Package sessionid defines the canonical identifier for a running
// visual-streaming session and the normalization rules the wire
// endpoints apply to caller-supplied ids.
package sessionid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix is prepended to every canonical SessionId.
const Prefix = "visual-"

// ID is an opaque session identifier in canonical form "visual-<uuid-v4>".
type ID string

// New mints a fresh session id from a random UUIDv4.
func New() ID {
	return ID(Prefix + uuid.New().String())
}

// String returns the canonical string form.
func (id ID) String() string {
	return string(id)
}

// Normalize canonicalizes a caller-supplied id. A bare UUID is prefixed
// with "visual-". An id already carrying the prefix is accepted as-is.
// Anything else is malformed and returned as an error so the caller can
// close the connection with code 4400 / invalid_message.
func Normalize(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("sessionid: empty id")
	}

	if strings.HasPrefix(raw, Prefix) {
		if _, err := uuid.Parse(strings.TrimPrefix(raw, Prefix)); err != nil {
			return "", fmt.Errorf("sessionid: malformed id %q: %w", raw, err)
		}
		return ID(raw), nil
	}

	if u, err := uuid.Parse(raw); err == nil {
		return ID(Prefix + u.String()), nil
	}

	return "", fmt.Errorf("sessionid: malformed id %q", raw)
}
