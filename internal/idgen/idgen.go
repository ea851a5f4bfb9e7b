// Package idgen provides random identifiers for sessions, records, and tokens.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID in canonical form.
// Session identifiers use this format since they travel inside tokens.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID
// (e.g. "rsk_", "thr_", "alr_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
