// Package idgen generates random identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// WithPrefix returns prefix followed by 32 hex chars, e.g. "req_3f0c...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
