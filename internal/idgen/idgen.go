// Package idgen generates identifiers for orders, disputes, ledger
// entries and payouts.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUID (v4) string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 hex chars, e.g. "po_3f9c…".
// The hex is taken from a random UUID with the dashes stripped.
func WithPrefix(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + raw[:24]
}

// Reference returns an uppercase reference suitable for sending to the
// payment gateway (alphanumeric, dash separated).
func Reference(prefix string) string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return prefix + "-" + raw[:20]
}
