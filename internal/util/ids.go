// Package util provides utility functions for the CareTriage application.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes used across the store.
const (
	PrefixUser      = "u_"
	PrefixSession   = "s_"
	PrefixMessage   = "m_"
	PrefixReminder  = "rem_"
	PrefixEmergency = "em_"
	PrefixPending   = "pa_"
	PrefixMetric    = "hm_"
	PrefixJob       = "job_"
	PrefixOutbox    = "out_"
)

// NewID returns a random identifier in the format "{prefix}{32 hex chars}".
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was generated with the given prefix.
func HasPrefix(id, prefix string) bool {
	return len(id) == len(prefix)+32 && strings.HasPrefix(id, prefix)
}

var idNamespace = uuid.MustParse("5b0c6f0e-3f7a-4a53-9a55-2f5f1e0c7d21")

// StableID derives an identifier from parts, so that retries of the same request produce
// the same ID.
func StableID(prefix string, parts ...string) string {
	u := uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "\x00")))
	return prefix + strings.ReplaceAll(u.String(), "-", "")
}
