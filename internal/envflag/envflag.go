// Package envflag is the small environment/boolean parsing helper named as
// an external collaborator in spec.md §1: a leaf utility with no business
// logic of its own, used by cmd/hostfleetctl to let a CLI flag's default
// fall back to an environment variable.
package envflag

import (
	"os"
	"strconv"
	"strings"
)

// Bool parses name from the environment as a boolean, returning fallback if
// unset or unparsable. Accepts any form strconv.ParseBool accepts (1/0,
// t/f, true/false, case-insensitive).
func Bool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

// String reads name from the environment, returning fallback if unset or
// blank after trimming.
func String(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

// Int parses name from the environment as an integer, returning fallback if
// unset or unparsable.
func Int(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
