// Package envutil provides small helpers for reading configuration out of
// the environment with typed defaults, used by internal/config instead of
// scattering os.Getenv/strconv pairs across the codebase.
package envutil

import (
	"os"
	"strconv"
	"strings"
)

// GetEnvOrDefault returns the environment variable named by key, or
// fallback if it is unset or empty.
func GetEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetEnvAsIntOrDefault parses the environment variable named by key as an
// int, or returns fallback if unset, empty, or unparsable.
func GetEnvAsIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// GetEnvAsBoolOrDefault parses the environment variable named by key as a
// bool, or returns fallback if unset, empty, or unparsable.
func GetEnvAsBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// GetEnvAsListOrDefault splits a comma-separated environment variable named
// by key, trimming whitespace around each element, or returns fallback if
// unset or empty.
func GetEnvAsListOrDefault(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
