// Package shared provides error classification helpers used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"strings"
)

// rateLimitMarkers are substrings that upstream LLM SDKs put in quota errors.
var rateLimitMarkers = []string{
	"429",
	"RESOURCE_EXHAUSTED",
	"ResourceExhausted",
	"QuotaExceeded",
	"quota",
}

// IsRateLimitError reports whether err looks like an upstream rate limit or
// quota exhaustion. Context cancellation is never treated as a rate limit.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsSQLiteConflictError reports SQLITE_BUSY and "database is locked" errors,
// the two SQLite concurrency failures that warrant a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
