package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 429", errors.New("Error 429, Message: Too Many Requests"), true},
		{"grpc status", errors.New("rpc error: code = RESOURCE_EXHAUSTED"), true},
		{"quota", errors.New("you exceeded your current quota"), true},
		{"wrapped", fmt.Errorf("generate: %w", errors.New("QuotaExceeded")), true},
		{"other", errors.New("invalid argument"), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("quota check: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimitError(tt.err); got != tt.want {
				t.Errorf("IsRateLimitError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsSQLiteConflictError(t *testing.T) {
	if !IsSQLiteConflictError(errors.New("SQLITE_BUSY: database busy")) {
		t.Error("expected SQLITE_BUSY to be a conflict")
	}
	if !IsSQLiteConflictError(errors.New("database is locked")) {
		t.Error("expected locked to be a conflict")
	}
	if IsSQLiteConflictError(errors.New("no such table")) || IsSQLiteConflictError(nil) {
		t.Error("unexpected conflict")
	}
}
