// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports SQLITE_BUSY or "database is locked" errors,
// both of which warrant a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// IsSQLiteUniqueError checks if the error is a UNIQUE constraint violation.
func IsSQLiteUniqueError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT_UNIQUE")
}

// RetryPolicy configures RetryOnConflict.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries three times: 100ms, 200ms, 400ms.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}

// RetryOnConflict runs fn and retries it with exponential backoff while it
// fails with a SQLite concurrency error.
func RetryOnConflict(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	if policy.MaxRetries <= 0 {
		policy = DefaultRetryPolicy
	}

	var err error
	for i := 0; ; i++ {
		err = fn()
		if err == nil || !IsSQLiteConflictError(err) || i >= policy.MaxRetries {
			return err
		}

		delay := policy.BaseDelay * time.Duration(1<<i)
		slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
