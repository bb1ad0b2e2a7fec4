// Package shared holds small cross-cutting helpers used by the
// Decision-audit store's SQLite access (spec.md §5 "Concurrency &
// Resource Model": a busy writer must retry rather than fail the
// resolution path it's recording).
package shared

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteBusyError reports whether err is a SQLITE_BUSY error, raised
// when another connection holds the database lock.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError reports whether err is a "database is locked"
// error, the other concurrency error SQLite's WAL mode can surface.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports whether err is either SQLite concurrency
// condition RetryOnBusy should retry against.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// RetryOnBusy runs op up to maxRetries times with exponential backoff
// starting at baseDelay, retrying only while op's error classifies as a
// SQLite busy/locked condition. Generalizes the duplicated
// retry-then-sleep loop the teacher repo wrote out twice
// (deleteAgentSessionWithRetry, updateContainerIDWithRetry) into a single
// helper that takes the operation as a closure.
func RetryOnBusy(ctx context.Context, maxRetries int, baseDelay time.Duration, op func() error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsSQLiteConflictError(lastErr) {
			return lastErr
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("retrying after SQLite busy/locked error", "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", maxRetries, lastErr)
}
