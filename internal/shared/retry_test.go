package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryOnBusySucceedsAfterTransientBusy(t *testing.T) {
	attempts := 0
	err := RetryOnBusy(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryOnBusyDoesNotRetryNonConflictErrors(t *testing.T) {
	attempts := 0
	boom := errors.New("boom")
	err := RetryOnBusy(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for non-retryable error, got %d", attempts)
	}
}

func TestRetryOnBusyExhaustsRetries(t *testing.T) {
	attempts := 0
	err := RetryOnBusy(context.Background(), 2, time.Millisecond, func() error {
		attempts++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}
