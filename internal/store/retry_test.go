package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryOnBusyRetriesLockErrors(t *testing.T) {
	attempts := 0
	err := RetryOnBusy(context.Background(), 5, time.Millisecond, 5*time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryOnBusy: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("want 3 attempts, got %d", attempts)
	}
}

func TestRetryOnBusyDoesNotRetryOtherErrors(t *testing.T) {
	attempts := 0
	wantErr := errors.New("constraint failed")
	err := RetryOnBusy(context.Background(), 5, time.Millisecond, 5*time.Millisecond, func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("non-busy errors must not retry, got %d attempts", attempts)
	}
}

func TestRetryOnBusyGivesUpAfterBudget(t *testing.T) {
	attempts := 0
	err := RetryOnBusy(context.Background(), 2, time.Millisecond, 2*time.Millisecond, func() error {
		attempts++
		return errors.New("table is locked (6) (SQLITE_LOCKED)")
	})
	if err == nil {
		t.Fatal("want error after exhausting retries")
	}
	// maxRetries=2 means one initial attempt plus two retries.
	if attempts != 3 {
		t.Fatalf("want 3 attempts, got %d", attempts)
	}
}

func TestIsBusy(t *testing.T) {
	if !IsBusy(errors.New("database is locked")) {
		t.Fatal("locked errors are busy")
	}
	if IsBusy(errors.New("no such table")) {
		t.Fatal("schema errors are not busy")
	}
	if IsBusy(nil) {
		t.Fatal("nil is not busy")
	}
}
