package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
)

func fastConfig() Config {
	return Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), logger.Nop(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	perm := errors.New("constraint failed")
	err := Do(context.Background(), fastConfig(), logger.Nop(), func() error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestDoExhaustedBecomesStorageError(t *testing.T) {
	err := Do(context.Background(), fastConfig(), logger.Nop(), func() error {
		return &models.StorageIOError{Op: "commit", Transient: true, Err: errors.New("busy")}
	})
	var sio *models.StorageIOError
	if !errors.As(err, &sio) || sio.Transient {
		t.Fatalf("expected non-transient StorageIOError after exhaustion, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(context.Canceled) {
		t.Fatalf("cancellation is not transient")
	}
	if !IsTransient(Classify("insert", errors.New("SQLITE_BUSY: database is locked"))) {
		t.Fatalf("busy must be transient")
	}
	if IsTransient(Classify("insert", errors.New("no such table"))) {
		t.Fatalf("missing table is permanent")
	}
}

func TestTokenBucketAllowAndRefill(t *testing.T) {
	tb := NewTokenBucket(Config{RequestsPerSec: 5, Burst: 5})

	for i := 0; i < 5; i++ {
		if !tb.Allow() {
			t.Fatalf("expected token available at %d", i)
		}
	}
	if tb.Allow() {
		t.Fatalf("expected no token after burst")
	}

	time.Sleep(250 * time.Millisecond)
	if !tb.Allow() {
		t.Fatalf("expected token after partial refill")
	}
}

func TestTokenBucketWaitRespectsContext(t *testing.T) {
	tb := NewTokenBucket(Config{RequestsPerSec: 1, Burst: 1})
	if !tb.Allow() {
		t.Fatalf("expected first token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx); err == nil {
		t.Fatalf("expected timeout")
	}
}
