package retry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/corehttp/agent/pkg/body"
	"github.com/corehttp/agent/pkg/errors"
)

func noSleep(ctx context.Context, d time.Duration) {}

func TestAttemptRetriesOnResetThenSucceeds(t *testing.T) {
	calls := 0
	run := func(ctx context.Context) (any, error) {
		calls++
		if calls < 2 {
			return nil, errors.NewResetError("read", net.ErrClosed)
		}
		return "ok", nil
	}
	cfg := DefaultConfig()
	cfg.Sleep = noSleep

	result, err := Attempt(context.Background(), "GET", nil, cfg, run)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if result != "ok" || calls != 2 {
		t.Fatalf("expected 2 calls ending in ok, got %d calls result %v", calls, result)
	}
}

func TestAttemptDoesNotRetryPOST(t *testing.T) {
	calls := 0
	run := func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.NewResetError("read", net.ErrClosed)
	}
	cfg := DefaultConfig()
	cfg.Sleep = noSleep

	_, err := Attempt(context.Background(), "POST", body.FromBytes([]byte("x")), cfg, run)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call for non-idempotent method, got %d", calls)
	}
}

func TestAttemptDoesNotRetryNonRestartableBody(t *testing.T) {
	calls := 0
	run := func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.NewResetError("read", net.ErrClosed)
	}
	cfg := DefaultConfig()
	cfg.Sleep = noSleep

	nonRestartable := body.FromReader(nil, nil)
	_, err := Attempt(context.Background(), "PUT", nonRestartable, cfg, run)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestAttemptStopsAfterBudget(t *testing.T) {
	calls := 0
	run := func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.NewResetError("read", net.ErrClosed)
	}
	cfg := Config{MaxAttempts: 2, Backoff: []time.Duration{time.Millisecond}, Sleep: noSleep}

	_, err := Attempt(context.Background(), "GET", nil, cfg, run)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Fatalf("expected 1 initial + 2 retries = 3 calls, got %d", calls)
	}
}

func TestAttemptDoesNotRetryNonTransportError(t *testing.T) {
	calls := 0
	run := func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.NewValidationError("bad request")
	}
	cfg := DefaultConfig()
	cfg.Sleep = noSleep

	_, err := Attempt(context.Background(), "GET", nil, cfg, run)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call for a non-retryable error, got %d", calls)
	}
}
