// Package retry implements the transport-fault retry loop that sits
// above one redirect.Follow (or send.Do) call: it resubmits an exchange
// on a retryable transport fault, gated by method idempotency and body
// restartability, pacing attempts on a configurable backoff schedule.
package retry

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/corehttp/agent/pkg/body"
	"github.com/corehttp/agent/pkg/constants"
	"github.com/corehttp/agent/pkg/errors"
)

// Config controls the retry budget, which methods are eligible, and the
// pacing between attempts.
type Config struct {
	MaxAttempts int
	Backoff     []time.Duration
	// Sleep is the delay function used between attempts; overridable in
	// tests to avoid real waits.
	Sleep func(context.Context, time.Duration)
}

// DefaultConfig returns the conventional defaults: idempotent methods
// only, the standard backoff schedule. Sleep is left nil here — the
// caller (agent.New) wires it to its Runtime's Sleep so every backoff
// pause goes through the same seam as dialing and backgrounding; Attempt
// falls back to a bare time.Sleep equivalent if Sleep is still nil.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: constants.DefaultRetryCap,
		Backoff:     constants.DefaultBackoffSchedule(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// idempotentMethods is the set of methods safe to resend without the
// caller's explicit opt-in: repeating them has no additional side effect
// beyond what the first attempt may have already caused.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

// Attempt runs one exchange via run, retrying on a retryable transport
// error up to cfg.MaxAttempts additional times. method gates eligibility;
// src (the request body, if any) must be restartable for a retry to be
// attempted at all, since a prior attempt may have already consumed it.
func Attempt(ctx context.Context, method string, src *body.Source, cfg Config, run func(context.Context) (any, error)) (any, error) {
	if cfg.MaxAttempts <= 0 {
		return run(ctx)
	}

	eligible := idempotentMethods[strings.ToUpper(method)] && bodyReplayable(src)

	for attempt := 0; ; attempt++ {
		result, err := run(ctx)
		if err == nil {
			return result, nil
		}

		if !eligible || attempt >= cfg.MaxAttempts || !errors.IsRetryableTransportError(err) {
			return nil, err
		}

		delay := backoffFor(cfg.Backoff, attempt)
		sleep := cfg.Sleep
		if sleep == nil {
			sleep = sleepCtx
		}
		sleep(ctx, delay)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func bodyReplayable(src *body.Source) bool {
	if src == nil || src.Kind == body.KindEmpty {
		return true
	}
	return src.IsRestartable()
}

func backoffFor(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	return schedule[len(schedule)-1]
}
