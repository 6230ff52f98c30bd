package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stas-mcp-bridge/internal/config"
)

// Policy is the bounded retry policy applied to one logical gateway call.
type Policy struct {
	// Attempts is the total attempt budget, including the first try.
	Attempts int
	// Schedule holds the delay after attempt i at index min(i, len-1).
	Schedule []time.Duration
	// Retryable decides whether a failed attempt may be repeated.
	// Nil means transport errors and 5xx responses.
	Retryable func(error) bool
}

// DefaultPolicy returns the production policy: 3 attempts, 200ms/500ms/1s.
func DefaultPolicy() Policy {
	return PolicyFrom(config.DefaultConfig().Gateway.Retry)
}

// PolicyFrom builds a policy from configuration.
func PolicyFrom(cfg config.Retry) Policy {
	schedule := make([]time.Duration, len(cfg.Backoff))
	copy(schedule, cfg.Backoff)
	return Policy{Attempts: cfg.Attempts, Schedule: schedule}
}

// Delay returns the wait after the 0-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	return p.Schedule[min(attempt, len(p.Schedule)-1)]
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return isRetryable(err)
}

// Do runs op until it succeeds, fails permanently or the budget is spent.
// Attempts run strictly in sequence. notify, when set, is called before each
// wait with the failed attempt index and the delay.
func (p Policy) Do(ctx context.Context, op func(attempt int) error, notify func(err error, attempt int, delay time.Duration)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = &scheduleBackOff{policy: p}
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		err := op(attempt)
		attempt++
		if err != nil && !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, delay time.Duration) {
		if notify != nil {
			notify(err, attempt-1, delay)
		}
	})
}

// scheduleBackOff walks a fixed delay table, repeating its last entry.
type scheduleBackOff struct {
	policy  Policy
	attempt int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt)
	b.attempt++
	return d
}

func (b *scheduleBackOff) Reset() { b.attempt = 0 }

// transportError wraps a failure below HTTP: DNS, connect, TLS, timeouts.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "gateway request failed: " + e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var srv *serverError
	if errors.As(err, &srv) {
		return true
	}
	var tr *transportError
	return errors.As(err, &tr)
}
