// Package retry re-runs transient broker data fetches. Order submission must
// never go through this package: a timed-out submit may still have reached
// the exchange, and a second attempt would risk a duplicate order.
package retry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Policy controls how a data fetch is retried.
type Policy struct {
	Attempts int           // total tries, including the first
	Backoff  time.Duration // fixed delay between tries
	Timeout  time.Duration // per-attempt budget; 0 leaves the caller's context in charge
}

// DataFetch is the default policy for market-data and account reads: one
// retry after a fixed pause, each attempt bounded on its own so a hung
// connection cannot eat the whole cycle budget.
var DataFetch = Policy{
	Attempts: 2,
	Backoff:  2 * time.Second,
	Timeout:  15 * time.Second,
}

// FetchPolicy derives a data-fetch policy from the configured per-call
// budget. A non-positive budget keeps the DataFetch default.
func FetchPolicy(timeout time.Duration) Policy {
	p := DataFetch
	if timeout > 0 {
		p.Timeout = timeout
	}
	return p
}

// Do runs fn until it succeeds, the error is not transient, or the policy's
// attempts are exhausted. The label names the operation in log lines.
func Do[T any](ctx context.Context, logger *log.Logger, p Policy, label string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var lastErr error
	tried := 0
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", label, err)
		}

		result, err := runAttempt(ctx, p.Timeout, fn)
		tried = attempt
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == p.Attempts {
			break
		}

		logger.Printf("%s attempt %d/%d failed with transient error, retrying in %v: %v",
			label, attempt, p.Attempts, p.Backoff, err)
		select {
		case <-time.After(p.Backoff):
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", label, ctx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempt(s): %w", label, tried, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// transientPatterns are matched case-insensitively against error text. The
// HTTP status codes cover broker responses whose errors carry the code in
// their message.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"429", // HTTP 429 Too Many Requests
	"502", // HTTP 502 Bad Gateway
	"503", // HTTP 503 Service Unavailable
	"504", // HTTP 504 Gateway Timeout
	"network",
	"dns",
	"tcp",
}

// IsTransient reports whether the error looks like a short-lived external
// failure worth one more try.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
