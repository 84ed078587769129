// Package retry provides the bounded exponential-backoff policy shared by
// every component that talks to the secret store, the database, or the
// orchestrator API: 3 attempts at 1s/2s/4s, per the transient-I/O policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	maxAttempts  = 3
	initialDelay = 1 * time.Second
)

// Policy returns a backoff.BackOff configured for exactly maxAttempts
// attempts at 1s/2s/4s, wrapped with the given context so a cancellation
// stops retrying immediately.
func Policy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initialDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not elapsed time

	bounded := backoff.WithMaxRetries(eb, maxAttempts-1) // first try + 2 retries = 3 attempts
	return backoff.WithContext(bounded, ctx)
}

// Do runs fn, retrying transient failures per Policy. fn should return a
// nil error on success; any non-nil error is treated as retryable unless
// isFatal returns true for it, in which case Do stops immediately and
// returns that error without further retries.
func Do(ctx context.Context, isFatal func(error) bool, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isFatal != nil && isFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, Policy(ctx))
}
