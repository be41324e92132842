package storage

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	readRetryAttempts = 3
	readRetryBase     = 100 * time.Millisecond
)

// withReadRetry executes fn, retrying up to 3 attempts on connection-layer
// failures only (refused, reset, broken pipe). Backoff is 100/200/400 ms
// with jitter. Write paths never go through this — the caller must supply
// idempotency before a write can be retried safely.
func withReadRetry(ctx context.Context, fn func() error) error {
	delay := readRetryBase
	var err error
	for attempt := 1; attempt <= readRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isConnectionError(err) {
			return err
		}
		if attempt == readRetryAttempts {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}
