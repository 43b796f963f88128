package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const retryMaxTries = 4

// retry runs fn with exponential backoff while it fails with a
// transient connectivity error. Statement-level errors abort
// immediately. Only idempotent operations go through here; writes rely
// on the schema's guards instead of blind re-execution.
func retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(); err != nil {
			if transient(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(retryMaxTries))
	return err
}
