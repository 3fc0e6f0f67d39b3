package detect

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Detector-internal retry policy for transient source errors:
// exponential from 1s to a 60s cap with ±20% jitter.
const (
	retryInitialInterval = 1 * time.Second
	retryMaxInterval     = 60 * time.Second
	retryRandomization   = 0.2
)

// retryTransient runs op with the detector backoff policy until it
// succeeds, returns a permanent error, or maxElapsed passes. Wrap
// unrecoverable errors with backoff.Permanent inside op to stop early.
func retryTransient(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retryInitialInterval
	expo.MaxInterval = retryMaxInterval
	expo.RandomizationFactor = retryRandomization

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(expo), backoff.WithMaxElapsedTime(maxElapsed))

	return err
}
