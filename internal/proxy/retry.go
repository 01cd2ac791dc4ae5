package proxy

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidScope aborts a retry loop: the session's scope can never become
// reachable (e.g. the project directory is gone), so waiting is pointless.
var ErrInvalidScope = errors.New("proxy: session scope is invalid")

// RecoveryFunc runs after a connection failure. firstAttempt is true only for
// the first failure of the request, which is the only point at which a
// session launch may be triggered; later invocations just revalidate.
// Returning ErrInvalidScope abandons the retries.
type RecoveryFunc func(ctx context.Context, firstAttempt bool) error

// RetryProfile describes how a request waits for its backend: how often to
// retry, how long in total, and what recovery to run between attempts.
type RetryProfile struct {
	Interval time.Duration
	MaxWait  time.Duration
	Recovery RecoveryFunc
}

// run invokes attempt until it succeeds, the profile's budget is exhausted,
// or recovery reports an unrecoverable condition. Only connection-level
// failures (attempt returns retryable=true) are retried.
func (p RetryProfile) run(ctx context.Context, attempt func() (retryable bool, err error)) error {
	deadline := time.Now().Add(p.MaxWait)
	first := true
	for {
		retryable, err := attempt()
		if err == nil || !retryable {
			return err
		}
		if p.Recovery != nil {
			if rerr := p.Recovery(ctx, first); rerr != nil {
				return rerr
			}
		}
		first = false
		if time.Now().Add(p.Interval).After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Interval):
		}
	}
}
