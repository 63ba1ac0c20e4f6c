package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crisisline/backend/internal/db"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 50 * time.Millisecond
)

// TransientStoreError is returned once a store operation has failed with
// transient errors on every attempt.
type TransientStoreError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("service: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// RetryPolicy bounds retries of store operations. Backoff grows linearly
// with the attempt number.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	Logger   zerolog.Logger
	OnRetry  func()
}

// retry runs fn again only on errors that guarantee fn had no effect, so it
// is safe for any write.
func retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	return retryWhen(ctx, p, op, db.IsTransient, fn)
}

// retryIdempotent also retries when the outcome is unknown, such as a
// connection lost before the reply. Use it for reads and for writes that
// give the same answer when repeated.
func retryIdempotent[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	return retryWhen(ctx, p, op, db.IsRetryable, fn)
}

func retryWhen[T any](ctx context.Context, p RetryPolicy, op string, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = defaultRetryAttempts
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	var zero T
	var err error
	for i := 1; i <= attempts; i++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if !retryable(err) {
			return zero, err
		}
		if i == attempts {
			break
		}
		p.Logger.Warn().Err(err).Str("op", op).Int("attempt", i).Msg("transient store error, retrying")
		if p.OnRetry != nil {
			p.OnRetry()
		}
		select {
		case <-ctx.Done():
			return zero, &TransientStoreError{Op: op, Attempts: i, Err: err}
		case <-time.After(backoff * time.Duration(i)):
		}
	}
	return zero, &TransientStoreError{Op: op, Attempts: attempts, Err: err}
}
