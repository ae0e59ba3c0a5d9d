// Package retry runs fallible operations with a bounded backoff schedule.
// The GitHub and Linear clients use it around network calls; domain errors
// from the control plane itself are never retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
)

// DefaultBackoff is the default set of delays between attempts.
var DefaultBackoff = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// permanentError wraps an error that should not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error to signal that it should not be retried.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type options struct {
	maxAttempts int
	backoff     []time.Duration
}

// Option configures retry behavior.
type Option func(*options)

// WithMaxAttempts sets the maximum number of attempts, including the first.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithBackoff sets the delays between attempts. When fewer delays than
// attempts are given, the last delay is reused.
func WithBackoff(delays ...time.Duration) Option {
	return func(o *options) { o.backoff = delays }
}

func resolveOptions(opts []Option) options {
	o := options{
		maxAttempts: 3,
		backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// retryable reports whether an error is worth another attempt. Explicitly
// permanent errors and control-plane domain errors (validation, not-found,
// conflict and friends) never are; only transport-level failures and errors
// tagged External get retried.
func retryable(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	return cperr.KindOf(err) == cperr.External
}

// unwrapPermanent strips the permanent marker so callers see the cause.
func unwrapPermanent(err error) error {
	var pe *permanentError
	if errors.As(err, &pe) {
		return pe.err
	}
	return err
}

// Do executes fn, retrying transient failures per the backoff schedule. It
// stops when fn returns nil, a non-retryable error, or the context is done,
// and returns the last error on exhaustion.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	_, err := DoVal(ctx, func() (struct{}, error) { return struct{}{}, fn() }, opts...)
	return err
}

// DoVal is like Do but for functions that return a value and an error.
func DoVal[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	o := resolveOptions(opts)

	var zero T
	var lastErr error
	for attempt := range o.maxAttempts {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err

		if !retryable(lastErr) {
			return zero, unwrapPermanent(lastErr)
		}

		// No sleep after the last attempt.
		if attempt < o.maxAttempts-1 {
			select {
			case <-ctx.Done():
				return zero, lastErr
			case <-time.After(backoffDelay(o.backoff, attempt)):
			}
		}
	}
	return zero, lastErr
}

// backoffDelay returns the delay for an attempt index, reusing the last
// delay when the index runs past the schedule.
func backoffDelay(backoff []time.Duration, attempt int) time.Duration {
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}
