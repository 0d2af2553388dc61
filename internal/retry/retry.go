// Package retry runs operations whose failures fall into two kinds:
// transient (network hiccups, timeouts — retried with exponential backoff)
// and definitive (the remote side said no — returned immediately).
//
// Callers tag errors at the site that knows which kind they are, with
// Transient or Definitive; untagged errors are treated as transient, since
// in this system an unclassified failure is almost always an I/O hiccup.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type definitiveError struct{ err error }

func (e *definitiveError) Error() string { return e.err.Error() }
func (e *definitiveError) Unwrap() error { return e.err }

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Definitive marks err as a final rejection that must not be retried.
func Definitive(err error) error {
	if err == nil {
		return nil
	}
	return &definitiveError{err: err}
}

// Transient marks err as retryable. Untagged errors are already treated as
// transient; the tag exists for call sites that want to be explicit.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsDefinitive reports whether err carries the Definitive tag.
func IsDefinitive(err error) bool {
	var d *definitiveError
	return errors.As(err, &d)
}

// Policy controls the backoff schedule.
type Policy struct {
	// Initial is the delay before the second attempt. Defaults to 1s.
	Initial time.Duration

	// Max caps the delay between attempts. Defaults to 1m.
	Max time.Duration

	// MaxAttempts bounds the total number of attempts; 0 means retry
	// until the context is cancelled or the error is definitive.
	MaxAttempts int
}

// Do runs fn until it succeeds, fails definitively, exhausts MaxAttempts,
// or ctx is done. The delay doubles each attempt up to Policy.Max.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Max <= 0 {
		p.Max = time.Minute
	}

	delay := p.Initial
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsDefinitive(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}

		delay *= 2
		if delay > p.Max {
			delay = p.Max
		}
	}
}
