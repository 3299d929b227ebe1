// Package retry polls a condition a bounded number of times.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrExhausted is returned when every attempt came back not ready.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a polling loop.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	// Multiplier 1 gives a fixed interval.
	Multiplier float64
}

// Fixed waits the same interval between attempts.
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Initial: interval, Max: interval, Multiplier: 1}
}

// Exponential grows the interval by factor after each attempt, capped at max.
func Exponential(attempts int, initial, max time.Duration, factor float64) Policy {
	return Policy{MaxAttempts: attempts, Initial: initial, Max: max, Multiplier: factor}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Multiplier <= 1 {
		b = backoff.NewConstantBackOff(p.Initial)
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Initial
		eb.MaxInterval = p.Max
		eb.Multiplier = p.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	}
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

var errNotReady = errors.New("not ready")

// Poll calls fn until it reports ready, the attempts run out or ctx is done.
// fn errors are treated as "not ready yet"; the last one is wrapped into the
// exhaustion error.
func Poll[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, bool, error)) (T, error) {
	var (
		out      T
		attempts int
		lastErr  error
	)
	op := func() error {
		attempts++
		v, ok, err := fn(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		if !ok {
			return errNotReady
		}
		out = v
		return nil
	}
	if err := backoff.Retry(op, p.backOff(ctx)); err != nil {
		var zero T
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if lastErr != nil {
			return zero, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempts, lastErr)
		}
		return zero, fmt.Errorf("%w after %d attempts", ErrExhausted, attempts)
	}
	return out, nil
}
