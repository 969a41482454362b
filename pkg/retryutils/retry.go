// Package retryutils wraps github.com/avast/retry-go with the bounded
// exponential backoff policy used by batching sinks.
package retryutils

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/avast/retry-go"
)

// Policy controls how a failed submission is retried. The zero value performs
// exactly one attempt with no delay, i.e., fail fast.
type Policy struct {
	// Number of retries after the initial attempt.
	MaxRetries uint
	// Delay before the first retry.
	InitialDelay time.Duration
	// Multiplier applied to the delay on each subsequent retry.
	// Values <= 0 are treated as 1.
	BackoffFactor float64
	// Upper bound on the computed delay, applied before jitter.
	// Zero means no bound.
	MaxDelay time.Duration
	// If true, each delay is multiplied by a random factor in [1.0, 2.0).
	RandomizeJitter bool
}

// Delay returns the suspension before retry n (zero-based).
func (p Policy) Delay(n uint) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.RandomizeJitter {
		d *= 1 + rand.Float64()
	}
	return time.Duration(d)
}

// ExhaustedError is returned by Do once all attempts have failed.
// It carries the total number of attempts made and the last error.
type ExhaustedError struct {
	Attempts uint
	Err      error
}

func (err *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %s", err.Attempts, err.Err)
}

func (err *ExhaustedError) Cause() error {
	return err.Err
}

func (err *ExhaustedError) Unwrap() error {
	return err.Err
}

// Do invokes op until it succeeds or the policy is exhausted, suspending
// between attempts according to the policy. Do blocks the calling goroutine
// only; sinks call it from per-batch goroutines.
func Do(ctx context.Context, policy Policy, op func() error) error {
	var attempts uint
	err := retry.Do(
		func() error {
			attempts++
			return op()
		},
		retry.Context(ctx),
		retry.Attempts(policy.MaxRetries+1),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return policy.Delay(n)
		}),
	)
	if err != nil {
		return &ExhaustedError{Attempts: attempts, Err: err}
	}
	return nil
}
