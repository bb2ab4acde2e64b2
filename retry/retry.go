// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
)

var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy describes how many times an operation is attempted and how long to wait between attempts.
// The wait before retry i (starting at 1) is BaseDelay * 2^(i-1), capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to every delay, 0 disables it.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 || p.BaseDelay < 0 || p.MaxDelay < p.BaseDelay || p.Jitter < 0 || p.Jitter >= 1 {
		return ErrInvalidPolicy
	}
	return nil
}

func (p Policy) backOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = p.Jitter
	// attempts are bounded by count, not by elapsed time
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithMaxRetries(exp, uint64(retries))
}

// Delays returns the waits that precede each retry, useful to inspect a policy.
func (p Policy) Delays() []time.Duration {
	b := p.backOff()
	var delays []time.Duration
	for {
		next := b.NextBackOff()
		if next == backoff.Stop {
			return delays
		}
		delays = append(delays, next)
	}
}

// Permanent wraps err so that Do stops retrying and returns err unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it returns nil, returns a Permanent error, the attempts are exhausted or ctx is done.
// It returns the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) (int, error) {
	var (
		attempts int
		lastErr  error
	)
	err := backoff.Retry(func() error {
		attempts++
		lastErr = op(ctx, attempts)
		return lastErr
	}, backoff.WithContext(p.backOff(), ctx))

	if err != nil && lastErr != nil && ctx.Err() != nil && !errors.Is(err, lastErr) {
		// context ended between attempts, keep the operation error visible
		return attempts, errors.Join(lastErr, err)
	}
	return attempts, err
}
