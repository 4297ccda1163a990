// Package retry runs calls to external services under a bounded exponential
// backoff policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how fast a call is retried.
type Policy struct {
	// MaxRetries is the number of attempts after the first one. Zero means
	// the call runs exactly once.
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// DefaultPolicy matches the external-service budget: three attempts total,
// starting at one second and capped at ten.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      2,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
	}
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Always treats every error as transient.
func Always(error) bool { return true }

// Notify is called before each backoff sleep with the failed attempt number
// (1-based) and the wait before the next one.
type Notify func(err error, attempt int, wait time.Duration)

// Do runs op until it succeeds, the classifier marks an error permanent, the
// retry budget is spent, or ctx is done. It returns the number of attempts
// made together with the final error.
func Do(ctx context.Context, p Policy, retryable Classifier, op func(ctx context.Context) error, notify Notify) (int, error) {
	if retryable == nil {
		retryable = Always
	}

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	})
	return attempts, err
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	// The retry count is the only budget; per-attempt deadlines bound time.
	b.MaxElapsedTime = 0

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
