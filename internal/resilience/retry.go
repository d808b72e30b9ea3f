package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig tunes the exponential backoff applied inside the breaker.
type RetryConfig struct {
	MaxAttempts int           // total tries including the first, default 3
	BaseDelay   time.Duration // initial backoff interval, default 100ms
	Factor      float64       // backoff multiplier, default 2.0
	Jitter      float64       // randomization factor, default 0.5
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.5
	}
	return c
}

// retry runs op with exponential backoff, retrying only transient errors.
func retry[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.BaseDelay
	expBackoff.Multiplier = cfg.Factor
	expBackoff.RandomizationFactor = cfg.Jitter

	out, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
	)
	if err != nil {
		// Unwrap the backoff sentinel so callers see the original error.
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return out, perm.Unwrap()
		}
	}
	return out, err
}

// Wrapper composes retry (inner) with a circuit breaker (outer) around a
// downstream store. One Wrapper per adapter; the breaker window is shared
// process state for that adapter.
type Wrapper struct {
	breaker *Breaker
	retry   RetryConfig
}

// NewWrapper builds a wrapper from the two configs.
func NewWrapper(breakerCfg BreakerConfig, retryCfg RetryConfig) *Wrapper {
	return &Wrapper{
		breaker: NewBreaker(breakerCfg),
		retry:   retryCfg,
	}
}

// Breaker exposes the underlying breaker (state inspection in tests and
// health reporting).
func (w *Wrapper) Breaker() *Breaker { return w.breaker }

// Execute runs op through the wrapper: the breaker observes the final
// outcome after retries are exhausted.
func Execute[T any](ctx context.Context, w *Wrapper, op func() (T, error)) (T, error) {
	var out T
	err := w.breaker.Execute(ctx, func() error {
		v, err := retry(ctx, w.retry, op)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func asErr(err error, target any) bool {
	return err != nil && errors.As(err, target)
}
