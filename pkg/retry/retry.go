// Package retry wraps network calls with bounded retries and exponential
// backoff. Eligibility is decided on the normalized error: transport-class
// failures and HTTP 5xx/429 retry, everything else propagates immediately.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-queryflow/pkg/qerror"
)

// jitterFraction is the maximum share of the backoff delay added as random
// jitter.
const jitterFraction = 0.2

// Config holds configuration for a retry Controller.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Defaults to 3.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; each retry doubles it.
	// Defaults to 500ms.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay before jitter. Defaults to 32s.
	MaxDelay time.Duration
}

// Observer is invoked before each backoff wait with the zero-based attempt
// number and the error that triggered the retry. It is for external logging,
// not control flow.
type Observer func(attempt int, err error)

// Operation is a single retryable call.
type Operation[T any] func(ctx context.Context) (T, error)

// Controller executes operations with bounded retries. The zero value is not
// usable; create one with NewController.
type Controller struct {
	cfg      Config
	observer Observer
	logger   zerolog.Logger

	// sleep and randFloat are injectable for tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// NewController creates a retry Controller. The observer may be nil.
func NewController(cfg Config, observer Observer, logger zerolog.Logger) *Controller {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 32 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		observer:  observer,
		logger:    logger.With().Str("component", "RetryController").Logger(),
		sleep:     sleepContext,
		randFloat: rand.Float64,
	}
}

// Do executes op with the controller's retry policy: at most MaxAttempts
// attempts, geometric backoff with up to 20% jitter between them. The final
// attempt's error propagates verbatim rather than a generic retries-exhausted
// error. When MaxAttempts is not positive, op is never invoked and both
// return values are zero; callers that need a synthetic error for that
// degenerate case fabricate their own.
func Do[T any](ctx context.Context, c *Controller, op Operation[T]) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, qerror.Wrap(qerror.KindNetwork, "request cancelled", err)
		}

		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !qerror.Retryable(err) {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("Error is not retryable, propagating.")
			return zero, err
		}
		if attempt == c.cfg.MaxAttempts-1 {
			break
		}

		if c.observer != nil {
			c.observer(attempt, err)
		}

		delay := c.delayFor(attempt)
		c.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Retryable error, backing off.")
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return zero, qerror.Wrap(qerror.KindNetwork, "request cancelled during backoff", sleepErr)
		}
	}

	return zero, lastErr
}

// delayFor computes the backoff for a zero-based attempt: BaseDelay * 2^attempt,
// capped at MaxDelay, plus up to 20% jitter.
func (c *Controller) delayFor(attempt int) time.Duration {
	delay := c.cfg.BaseDelay << uint(attempt)
	if delay > c.cfg.MaxDelay || delay <= 0 {
		delay = c.cfg.MaxDelay
	}
	jitter := time.Duration(c.randFloat() * jitterFraction * float64(delay))
	return delay + jitter
}

// MaxAttempts reports the controller's effective attempt bound after
// defaulting. A non-positive value means Do never invokes its operation.
func (c *Controller) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

// SetSleepAndRandForTest overrides the controller's sleep and random-number
// functions so tests can observe delays without waiting.
func (c *Controller) SetSleepAndRandForTest(sleep func(ctx context.Context, d time.Duration) error, randFloat func() float64) {
	c.sleep = sleep
	c.randFloat = randFloat
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
