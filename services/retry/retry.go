// Package retry re-attempts failed backend calls with capped
// exponential backoff. Only errors the taxonomy marks retryable are
// retried; credential and other permanent failures surface at once.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/NickPittas/NukeAiPanel/services/providers"
)

// Policy describes the retry behavior for backend calls.
type Policy struct {
	// MaxRetries is the number of re-attempts after the first try.
	// Total attempts never exceed MaxRetries+1.
	MaxRetries int

	// BaseDelay is the backoff before the first re-attempt
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff
	MaxDelay time.Duration

	// Multiplier grows the backoff between attempts
	Multiplier float64

	// Jitter adds a uniform random amount in [0, delay) to each wait
	Jitter bool
}

// DefaultPolicy returns the standard backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay computes the backoff before re-attempt number attempt
// (0-based), before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if capped := float64(p.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}

// Controller runs operations under a Policy.
type Controller struct {
	policy Policy
	logger *zap.Logger

	// rnd allows tests to pin jitter; nil uses the global source
	rnd *rand.Rand
}

// NewController creates a retry controller.
func NewController(policy Policy, logger *zap.Logger) *Controller {
	return &Controller{policy: policy, logger: logger}
}

// WithMaxRetries returns a controller sharing this one's backoff but
// with a different attempt budget. Backends carrying their own retry
// limit get a derived controller instead of the shared default.
func (c *Controller) WithMaxRetries(n int) *Controller {
	if n == c.policy.MaxRetries {
		return c
	}
	derived := *c
	derived.policy.MaxRetries = n
	return &derived
}

// Do runs op until it succeeds, fails permanently, exhausts the
// attempt budget, or ctx ends. The last error is returned unwrapped so
// callers can still classify it.
func (c *Controller) Do(ctx context.Context, backend string, op func(ctx context.Context) error) error {
	return c.DoUnless(ctx, backend, op, nil)
}

// DoUnless runs op like Do but skips further attempts when abort
// reports true after a failure. Streaming uses this to stop retrying
// once fragments have reached the caller, since a retry would replay
// them.
func (c *Controller) DoUnless(ctx context.Context, backend string, op func(ctx context.Context) error, abort func() bool) error {
	var lastErr error

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !providers.IsRetryable(lastErr) {
			return lastErr
		}
		if abort != nil && abort() {
			return lastErr
		}
		if attempt == c.policy.MaxRetries {
			break
		}

		delay := c.policy.Delay(attempt)
		// a backend-suggested wait overrides a shorter backoff
		if hint := providers.RetryAfterHint(lastErr); hint > delay {
			delay = hint
		}
		if c.policy.Jitter && delay > 0 {
			delay += c.jitter(delay)
		}

		c.logger.Debug("retrying backend call",
			zap.String("backend", backend),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

func (c *Controller) jitter(d time.Duration) time.Duration {
	if c.rnd != nil {
		return time.Duration(c.rnd.Int63n(int64(d)))
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// DoValue runs op under policy and returns its result. Generation
// calls use this to keep the response alongside the retry loop.
func DoValue[T any](ctx context.Context, c *Controller, backend string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, backend, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
