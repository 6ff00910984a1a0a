package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/NickPittas/NukeAiPanel/services/providers"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	c := NewController(fastPolicy(3), zaptest.NewLogger(t))

	calls := 0
	err := c.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	c := NewController(fastPolicy(3), zaptest.NewLogger(t))

	calls := 0
	err := c.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return providers.NewTransientError("openai", "503", 503, nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoNeverRetriesPermanent(t *testing.T) {
	c := NewController(fastPolicy(3), zaptest.NewLogger(t))

	calls := 0
	authErr := providers.NewAuthenticationError("openai", "bad key", 401)
	err := c.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return authErr
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, authErr, err.(*providers.ProviderError))
}

func TestDoNeverRetriesPlainErrors(t *testing.T) {
	c := NewController(fastPolicy(3), zaptest.NewLogger(t))

	calls := 0
	err := c.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return errors.New("untyped")
	})
	assert.Equal(t, 1, calls)
	assert.EqualError(t, err, "untyped")
}

func TestDoExhaustsAttemptBudget(t *testing.T) {
	c := NewController(fastPolicy(2), zaptest.NewLogger(t))

	calls := 0
	transient := providers.NewTransientError("ollama", "timeout", 0, nil)
	err := c.Do(context.Background(), "ollama", func(ctx context.Context) error {
		calls++
		return transient
	})
	// max_retries+1 total attempts
	assert.Equal(t, 3, calls)
	assert.True(t, providers.IsRetryable(err))
}

func TestWithMaxRetriesOverridesBudget(t *testing.T) {
	c := NewController(fastPolicy(3), zaptest.NewLogger(t))
	assert.Same(t, c, c.WithMaxRetries(3), "matching budget keeps the shared controller")

	calls := 0
	err := c.WithMaxRetries(0).Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return providers.NewTransientError("openai", "503", 503, nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	c := NewController(Policy{
		MaxRetries: 5,
		BaseDelay:  time.Hour,
		MaxDelay:   time.Hour,
		Multiplier: 2.0,
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := c.Do(ctx, "openai", func(ctx context.Context) error {
		return providers.NewTransientError("openai", "503", 503, nil)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPolicyDelayGrowthAndCap(t *testing.T) {
	p := Policy{
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
	}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	// capped
	assert.Equal(t, 10*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(10))
}

func TestDoHonorsRetryAfterHint(t *testing.T) {
	c := NewController(Policy{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
	}, zaptest.NewLogger(t))

	calls := 0
	start := time.Now()
	err := c.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return providers.NewRateLimitError("openai", "throttled", 50*time.Millisecond)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDoUnlessAbortsRetries(t *testing.T) {
	c := NewController(fastPolicy(5), zaptest.NewLogger(t))

	calls := 0
	err := c.DoUnless(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return providers.NewTransientError("openai", "mid-stream", 0, nil)
	}, func() bool { return true })

	assert.Equal(t, 1, calls, "abort must suppress further attempts")
	assert.True(t, providers.IsRetryable(err), "error classification is preserved")
}

func TestDoValue(t *testing.T) {
	c := NewController(fastPolicy(2), zaptest.NewLogger(t))

	calls := 0
	got, err := DoValue(context.Background(), c, "openai", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", providers.NewTransientError("openai", "502", 502, nil)
		}
		return "hello", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}
