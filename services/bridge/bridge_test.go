package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/NickPittas/NukeAiPanel/services/providers"
	"github.com/NickPittas/NukeAiPanel/services/registry"
)

// fakeGenerator scripts the registry surface for bridge tests.
type fakeGenerator struct {
	genFn    func(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error)
	streamFn func(ctx context.Context, req *registry.GenerateRequest, cb providers.StreamCallback) error
}

func (f *fakeGenerator) Generate(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error) {
	if f.genFn != nil {
		return f.genFn(ctx, req)
	}
	return &providers.GenerationResponse{Content: "ok"}, nil
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, req *registry.GenerateRequest, cb providers.StreamCallback) error {
	if f.streamFn != nil {
		return f.streamFn(ctx, req, cb)
	}
	for _, frag := range []string{"a", "b", "c"} {
		if err := cb(frag); err != nil {
			return err
		}
	}
	return nil
}

func TestDoReturnsResult(t *testing.T) {
	b := New(&fakeGenerator{}, time.Second, zaptest.NewLogger(t))
	defer b.Shutdown(context.Background())

	resp, err := b.Do(context.Background(), &registry.GenerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestDoDeadlineExceeded(t *testing.T) {
	var sawCancel atomic.Bool
	gen := &fakeGenerator{
		genFn: func(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error) {
			<-ctx.Done()
			sawCancel.Store(true)
			return nil, ctx.Err()
		},
	}
	b := New(gen, time.Second, zaptest.NewLogger(t))
	defer b.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Do(ctx, &registry.GenerateRequest{})
	assert.True(t, providers.IsDeadlineExceeded(err), "got %v", err)
	assert.Eventually(t, sawCancel.Load, time.Second, time.Millisecond,
		"underlying work must be cancelled")
}

func TestDoCallerCancelled(t *testing.T) {
	gen := &fakeGenerator{
		genFn: func(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	b := New(gen, time.Second, zaptest.NewLogger(t))
	defer b.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.Do(ctx, &registry.GenerateRequest{})
	var perr *providers.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, providers.ErrCodeCancelled, perr.Code)
	assert.False(t, providers.IsDeadlineExceeded(err))
}

func TestDoStreamDeadlineExceeded(t *testing.T) {
	gen := &fakeGenerator{
		streamFn: func(ctx context.Context, req *registry.GenerateRequest, cb providers.StreamCallback) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	b := New(gen, time.Second, zaptest.NewLogger(t))
	defer b.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.DoStream(ctx, &registry.GenerateRequest{}, func(string) error { return nil }, StreamOptions{})
	assert.True(t, providers.IsDeadlineExceeded(err), "got %v", err)
}

func TestDoSubmitTimeoutApplies(t *testing.T) {
	gen := &fakeGenerator{
		genFn: func(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	b := New(gen, 20*time.Millisecond, zaptest.NewLogger(t))
	defer b.Shutdown(context.Background())

	_, err := b.Do(context.Background(), &registry.GenerateRequest{})
	assert.True(t, providers.IsDeadlineExceeded(err), "got %v", err)
}

func TestDoAfterShutdown(t *testing.T) {
	b := New(&fakeGenerator{}, time.Second, zaptest.NewLogger(t))
	require.NoError(t, b.Shutdown(context.Background()))

	_, err := b.Do(context.Background(), &registry.GenerateRequest{})
	assert.ErrorIs(t, err, ErrBridgeClosed)

	err = b.DoStream(context.Background(), &registry.GenerateRequest{}, func(string) error { return nil }, StreamOptions{})
	assert.ErrorIs(t, err, ErrBridgeClosed)
}

func TestShutdownCancelsInFlight(t *testing.T) {
	entered := make(chan struct{})
	gen := &fakeGenerator{
		genFn: func(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	b := New(gen, 0, zaptest.NewLogger(t))

	go b.Do(context.Background(), &registry.GenerateRequest{})
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, b.Shutdown(ctx), "shutdown must join the in-flight worker")
}

func TestShutdownDeadline(t *testing.T) {
	gen := &fakeGenerator{
		genFn: func(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error) {
			// ignores cancellation
			time.Sleep(500 * time.Millisecond)
			return &providers.GenerationResponse{}, nil
		},
	}
	b := New(gen, 0, zaptest.NewLogger(t))

	go b.Do(context.Background(), &registry.GenerateRequest{})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Shutdown(ctx))
}

func TestDoStreamDirect(t *testing.T) {
	b := New(&fakeGenerator{}, time.Second, zaptest.NewLogger(t))
	defer b.Shutdown(context.Background())

	var got string
	err := b.DoStream(context.Background(), &registry.GenerateRequest{}, func(fragment string) error {
		got += fragment
		return nil
	}, StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}

func TestDoStreamMarshalled(t *testing.T) {
	b := New(&fakeGenerator{}, time.Second, zaptest.NewLogger(t))
	defer b.Shutdown(context.Background())

	var got []string
	err := b.DoStream(context.Background(), &registry.GenerateRequest{}, func(fragment string) error {
		got = append(got, fragment)
		return nil
	}, StreamOptions{Marshal: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDoStreamMarshalledCallbackAborts(t *testing.T) {
	b := New(&fakeGenerator{}, time.Second, zaptest.NewLogger(t))
	defer b.Shutdown(context.Background())

	boom := errors.New("stop")
	calls := 0
	err := b.DoStream(context.Background(), &registry.GenerateRequest{}, func(fragment string) error {
		calls++
		return boom
	}, StreamOptions{Marshal: true})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoStreamErrorPassthrough(t *testing.T) {
	backendErr := providers.NewTransientError("openai", "503", 503, nil)
	gen := &fakeGenerator{
		streamFn: func(ctx context.Context, req *registry.GenerateRequest, cb providers.StreamCallback) error {
			return backendErr
		},
	}
	b := New(gen, time.Second, zaptest.NewLogger(t))
	defer b.Shutdown(context.Background())

	err := b.DoStream(context.Background(), &registry.GenerateRequest{}, func(string) error { return nil }, StreamOptions{})
	assert.True(t, providers.IsRetryable(err))
}
