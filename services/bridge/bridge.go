// Package bridge is the single owner of orchestration concurrency for
// synchronous embedders. Callers block on Do or DoStream while the
// work runs on bridge-tracked goroutines; Shutdown cancels everything
// in flight and joins every goroutine the bridge started.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/NickPittas/NukeAiPanel/services/providers"
	"github.com/NickPittas/NukeAiPanel/services/registry"
)

// ErrBridgeClosed is returned for work submitted after Shutdown.
var ErrBridgeClosed = errors.New("bridge is shut down")

// Generator is the registry surface the bridge drives.
type Generator interface {
	Generate(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error)
	GenerateStream(ctx context.Context, req *registry.GenerateRequest, callback providers.StreamCallback) error
}

// StreamOptions controls fragment delivery for DoStream.
type StreamOptions struct {
	// Marshal delivers fragments on the calling goroutine instead of
	// the worker goroutine. Embedders whose callbacks are not
	// thread-safe set this.
	Marshal bool
}

// Bridge runs generation requests on tracked goroutines.
type Bridge struct {
	gen           Generator
	submitTimeout time.Duration

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool

	logger *zap.Logger
}

// New creates a bridge. submitTimeout bounds each request when the
// caller's context carries no deadline of its own; zero disables the
// bound.
func New(gen Generator, submitTimeout time.Duration, logger *zap.Logger) *Bridge {
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		gen:           gen,
		submitTimeout: submitTimeout,
		rootCtx:       rootCtx,
		cancel:        cancel,
		logger:        logger,
	}
}

type result struct {
	resp *providers.GenerationResponse
	err  error
}

// Do submits a blocking generation request and waits for the result.
// An expired deadline surfaces as a typed deadline error and the
// underlying work is cancelled.
func (b *Bridge) Do(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error) {
	if b.closed.Load() {
		return nil, ErrBridgeClosed
	}

	workCtx, cancel := b.workContext(ctx)
	defer cancel()

	resultCh := make(chan result, 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		resp, err := b.gen.Generate(workCtx, req)
		resultCh <- result{resp: resp, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, b.classifyCtxErr(workCtx, res.err)
		}
		return res.resp, nil
	case <-workCtx.Done():
		cancel()
		// the worker exits once the registry observes cancellation;
		// the buffered channel lets it finish without a reader
		return nil, b.ctxError(workCtx)
	}
}

// DoStream submits a streaming generation request. Without Marshal,
// the callback runs on the worker goroutine; with it, fragments are
// handed over a channel and the callback runs on the caller's
// goroutine.
func (b *Bridge) DoStream(ctx context.Context, req *registry.GenerateRequest, callback providers.StreamCallback, opts StreamOptions) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}

	workCtx, cancel := b.workContext(ctx)
	defer cancel()

	if !opts.Marshal {
		errCh := make(chan error, 1)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			errCh <- b.gen.GenerateStream(workCtx, req, callback)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return b.classifyCtxErr(workCtx, err)
			}
			return nil
		case <-workCtx.Done():
			cancel()
			return b.ctxError(workCtx)
		}
	}

	fragments := make(chan string, 16)
	errCh := make(chan error, 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(fragments)
		errCh <- b.gen.GenerateStream(workCtx, req, func(fragment string) error {
			select {
			case fragments <- fragment:
				return nil
			case <-workCtx.Done():
				return workCtx.Err()
			}
		})
	}()

	for fragment := range fragments {
		if err := callback(fragment); err != nil {
			cancel()
			// drain so the worker can exit
			for range fragments {
			}
			<-errCh
			return err
		}
	}
	if err := <-errCh; err != nil {
		return b.classifyCtxErr(workCtx, err)
	}
	return nil
}

// Shutdown cancels all in-flight work and joins the bridge's
// goroutines, bounded by ctx.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("bridge shut down")
		return nil
	case <-ctx.Done():
		b.logger.Warn("bridge shutdown deadline reached with work in flight")
		return ctx.Err()
	}
}

// workContext derives the per-request context: cancelled by Shutdown
// through rootCtx, bounded by the caller's context, and by the submit
// timeout when the caller carries no deadline.
func (b *Bridge) workContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := mergeCancel(b.rootCtx, ctx)
	if _, ok := ctx.Deadline(); !ok && b.submitTimeout > 0 {
		timed, timedCancel := context.WithTimeout(merged, b.submitTimeout)
		return timed, func() { timedCancel(); cancel() }
	}
	return merged, cancel
}

// mergeCancel returns a context cancelled when either parent is. The
// cancelling parent's cause is carried over so a caller deadline still
// reads as DeadlineExceeded on the merged context.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() { cancel(context.Cause(b)) })
	return ctx, func() { stop(); cancel(context.Canceled) }
}

// ctxError maps a finished context onto the error taxonomy.
func (b *Bridge) ctxError(ctx context.Context) error {
	return b.classifyCtxErr(ctx, ctx.Err())
}

// classifyCtxErr rewrites bare context errors coming back from the
// pipeline into typed errors, consulting the context's cause so a
// deadline expiry is not mistaken for a plain cancellation; everything
// else passes through.
func (b *Bridge) classifyCtxErr(ctx context.Context, err error) error {
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return providers.NewProviderError("", providers.ErrCodeDeadline, "request deadline exceeded", 0, false, err)
	case b.closed.Load():
		return ErrBridgeClosed
	default:
		return providers.NewProviderError("", providers.ErrCodeCancelled, "request cancelled", 0, false, err)
	}
}
