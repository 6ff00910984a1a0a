package providers

import (
	"context"
)

// Provider is the unified contract every AI backend adapter implements.
// Adapters are stateless with respect to individual requests; the only
// state they hold is their configuration and a cached authentication
// result.
type Provider interface {
	// Name returns the backend name (e.g., "openai", "ollama")
	Name() string

	// Authenticate verifies credentials or reachability with the
	// backend. The result is cached until the adapter is rebuilt.
	Authenticate(ctx context.Context) error

	// IsAuthenticated reports the cached authentication state without
	// touching the network.
	IsAuthenticated() bool

	// ListModels returns the models this backend can serve, in a
	// stable order. Requires prior authentication.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Generate performs a blocking text generation request.
	Generate(ctx context.Context, messages []Message, model string, cfg *GenerationConfig) (*GenerationResponse, error)

	// GenerateStream performs a streaming generation request,
	// invoking callback once per text fragment. A callback error
	// aborts the stream.
	GenerateStream(ctx context.Context, messages []Message, model string, cfg *GenerationConfig, callback StreamCallback) error

	// Close releases adapter resources. Safe to call more than once.
	Close() error
}

// StreamCallback is invoked for each text fragment of a streaming
// response. Returning a non-nil error aborts the stream.
type StreamCallback func(fragment string) error
