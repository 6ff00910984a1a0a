package providers

import (
	"fmt"
	"time"
)

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single message in a conversation.
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role MessageRole `json:"role"`

	// Content is the message text
	Content string `json:"content"`

	// Timestamp records when the message was created
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Metadata for tracking and logging
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GenerationConfig carries the sampling parameters for a generation
// request. The zero value is not usable; construct with
// DefaultGenerationConfig and override fields as needed.
type GenerationConfig struct {
	// Temperature controls randomness (0.0 to 2.0)
	Temperature float64 `json:"temperature"`

	// MaxTokens limits the response length. Zero means backend default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// TopP controls nucleus sampling (0.0 to 1.0)
	TopP float64 `json:"top_p"`

	// FrequencyPenalty reduces repetition (-2.0 to 2.0)
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty"`

	// PresencePenalty encourages new topics (-2.0 to 2.0)
	PresencePenalty float64 `json:"presence_penalty,omitempty"`

	// StopSequences terminate generation when produced
	StopSequences []string `json:"stop_sequences,omitempty"`

	// Stream requests a streaming response
	Stream bool `json:"stream,omitempty"`
}

// DefaultGenerationConfig returns the baseline sampling parameters.
func DefaultGenerationConfig() *GenerationConfig {
	return &GenerationConfig{
		Temperature: 0.7,
		TopP:        1.0,
	}
}

// Validate checks the sampling parameters against their allowed ranges.
func (c *GenerationConfig) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", c.Temperature)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("top_p must be between 0 and 1, got %g", c.TopP)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative, got %d", c.MaxTokens)
	}
	return nil
}

// ModelInfo contains static metadata about a model. Capability flags
// are declared here, never probed at runtime.
type ModelInfo struct {
	// Name is the model identifier used on the wire
	Name string `json:"name"`

	// DisplayName is the human-readable name
	DisplayName string `json:"display_name"`

	// Description of the model
	Description string `json:"description,omitempty"`

	// MaxTokens the model can emit in one response
	MaxTokens int `json:"max_tokens"`

	// ContextWindow size in tokens
	ContextWindow int `json:"context_window"`

	// Capabilities
	SupportsStreaming bool `json:"supports_streaming"`
	SupportsFunctions bool `json:"supports_functions"`

	// Metadata holds backend-specific extras
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResponse is the unified result of a generation request.
type GenerationResponse struct {
	// Content is the generated text
	Content string `json:"content"`

	// Model that produced the response (post-resolution name)
	Model string `json:"model"`

	// Usage statistics, zero when the backend does not report them
	Usage Usage `json:"usage"`

	// FinishReason indicates why generation stopped
	// Values: "stop", "length", "content_filter"
	FinishReason string `json:"finish_reason,omitempty"`

	// Metadata from the handling backend
	Metadata map[string]any `json:"metadata,omitempty"`
}

// BackendStatus is a point-in-time snapshot of a registered backend.
type BackendStatus struct {
	Name          string    `json:"name"`
	Enabled       bool      `json:"enabled"`
	Authenticated bool      `json:"authenticated"`
	Connected     bool      `json:"connected"`
	ModelCount    int       `json:"model_count"`
	LastError     string    `json:"last_error,omitempty"`
	LastChecked   time.Time `json:"last_checked,omitzero"`
}
