// Package ollama adapts a local Ollama server to the unified provider
// contract. Ollama needs no credentials, so authentication is a
// reachability probe against the tags endpoint.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/NickPittas/NukeAiPanel/config"
	"github.com/NickPittas/NukeAiPanel/services/providers"
)

const defaultBaseURL = "http://localhost:11434"

// embeddingPatterns marks models that only produce embeddings and
// cannot serve text generation.
var embeddingPatterns = []string{
	"embed",
	"embedding",
	"sentence-transformer",
	"nomic-embed",
	"all-minilm",
	"bge-",
	"e5-",
}

// Adapter implements the Provider interface for Ollama
type Adapter struct {
	name       string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client

	mu            sync.RWMutex
	authenticated bool
	closed        bool
}

var _ providers.Provider = (*Adapter)(nil)

// New creates an Ollama adapter from backend configuration.
func New(cfg *config.BackendConfig) *Adapter {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	// the timeout is applied per request through the context; streams
	// are bounded only by the caller's deadline
	return &Adapter{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

func (a *Adapter) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// Name returns the backend name
func (a *Adapter) Name() string {
	return a.name
}

// Authenticate probes the server. There are no credentials to verify;
// a reachable server is an authenticated one.
func (a *Adapter) Authenticate(ctx context.Context) error {
	ctx, cancel := a.requestContext(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return providers.NewProviderError(a.name, providers.ErrCodePermanent, "failed to create request", 0, false, err)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return providers.NewTransientError(a.name, "server unreachable at "+a.baseURL, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providers.ClassifyHTTPStatus(a.name, resp.StatusCode, "tags probe failed")
	}

	a.mu.Lock()
	a.authenticated = true
	a.mu.Unlock()
	return nil
}

// IsAuthenticated reports the cached reachability state
func (a *Adapter) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authenticated
}

// ListModels returns the locally installed models, filtering out
// embedding-only models. When the listing fails after a successful
// probe, a static catalog of common models is returned so resolution
// can still proceed.
func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	if !a.IsAuthenticated() {
		return nil, providers.NewAuthenticationError(a.name, "not authenticated", 0)
	}

	ctx, cancel := a.requestContext(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodePermanent, "failed to create request", 0, false, err)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fallbackCatalog(), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fallbackCatalog(), nil
	}

	var listing tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return fallbackCatalog(), nil
	}

	models := make([]providers.ModelInfo, 0, len(listing.Models))
	for _, m := range listing.Models {
		if isEmbeddingModel(m.Name) {
			continue
		}
		models = append(models, providers.ModelInfo{
			Name:              m.Name,
			DisplayName:       m.Name,
			Description:       "Local Ollama model",
			MaxTokens:         4096,
			ContextWindow:     4096,
			SupportsStreaming: true,
			Metadata: map[string]any{
				"size":        m.Size,
				"modified_at": m.ModifiedAt,
			},
		})
	}
	return models, nil
}

// Generate performs a blocking generation request
func (a *Adapter) Generate(ctx context.Context, messages []providers.Message, model string, cfg *providers.GenerationConfig) (*providers.GenerationResponse, error) {
	ctx, cancel := a.requestContext(ctx)
	defer cancel()

	resp, err := a.post(ctx, a.buildRequest(messages, model, cfg, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, providers.NewModelNotFoundError(a.name, model)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, providers.ClassifyHTTPStatus(a.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodePermanent, "failed to decode response", resp.StatusCode, false, err)
	}

	return &providers.GenerationResponse{
		Content:      gen.Response,
		Model:        model,
		FinishReason: "stop",
		Usage: providers.Usage{
			PromptTokens:     gen.PromptEvalCount,
			CompletionTokens: gen.EvalCount,
			TotalTokens:      gen.PromptEvalCount + gen.EvalCount,
		},
		Metadata: map[string]any{
			"backend":        a.name,
			"total_duration": gen.TotalDuration,
		},
	}, nil
}

// GenerateStream performs a streaming generation request, decoding
// newline-delimited JSON chunks until one reports done.
func (a *Adapter) GenerateStream(ctx context.Context, messages []providers.Message, model string, cfg *providers.GenerationConfig, callback providers.StreamCallback) error {
	resp, err := a.post(ctx, a.buildRequest(messages, model, cfg, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return providers.NewModelNotFoundError(a.name, model)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return providers.ClassifyHTTPStatus(a.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk generateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Response != "" {
			if err := callback(chunk.Response); err != nil {
				return fmt.Errorf("stream callback: %w", err)
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return providers.NewTransientError(a.name, "stream interrupted", 0, err)
	}
	return nil
}

// Close releases adapter resources. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		a.authenticated = false
		a.httpClient.CloseIdleConnections()
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, payload *generateRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodePermanent, "failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodePermanent, "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, providers.NewTransientError(a.name, "request failed", 0, err)
	}
	return resp, nil
}

// buildRequest converts the unified request to the wire format. Ollama
// takes a single prompt string, so the conversation is flattened with
// role markers.
func (a *Adapter) buildRequest(messages []providers.Message, model string, cfg *providers.GenerationConfig, stream bool) *generateRequest {
	req := &generateRequest{
		Model:  model,
		Prompt: flattenMessages(messages),
		Stream: stream,
	}
	if cfg == nil {
		return req
	}

	req.Options = &generateOptions{
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	}
	if cfg.MaxTokens > 0 {
		req.Options.NumPredict = cfg.MaxTokens
	} else {
		req.Options.NumPredict = -1
	}
	if len(cfg.StopSequences) > 0 {
		req.Options.Stop = cfg.StopSequences
	}
	return req
}

// flattenMessages renders the conversation as a role-marked prompt,
// ending with an assistant marker unless the last turn is the user's.
func flattenMessages(messages []providers.Message) string {
	parts := make([]string, 0, len(messages)+1)
	for _, m := range messages {
		switch m.Role {
		case providers.RoleSystem:
			parts = append(parts, "System: "+m.Content)
		case providers.RoleUser:
			parts = append(parts, "Human: "+m.Content)
		case providers.RoleAssistant:
			parts = append(parts, "Assistant: "+m.Content)
		}
	}
	if len(parts) == 0 || !strings.HasPrefix(parts[len(parts)-1], "Human:") {
		parts = append(parts, "Assistant:")
	}
	return strings.Join(parts, "\n\n")
}

func isEmbeddingModel(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range embeddingPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// fallbackCatalog lists models commonly installed on Ollama hosts,
// used when the live listing is unavailable.
func fallbackCatalog() []providers.ModelInfo {
	names := []string{"llama2", "mistral", "codellama", "neural-chat", "phi"}
	models := make([]providers.ModelInfo, len(names))
	for i, n := range names {
		models[i] = providers.ModelInfo{
			Name:              n,
			DisplayName:       n,
			Description:       "Common Ollama model (not verified against server)",
			MaxTokens:         4096,
			ContextWindow:     4096,
			SupportsStreaming: true,
		}
	}
	return models
}

// Wire request/response types

type generateRequest struct {
	Model   string           `json:"model"`
	Prompt  string           `json:"prompt"`
	Stream  bool             `json:"stream"`
	Options *generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	NumPredict  int      `json:"num_predict"`
	Stop        []string `json:"stop,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	TotalDuration   int64  `json:"total_duration"`
}

type tagsResponse struct {
	Models []struct {
		Name       string `json:"name"`
		Size       int64  `json:"size"`
		ModifiedAt string `json:"modified_at"`
	} `json:"models"`
}
