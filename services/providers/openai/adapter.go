// Package openai adapts the OpenAI chat completions API to the
// unified provider contract. Retry and rate limiting live in the
// orchestration pipeline; the adapter performs exactly one HTTP
// request per call and classifies failures.
package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NickPittas/NukeAiPanel/config"
	"github.com/NickPittas/NukeAiPanel/services/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter implements the Provider interface for OpenAI-compatible APIs
type Adapter struct {
	name       string
	apiKey     string
	baseURL    string
	headers    map[string]string
	timeout    time.Duration
	httpClient *http.Client
	catalog    []providers.ModelInfo

	mu            sync.RWMutex
	authenticated bool
	closed        bool
}

var _ providers.Provider = (*Adapter)(nil)

// New creates an OpenAI adapter from backend configuration.
func New(cfg *config.BackendConfig) *Adapter {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	// the timeout is applied per request through the context, never as
	// a client-global bound that would also cut off long streams
	return &Adapter{
		name:       cfg.Name,
		apiKey:     cfg.Credential,
		baseURL:    strings.TrimRight(baseURL, "/"),
		headers:    cfg.ExtraHeaders,
		timeout:    timeout,
		httpClient: &http.Client{},
		catalog:    defaultCatalog(),
	}
}

// requestContext bounds a non-streaming call by the configured timeout
// on top of whatever deadline the caller already carries.
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

// Authenticate verifies the API key by listing models. The result is
// cached; a missing key fails without touching the network.
func (a *Adapter) Authenticate(ctx context.Context) error {
	if a.apiKey == "" {
		return providers.NewAuthenticationError(a.name, "no API key configured", 0)
	}

	ctx, cancel := a.requestContext(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return providers.NewProviderError(a.name, providers.ErrCodePermanent, "failed to create request", 0, false, err)
	}
	a.setHeaders(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return providers.NewTransientError(a.name, "backend unreachable", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return a.handleErrorResponse(resp, body)
	}

	a.mu.Lock()
	a.authenticated = true
	a.mu.Unlock()
	return nil
}

// IsAuthenticated reports the cached authentication state
func (a *Adapter) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authenticated
}

// ListModels returns the static catalog narrowed to models the live
// listing confirms, falling back to the full catalog when the listing
// is unavailable.
func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	if !a.IsAuthenticated() {
		return nil, providers.NewAuthenticationError(a.name, "not authenticated", 0)
	}

	ctx, cancel := a.requestContext(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodePermanent, "failed to create request", 0, false, err)
	}
	a.setHeaders(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return a.catalog, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.catalog, nil
	}

	var listing modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return a.catalog, nil
	}

	live := make(map[string]bool, len(listing.Data))
	for _, m := range listing.Data {
		live[m.ID] = true
	}

	models := make([]providers.ModelInfo, 0, len(a.catalog))
	for _, m := range a.catalog {
		if live[m.Name] {
			models = append(models, m)
		}
	}
	if len(models) == 0 {
		return a.catalog, nil
	}
	return models, nil
}

// Generate performs a blocking chat completion request
func (a *Adapter) Generate(ctx context.Context, messages []providers.Message, model string, cfg *providers.GenerationConfig) (*providers.GenerationResponse, error) {
	ctx, cancel := a.requestContext(ctx)
	defer cancel()

	body, err := json.Marshal(a.buildRequest(messages, model, cfg, false))
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodePermanent, "failed to marshal request", 0, false, err)
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.NewTransientError(a.name, "failed to read response", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.handleErrorResponse(resp, respBody)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodePermanent, "failed to unmarshal response", resp.StatusCode, false, err)
	}
	if len(chat.Choices) == 0 {
		return nil, providers.NewProviderError(a.name, providers.ErrCodePermanent, "response contained no choices", resp.StatusCode, false, nil)
	}

	choice := chat.Choices[0]
	return &providers.GenerationResponse{
		Content:      choice.Message.Content,
		Model:        chat.Model,
		FinishReason: choice.FinishReason,
		Usage: providers.Usage{
			PromptTokens:     chat.Usage.PromptTokens,
			CompletionTokens: chat.Usage.CompletionTokens,
			TotalTokens:      chat.Usage.TotalTokens,
		},
		Metadata: map[string]any{
			"backend":     a.name,
			"response_id": chat.ID,
		},
	}, nil
}

// GenerateStream performs a streaming chat completion request,
// parsing the SSE body line by line.
func (a *Adapter) GenerateStream(ctx context.Context, messages []providers.Message, model string, cfg *providers.GenerationConfig, callback providers.StreamCallback) error {
	body, err := json.Marshal(a.buildRequest(messages, model, cfg, true))
	if err != nil {
		return providers.NewProviderError(a.name, providers.ErrCodePermanent, "failed to marshal request", 0, false, err)
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return a.handleErrorResponse(resp, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := callback(delta); err != nil {
				return fmt.Errorf("stream callback: %w", err)
			}
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

func (a *Adapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", strings.NewReader(string(body)))
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.ErrCodePermanent, "failed to create request", 0, false, err)
	}
	a.setHeaders(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, providers.NewTransientError(a.name, "request failed", 0, err)
	}
	return resp, nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
}

// buildRequest converts the unified request to the wire format
func (a *Adapter) buildRequest(messages []providers.Message, model string, cfg *providers.GenerationConfig, stream bool) *chatRequest {
	req := &chatRequest{
		Model:    model,
		Messages: make([]chatMessage, len(messages)),
		Stream:   stream,
	}
	for i, msg := range messages {
		req.Messages[i] = chatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	if cfg == nil {
		return req
	}
	if cfg.MaxTokens > 0 {
		req.MaxTokens = &cfg.MaxTokens
	}
	if cfg.Temperature > 0 {
		req.Temperature = &cfg.Temperature
	}
	if cfg.TopP > 0 {
		req.TopP = &cfg.TopP
	}
	if len(cfg.StopSequences) > 0 {
		req.Stop = cfg.StopSequences
	}
	if cfg.FrequencyPenalty != 0 {
		req.FrequencyPenalty = &cfg.FrequencyPenalty
	}
	if cfg.PresencePenalty != 0 {
		req.PresencePenalty = &cfg.PresencePenalty
	}
	return req
}

// handleErrorResponse converts a non-200 response into a typed error,
// preferring the message from the error body when present.
func (a *Adapter) handleErrorResponse(resp *http.Response, body []byte) error {
	message := strings.TrimSpace(string(body))
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	perr := providers.ClassifyHTTPStatus(a.name, resp.StatusCode, message)
	if perr.Code == providers.ErrCodeRateLimited {
		perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return perr
}

// parseRetryAfter reads the header's seconds form; the HTTP-date form
// is rare on these APIs and is ignored.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// defaultCatalog declares the supported models and their capabilities
func defaultCatalog() []providers.ModelInfo {
	return []providers.ModelInfo{
		{
			Name:              "gpt-4o",
			DisplayName:       "GPT-4o",
			Description:       "Optimized GPT-4 model",
			MaxTokens:         4096,
			ContextWindow:     128000,
			SupportsStreaming: true,
			SupportsFunctions: true,
		},
		{
			Name:              "gpt-4o-mini",
			DisplayName:       "GPT-4o Mini",
			Description:       "Smaller, faster GPT-4o model",
			MaxTokens:         16384,
			ContextWindow:     128000,
			SupportsStreaming: true,
			SupportsFunctions: true,
		},
		{
			Name:              "gpt-4-turbo",
			DisplayName:       "GPT-4 Turbo",
			Description:       "GPT-4 Turbo with a large context window",
			MaxTokens:         4096,
			ContextWindow:     128000,
			SupportsStreaming: true,
			SupportsFunctions: true,
		},
		{
			Name:              "gpt-4",
			DisplayName:       "GPT-4",
			Description:       "Most capable GPT-4 model",
			MaxTokens:         8192,
			ContextWindow:     8192,
			SupportsStreaming: true,
			SupportsFunctions: true,
		},
		{
			Name:              "gpt-3.5-turbo",
			DisplayName:       "GPT-3.5 Turbo",
			Description:       "Fast and efficient model",
			MaxTokens:         4096,
			ContextWindow:     16385,
			SupportsStreaming: true,
			SupportsFunctions: true,
		},
	}
}

// Wire request/response types

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}
