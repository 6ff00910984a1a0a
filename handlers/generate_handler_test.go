package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NickPittas/NukeAiPanel/services/bridge"
	"github.com/NickPittas/NukeAiPanel/services/providers"
	"github.com/NickPittas/NukeAiPanel/services/registry"
)

type fakeOrchestrator struct {
	doFn       func(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error)
	streamFn   func(ctx context.Context, req *registry.GenerateRequest, callback providers.StreamCallback) error
	streamOpts bridge.StreamOptions
}

func (f *fakeOrchestrator) Do(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error) {
	return f.doFn(ctx, req)
}

func (f *fakeOrchestrator) DoStream(ctx context.Context, req *registry.GenerateRequest, callback providers.StreamCallback, opts bridge.StreamOptions) error {
	f.streamOpts = opts
	return f.streamFn(ctx, req, callback)
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleGenerate(t *testing.T) {
	logger := zap.NewNop()

	t.Run("successful generation", func(t *testing.T) {
		var captured *registry.GenerateRequest
		orch := &fakeOrchestrator{
			doFn: func(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error) {
				captured = req
				return &providers.GenerationResponse{
					Content:      "Hello! How can I help you?",
					Model:        "gpt-4o-mini",
					FinishReason: "stop",
					Usage:        providers.Usage{PromptTokens: 10, CompletionTokens: 8, TotalTokens: 18},
				}, nil
			},
		}
		handler := NewGenerateHandler(orch, logger)

		body, _ := json.Marshal(GenerateRequest{
			Backend:     "openai",
			Model:       "gpt-4",
			Messages:    []ChatMessage{{Role: "user", Content: "Hello"}},
			Temperature: ptr(0.2),
			MaxTokens:   ptrInt(64),
			Stop:        []string{"END"},
		})

		rec := postJSON(t, handler.HandleGenerate, string(body))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp GenerateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Hello! How can I help you?", resp.Content)
		assert.Equal(t, "gpt-4o-mini", resp.Model)
		assert.Equal(t, "stop", resp.FinishReason)
		assert.Equal(t, 18, resp.Usage.TotalTokens)

		require.NotNil(t, captured)
		assert.Equal(t, "openai", captured.Backend)
		assert.Equal(t, "gpt-4", captured.Model)
		require.Len(t, captured.Messages, 1)
		assert.Equal(t, providers.RoleUser, captured.Messages[0].Role)
		require.NotNil(t, captured.Config)
		assert.Equal(t, 0.2, captured.Config.Temperature)
		assert.Equal(t, 64, captured.Config.MaxTokens)
		assert.Equal(t, []string{"END"}, captured.Config.StopSequences)
	})

	t.Run("invalid JSON body", func(t *testing.T) {
		handler := NewGenerateHandler(&fakeOrchestrator{}, logger)
		rec := postJSON(t, handler.HandleGenerate, "{not json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validation failures", func(t *testing.T) {
		handler := NewGenerateHandler(&fakeOrchestrator{}, logger)

		cases := map[string]string{
			"no messages":     `{"messages":[]}`,
			"bad role":        `{"messages":[{"role":"tool","content":"x"}]}`,
			"empty content":   `{"messages":[{"role":"user","content":""}]}`,
			"temperature>2":   `{"messages":[{"role":"user","content":"x"}],"temperature":3}`,
			"max_tokens zero": `{"messages":[{"role":"user","content":"x"}],"max_tokens":0}`,
		}
		for name, body := range cases {
			t.Run(name, func(t *testing.T) {
				rec := postJSON(t, handler.HandleGenerate, body)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
			})
		}
	})

	t.Run("error taxonomy mapping", func(t *testing.T) {
		cases := []struct {
			name       string
			err        error
			wantStatus int
			wantHeader string
		}{
			{"authentication", providers.NewAuthenticationError("openai", "bad key", 401), http.StatusUnauthorized, ""},
			{"model not found", providers.NewModelNotFoundError("openai", "nope"), http.StatusNotFound, ""},
			{"rate limited", providers.NewRateLimitError("openai", "slow down", 2*time.Second), http.StatusTooManyRequests, "2"},
			{"invalid request", providers.NewProviderError("openai", providers.ErrCodeInvalidRequest, "bad prompt", 400, false, nil), http.StatusBadRequest, ""},
			{"deadline", providers.NewProviderError("openai", providers.ErrCodeDeadline, "deadline exceeded", 0, false, context.DeadlineExceeded), http.StatusGatewayTimeout, ""},
			{"bridge closed", bridge.ErrBridgeClosed, http.StatusServiceUnavailable, ""},
			{"backend not found", providers.ErrBackendNotFound, http.StatusNotFound, ""},
			{"backend disabled", providers.ErrBackendDisabled, http.StatusNotFound, ""},
			{"no backend available", providers.ErrNoBackendAvailable, http.StatusServiceUnavailable, ""},
			{"transient", providers.NewTransientError("openai", "upstream hiccup", 500, nil), http.StatusBadGateway, ""},
			{"unknown", errors.New("boom"), http.StatusInternalServerError, ""},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				orch := &fakeOrchestrator{
					doFn: func(context.Context, *registry.GenerateRequest) (*providers.GenerationResponse, error) {
						return nil, tc.err
					},
				}
				handler := NewGenerateHandler(orch, logger)
				rec := postJSON(t, handler.HandleGenerate, `{"messages":[{"role":"user","content":"hi"}]}`)
				assert.Equal(t, tc.wantStatus, rec.Code)
				if tc.wantHeader != "" {
					assert.Equal(t, tc.wantHeader, rec.Header().Get("Retry-After"))
				}
			})
		}
	})
}

func TestHandleGenerateStream(t *testing.T) {
	logger := zap.NewNop()

	t.Run("streams fragments as SSE", func(t *testing.T) {
		orch := &fakeOrchestrator{
			streamFn: func(_ context.Context, req *registry.GenerateRequest, callback providers.StreamCallback) error {
				for _, frag := range []string{"Hel", "lo"} {
					if err := callback(frag); err != nil {
						return err
					}
				}
				return nil
			},
		}
		handler := NewGenerateHandler(orch, logger)

		rec := postJSON(t, handler.HandleGenerateStream, `{"messages":[{"role":"user","content":"hi"}]}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

		body := rec.Body.String()
		assert.Contains(t, body, `data: {"content":"Hel"}`)
		assert.Contains(t, body, `data: {"content":"lo"}`)
		assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
		assert.True(t, orch.streamOpts.Marshal,
			"fragments must be delivered on the handler goroutine")
	})

	t.Run("pre-stream failure maps to taxonomy status", func(t *testing.T) {
		orch := &fakeOrchestrator{
			streamFn: func(context.Context, *registry.GenerateRequest, providers.StreamCallback) error {
				return providers.NewRateLimitError("openai", "slow down", 0)
			},
		}
		handler := NewGenerateHandler(orch, logger)

		rec := postJSON(t, handler.HandleGenerateStream, `{"messages":[{"role":"user","content":"hi"}]}`)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("mid-stream failure ends with error event", func(t *testing.T) {
		orch := &fakeOrchestrator{
			streamFn: func(_ context.Context, _ *registry.GenerateRequest, callback providers.StreamCallback) error {
				if err := callback("partial"); err != nil {
					return err
				}
				return providers.NewTransientError("openai", "connection reset", 0, nil)
			},
		}
		handler := NewGenerateHandler(orch, logger)

		rec := postJSON(t, handler.HandleGenerateStream, `{"messages":[{"role":"user","content":"hi"}]}`)
		require.Equal(t, http.StatusOK, rec.Code)

		body := rec.Body.String()
		assert.Contains(t, body, `data: {"content":"partial"}`)
		assert.Contains(t, body, `"error"`)
		assert.NotContains(t, body, "[DONE]")
	})
}

func ptr(f float64) *float64 { return &f }
func ptrInt(i int) *int      { return &i }
