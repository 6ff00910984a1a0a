package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/NickPittas/NukeAiPanel/services/bridge"
	"github.com/NickPittas/NukeAiPanel/services/providers"
	"github.com/NickPittas/NukeAiPanel/services/registry"
	"github.com/NickPittas/NukeAiPanel/utils"
)

// GenerateRequest is the wire format for generation requests
type GenerateRequest struct {
	Backend     string        `json:"backend,omitempty"`
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int          `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	TopP        *float64      `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	Stop        []string      `json:"stop,omitempty"`
	BypassCache bool          `json:"bypass_cache,omitempty"`
}

// ChatMessage represents a single chat message
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// GenerateResponse is the wire format for generation responses
type GenerateResponse struct {
	RequestID    string          `json:"request_id"`
	Content      string          `json:"content"`
	Model        string          `json:"model"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        providers.Usage `json:"usage"`
	LatencyMs    int64           `json:"latency_ms"`
}

// Orchestrator is the execution surface the handler drives.
type Orchestrator interface {
	Do(ctx context.Context, req *registry.GenerateRequest) (*providers.GenerationResponse, error)
	DoStream(ctx context.Context, req *registry.GenerateRequest, callback providers.StreamCallback, opts bridge.StreamOptions) error
}

// GenerateHandler handles generation HTTP requests
type GenerateHandler struct {
	orchestrator Orchestrator
	validate     *validator.Validate
	logger       *zap.Logger
}

// NewGenerateHandler creates a new GenerateHandler
func NewGenerateHandler(orchestrator Orchestrator, logger *zap.Logger) *GenerateHandler {
	return &GenerateHandler{
		orchestrator: orchestrator,
		validate:     validator.New(),
		logger:       logger,
	}
}

// HandleGenerate handles POST /api/v1/generate
func (h *GenerateHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	req, err := h.decodeRequest(w, r)
	if err != nil {
		return
	}

	start := time.Now()
	resp, err := h.orchestrator.Do(r.Context(), req)
	if err != nil {
		h.writeTaxonomyError(w, requestID, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, GenerateResponse{
		RequestID:    requestID,
		Content:      resp.Content,
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		LatencyMs:    time.Since(start).Milliseconds(),
	})
}

// HandleGenerateStream handles POST /api/v1/generate/stream, emitting
// fragments as server-sent events terminated by [DONE].
func (h *GenerateHandler) HandleGenerateStream(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	req, err := h.decodeRequest(w, r)
	if err != nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.WriteError(w, http.StatusInternalServerError, "streaming unsupported by server", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Marshal keeps fragment delivery on this goroutine; the
	// ResponseWriter must not be touched once the handler returns
	started := false
	streamErr := h.orchestrator.DoStream(r.Context(), req, func(fragment string) error {
		if !started {
			w.WriteHeader(http.StatusOK)
			started = true
		}
		payload, err := json.Marshal(map[string]string{"content": fragment})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, bridge.StreamOptions{Marshal: true})

	if streamErr != nil {
		if !started {
			h.writeTaxonomyError(w, requestID, streamErr)
			return
		}
		// headers are gone; end the stream with an error event
		h.logger.Warn("stream failed mid-flight",
			zap.String("request_id", requestID), zap.Error(streamErr))
		fmt.Fprintf(w, "data: {\"error\":%q}\n\n", streamErr.Error())
		flusher.Flush()
		return
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// decodeRequest parses, validates, and converts the wire request. A
// nil return means the error response was already written.
func (h *GenerateHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (*registry.GenerateRequest, error) {
	var wire GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		utils.WriteBadRequest(w, "invalid JSON body", nil)
		return nil, err
	}
	if err := h.validate.Struct(&wire); err != nil {
		utils.WriteBadRequest(w, "validation failed", validationDetails(err))
		return nil, err
	}

	cfg := providers.DefaultGenerationConfig()
	if wire.Temperature != nil {
		cfg.Temperature = *wire.Temperature
	}
	if wire.MaxTokens != nil {
		cfg.MaxTokens = *wire.MaxTokens
	}
	if wire.TopP != nil {
		cfg.TopP = *wire.TopP
	}
	cfg.StopSequences = wire.Stop

	messages := make([]providers.Message, len(wire.Messages))
	for i, m := range wire.Messages {
		messages[i] = providers.Message{
			Role:      providers.MessageRole(m.Role),
			Content:   m.Content,
			Timestamp: time.Now(),
		}
	}

	return &registry.GenerateRequest{
		Backend:     wire.Backend,
		Model:       wire.Model,
		Messages:    messages,
		Config:      cfg,
		BypassCache: wire.BypassCache,
	}, nil
}

// writeTaxonomyError maps pipeline errors onto HTTP status codes.
func (h *GenerateHandler) writeTaxonomyError(w http.ResponseWriter, requestID string, err error) {
	h.logger.Warn("generation failed",
		zap.String("request_id", requestID), zap.Error(err))

	switch {
	case providers.IsAuthenticationError(err):
		utils.WriteError(w, http.StatusUnauthorized, err.Error(), nil)
	case providers.IsModelNotFound(err):
		utils.WriteError(w, http.StatusNotFound, err.Error(), nil)
	case providers.IsRateLimited(err):
		if hint := providers.RetryAfterHint(err); hint > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(hint.Seconds())))
		}
		utils.WriteError(w, http.StatusTooManyRequests, err.Error(), nil)
	case providers.IsInvalidRequest(err):
		utils.WriteError(w, http.StatusBadRequest, err.Error(), nil)
	case providers.IsDeadlineExceeded(err):
		utils.WriteError(w, http.StatusGatewayTimeout, err.Error(), nil)
	case errors.Is(err, bridge.ErrBridgeClosed):
		utils.WriteError(w, http.StatusServiceUnavailable, err.Error(), nil)
	case errors.Is(err, providers.ErrBackendNotFound),
		errors.Is(err, providers.ErrBackendDisabled):
		utils.WriteError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, providers.ErrNoBackendAvailable):
		utils.WriteError(w, http.StatusServiceUnavailable, err.Error(), nil)
	case providers.IsRetryable(err):
		utils.WriteError(w, http.StatusBadGateway, err.Error(), nil)
	default:
		utils.WriteError(w, http.StatusInternalServerError, err.Error(), nil)
	}
}

func validationDetails(err error) map[string]interface{} {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string]interface{}, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
	}
	return details
}
