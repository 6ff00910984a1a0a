package providers

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  string
		retryable bool
	}{
		{"unauthorized", 401, ErrCodeAuthentication, false},
		{"forbidden", 403, ErrCodeAuthentication, false},
		{"not found", 404, ErrCodeModelNotFound, false},
		{"throttled", 429, ErrCodeRateLimited, true},
		{"bad request", 400, ErrCodeInvalidRequest, false},
		{"request timeout", 408, ErrCodeTransient, true},
		{"server error", 500, ErrCodeTransient, true},
		{"bad gateway", 502, ErrCodeTransient, true},
		{"teapot", 418, ErrCodePermanent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyHTTPStatus("test", tt.status, "boom")
			if err.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", err.Code, tt.wantCode)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.retryable)
			}
			if err.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", err.StatusCode, tt.status)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors must not be retryable")
	}
	if !IsRetryable(NewTransientError("ollama", "timeout", 0, nil)) {
		t.Error("transient errors must be retryable")
	}
	if IsRetryable(NewAuthenticationError("openai", "bad key", 401)) {
		t.Error("authentication errors must never be retryable")
	}

	// classification must survive wrapping
	wrapped := fmt.Errorf("generate: %w", NewTransientError("openai", "503", 503, nil))
	if !IsRetryable(wrapped) {
		t.Error("wrapped transient error must stay retryable")
	}
}

func TestErrorPredicates(t *testing.T) {
	auth := NewAuthenticationError("openai", "invalid key", 401)
	rl := NewRateLimitError("openai", "slow down", 2*time.Second)
	nf := NewModelNotFoundError("ollama", "llama9")

	if !IsAuthenticationError(auth) || IsAuthenticationError(rl) {
		t.Error("IsAuthenticationError misclassified")
	}
	if !IsRateLimited(rl) || IsRateLimited(nf) {
		t.Error("IsRateLimited misclassified")
	}
	if !IsModelNotFound(nf) || IsModelNotFound(auth) {
		t.Error("IsModelNotFound misclassified")
	}
	if got := RetryAfterHint(rl); got != 2*time.Second {
		t.Errorf("RetryAfterHint = %v, want 2s", got)
	}
	if got := RetryAfterHint(auth); got != 0 {
		t.Errorf("RetryAfterHint on non-rate-limit = %v, want 0", got)
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransientError("ollama", "unreachable", 0, cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
	want := "ollama: unreachable: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
