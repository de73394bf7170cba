package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"timeout", errors.New("request timeout after 30s"), KindTimeout},
		{"deadline", errors.New("context deadline exceeded"), KindTimeout},
		{"rate limit", errors.New("rate limit exceeded, retry later"), KindRateLimit},
		{"too many requests", errors.New("429 Too Many Requests"), KindRateLimit},
		{"auth", errors.New("invalid api key provided"), KindAuth},
		{"unauthorized", errors.New("unauthorized: check credentials"), KindAuth},
		{"overloaded", errors.New("model overloaded"), KindUnavailable},
		{"model missing", errors.New("model not found: gpt-9"), KindUnavailable},
		{"bad request", errors.New("invalid request: missing messages"), KindBadRequest},
		{"server", errors.New("internal server error"), KindAPIError},
		{"unknown", errors.New("something odd"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{429, KindRateLimit},
		{408, KindTimeout},
		{504, KindTimeout},
		{404, KindUnavailable},
		{400, KindBadRequest},
		{422, KindBadRequest},
		{500, KindAPIError},
		{503, KindAPIError},
		{200, KindUnknown},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRetryableKinds(t *testing.T) {
	retryable := []ErrorKind{KindRateLimit, KindTimeout, KindAPIError, KindUnavailable}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%v should be retryable", k)
		}
	}
	permanent := []ErrorKind{KindAuth, KindBadRequest, KindUnknown}
	for _, k := range permanent {
		if k.Retryable() {
			t.Errorf("%v should not be retryable", k)
		}
	}
}

func TestErrorMessagePreservesDetail(t *testing.T) {
	cause := errors.New("upstream exploded")
	err := NewError("openai", "gpt-4o", cause).WithStatus(500).WithCode("server_error")

	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
	msg := err.Error()
	for _, want := range []string{"ProviderAPIError", "openai", "model=gpt-4o", "status=500", "code=server_error"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestStatusOverridesMessageClassification(t *testing.T) {
	// Message sniffing says rate limit, status says auth: status wins.
	err := NewError("groq", "llama-3.3-70b", errors.New("rate limit")).WithStatus(401)
	if err.Kind != KindAuth {
		t.Errorf("Kind = %v, want %v", err.Kind, KindAuth)
	}
}

func TestIsRetryable(t *testing.T) {
	auth := NewError("openai", "gpt-4o", errors.New("x")).WithStatus(401)
	if IsRetryable(auth) {
		t.Error("auth error must not be retryable")
	}
	rate := NewError("openai", "gpt-4o", errors.New("x")).WithStatus(429)
	if !IsRetryable(rate) {
		t.Error("rate limit error must be retryable")
	}
	wrapped := fmt.Errorf("call failed: %w", rate)
	if !IsRetryable(wrapped) {
		t.Error("wrapping must not hide retryability")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestCancellationIsNotRetryable(t *testing.T) {
	if got := Classify(context.Canceled); got.Retryable() {
		t.Errorf("Classify(context.Canceled) = %v, a retryable kind", got)
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation must not be retryable")
	}
	wrapped := fmt.Errorf("call failed: %w", context.Canceled)
	if IsRetryable(wrapped) {
		t.Error("wrapped cancellation must not be retryable")
	}
	// Deadline expiry is a transient fault and stays retryable.
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded must stay retryable")
	}
}
