package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes a normalized provider failure. The kind drives the
// retry decision and is reported in step metrics.
type ErrorKind string

const (
	// KindAuth indicates authentication failure (HTTP 401, 403).
	KindAuth ErrorKind = "ProviderAuthError"

	// KindRateLimit indicates rate limiting (HTTP 429).
	KindRateLimit ErrorKind = "ProviderRateLimitError"

	// KindTimeout indicates a request or context deadline expired.
	KindTimeout ErrorKind = "ProviderTimeoutError"

	// KindAPIError indicates a server-side failure (HTTP 5xx).
	KindAPIError ErrorKind = "ProviderAPIError"

	// KindUnavailable indicates the provider or model cannot serve the
	// request (connection refused, model not found, overloaded).
	KindUnavailable ErrorKind = "ProviderUnavailableError"

	// KindBadRequest indicates a client-side problem (HTTP 400).
	KindBadRequest ErrorKind = "ProviderBadRequestError"

	// KindUnknown indicates an unclassified error.
	KindUnknown ErrorKind = "ProviderUnknownError"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindAPIError, KindUnavailable:
		return true
	default:
		return false
	}
}

// ErrUnsupportedOperation is returned by adapters for operations the
// underlying provider does not offer (e.g. embeddings on anthropic).
var ErrUnsupportedOperation = errors.New("operation not supported by provider")

// Error is a normalized provider failure. The vendor error is preserved in
// Raw for logging; everything the runtime acts on lives in the typed fields.
type Error struct {
	Kind     ErrorKind
	Provider string
	Model    string

	// Status is the HTTP status code, when one was observed.
	Status int

	// Code is the provider-specific error code, when one was reported.
	Code string

	Message string

	// Raw is the underlying vendor error.
	Raw error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Raw != nil {
		parts = append(parts, e.Raw.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Raw }

// Retryable reports whether the error kind warrants another attempt.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// NewError wraps a vendor error, classifying it by message content.
func NewError(provider, model string, cause error) *Error {
	e := &Error{
		Provider: provider,
		Model:    model,
		Raw:      cause,
		Kind:     KindUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Kind = Classify(cause)
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it. The status
// code is authoritative over message sniffing.
func (e *Error) WithStatus(status int) *Error {
	if status != 0 {
		e.Status = status
		e.Kind = classifyStatus(status)
	}
	return e
}

// WithCode records a provider-specific error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// IsRetryable reports whether err, at any level of wrapping, is a retryable
// provider error. Non-provider errors are treated as retryable transport
// faults unless they are context cancellations.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return Classify(err).Retryable()
}

// Classify maps an arbitrary error onto the taxonomy by message content.
// Used when no structured status is available. Cancellation is caller
// intent, not a provider fault, and never classifies as a retryable kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(s, "rate limit"),
		strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"),
		strings.Contains(s, "429"):
		return KindRateLimit
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "invalid api key"),
		strings.Contains(s, "invalid_api_key"),
		strings.Contains(s, "authentication"),
		strings.Contains(s, "permission"):
		return KindAuth
	case strings.Contains(s, "model not found"),
		strings.Contains(s, "model_not_found"),
		strings.Contains(s, "does not exist"),
		strings.Contains(s, "overloaded"),
		strings.Contains(s, "unavailable"),
		strings.Contains(s, "connection refused"):
		return KindUnavailable
	case strings.Contains(s, "invalid request"),
		strings.Contains(s, "invalid_request"),
		strings.Contains(s, "400"):
		return KindBadRequest
	case strings.Contains(s, "internal server"),
		strings.Contains(s, "server error"),
		strings.Contains(s, "500"),
		strings.Contains(s, "502"),
		strings.Contains(s, "503"),
		strings.Contains(s, "504"):
		return KindAPIError
	default:
		return KindUnknown
	}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusNotFound:
		return KindUnavailable
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindBadRequest
	case status >= 500:
		return KindAPIError
	default:
		return KindUnknown
	}
}
