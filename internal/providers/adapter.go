// Package providers normalizes LLM vendors behind a single Adapter contract
// with uniform options, a shared error taxonomy, and per-call cost
// accounting.
package providers

import (
	"context"

	"github.com/agentshell/agentshell/pkg/models"
)

// Options are the generation knobs recognized uniformly across adapters.
// An adapter ignores options the vendor cannot honor and records the
// ignored names in the call metrics.
type Options struct {
	Temperature    float64
	MaxTokens      int
	TopP           float64
	Stop           []string
	Stream         bool
	ResponseFormat string // "text" (default) or "json"
}

// CallMetrics describes one provider call for metrics and step accounting.
type CallMetrics struct {
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	LatencyMs        int64
	Attempts         int

	// IgnoredOptions lists requested options the vendor could not honor.
	IgnoredOptions []string
}

// Generation is the result of one Generate call.
type Generation struct {
	Content      string
	FinishReason string
	Metrics      CallMetrics
}

// Embedding is the result of one Embed call.
type Embedding struct {
	Vectors [][]float32
	Metrics CallMetrics
}

// Moderation is the result of one Moderate call.
type Moderation struct {
	Flagged    bool
	Categories map[string]bool
	Metrics    CallMetrics
}

// Adapter is the uniform provider contract. All calls are synchronous and
// honor context cancellation; retries for transient failures happen inside
// the adapter per its configured policy.
type Adapter interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// DefaultModel returns the configured model used when a call does not
	// name one.
	DefaultModel() string

	// Generate produces a completion for the conversation. model may be
	// empty to use the adapter default.
	Generate(ctx context.Context, messages []models.Message, model string, opts Options) (Generation, error)

	// Embed produces one vector per input. Returns ErrUnsupportedOperation
	// when the vendor has no embedding endpoint.
	Embed(ctx context.Context, inputs []string, model string) (Embedding, error)

	// Moderate classifies input against the vendor's safety taxonomy.
	// Returns ErrUnsupportedOperation when unsupported.
	Moderate(ctx context.Context, input, model string) (Moderation, error)

	// Close releases adapter resources.
	Close() error
}
