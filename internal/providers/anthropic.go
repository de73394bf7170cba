package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentshell/agentshell/internal/backoff"
	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/observability"
	"github.com/agentshell/agentshell/pkg/models"
)

// messagesAPI is the slice of the Anthropic SDK used by the adapter.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type anthropicAdapter struct {
	svc     messagesAPI
	cfg     config.ProviderConfig
	prices  PriceTable
	policy  backoff.Policy
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewAnthropic builds the anthropic adapter. Anthropic has no embedding or
// moderation endpoints; those operations return ErrUnsupportedOperation.
func NewAnthropic(cfg config.ProviderConfig, metrics *observability.Metrics, logger *observability.Logger) Adapter {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &anthropicAdapter{
		svc:     &client.Messages,
		cfg:     cfg,
		prices:  NewPriceTable(cfg.Pricing),
		policy:  policyFromConfig(cfg),
		metrics: metrics,
		logger:  logger,
	}
}

func (p *anthropicAdapter) Name() string         { return "anthropic" }
func (p *anthropicAdapter) DefaultModel() string { return p.cfg.Model }
func (p *anthropicAdapter) Close() error         { return nil }

func (p *anthropicAdapter) Generate(ctx context.Context, msgs []models.Message, model string, opts Options) (Generation, error) {
	if model == "" {
		model = p.cfg.Model
	}

	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	// The Messages API takes the system prompt out of band; chat turns
	// carry only user and assistant roles.
	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case models.RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  turns,
	}
	if len(system) > 0 {
		params.System = system
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = anthropic.Float(opts.TopP)
	}
	if len(opts.Stop) > 0 {
		params.StopSequences = opts.Stop
	}

	var ignored []string
	if opts.Stream {
		ignored = append(ignored, "stream")
	}
	if opts.ResponseFormat == "json" {
		// No structured output mode; the prompt has to carry the JSON
		// instruction instead.
		ignored = append(ignored, "response_format")
	}

	start := time.Now()
	res := backoff.Retry(ctx, p.policy, maxAttempts(p.cfg), IsRetryable,
		func(ctx context.Context) (*anthropic.Message, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
			defer cancel()
			msg, err := p.svc.New(attemptCtx, params)
			if err != nil {
				return nil, p.normalize(model, err)
			}
			return msg, nil
		})

	metrics := CallMetrics{
		Provider:       "anthropic",
		Model:          model,
		LatencyMs:      time.Since(start).Milliseconds(),
		Attempts:       res.Attempts,
		IgnoredOptions: ignored,
	}
	if res.Err != nil {
		p.record(metrics, res.Err)
		return Generation{Metrics: metrics}, res.Err
	}

	msg := res.Value
	metrics.PromptTokens = int(msg.Usage.InputTokens)
	metrics.CompletionTokens = int(msg.Usage.OutputTokens)
	metrics.CostUSD = p.prices.Cost(model, metrics.PromptTokens, metrics.CompletionTokens)
	p.record(metrics, nil)

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return Generation{
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Metrics:      metrics,
	}, nil
}

func (p *anthropicAdapter) Embed(ctx context.Context, inputs []string, model string) (Embedding, error) {
	return Embedding{}, ErrUnsupportedOperation
}

func (p *anthropicAdapter) Moderate(ctx context.Context, input, model string) (Moderation, error) {
	return Moderation{}, ErrUnsupportedOperation
}

func (p *anthropicAdapter) normalize(model string, err error) error {
	pe := NewError("anthropic", model, err)

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return pe.WithStatus(apiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		pe.Kind = KindTimeout
	}
	return pe
}

func (p *anthropicAdapter) record(m CallMetrics, err error) {
	errKind := ""
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			errKind = string(pe.Kind)
		} else {
			errKind = string(KindUnknown)
		}
	}
	p.metrics.RecordLLMRequest(m.Provider, m.Model, float64(m.LatencyMs)/1000, m.PromptTokens, m.CompletionTokens, m.CostUSD, errKind)
}
