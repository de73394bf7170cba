package providers

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentshell/agentshell/internal/backoff"
	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/observability"
	"github.com/agentshell/agentshell/pkg/models"
)

// GroqBaseURL is the OpenAI-compatible endpoint served by Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// chatAPI is the subset of the go-openai client the adapter uses. Narrowed
// for test doubles.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
	Moderations(ctx context.Context, req openai.ModerationRequest) (openai.ModerationResponse, error)
}

// openAICompat serves both the openai and groq adapters: Groq exposes an
// OpenAI-compatible surface, so the only differences are the base URL and
// which optional endpoints exist.
type openAICompat struct {
	name       string
	client     chatAPI
	cfg        config.ProviderConfig
	prices     PriceTable
	policy     backoff.Policy
	moderation bool
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// NewOpenAI builds the openai adapter.
func NewOpenAI(cfg config.ProviderConfig, metrics *observability.Metrics, logger *observability.Logger) Adapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openAICompat{
		name:       "openai",
		client:     openai.NewClientWithConfig(clientCfg),
		cfg:        cfg,
		prices:     NewPriceTable(cfg.Pricing),
		policy:     policyFromConfig(cfg),
		moderation: true,
		metrics:    metrics,
		logger:     logger,
	}
}

// NewGroq builds the groq adapter on the OpenAI-compatible endpoint. Groq
// has no moderation API.
func NewGroq(cfg config.ProviderConfig, metrics *observability.Metrics, logger *observability.Logger) Adapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = GroqBaseURL
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openAICompat{
		name:    "groq",
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		prices:  NewPriceTable(cfg.Pricing),
		policy:  policyFromConfig(cfg),
		metrics: metrics,
		logger:  logger,
	}
}

func policyFromConfig(cfg config.ProviderConfig) backoff.Policy {
	p := backoff.DefaultPolicy
	if cfg.BaseBackoffMs > 0 {
		p.Initial = time.Duration(cfg.BaseBackoffMs) * time.Millisecond
	}
	return p
}

func maxAttempts(cfg config.ProviderConfig) int {
	if cfg.MaxRetries > 0 {
		return cfg.MaxRetries
	}
	return 3
}

func (p *openAICompat) Name() string         { return p.name }
func (p *openAICompat) DefaultModel() string { return p.cfg.Model }
func (p *openAICompat) Close() error         { return nil }

func (p *openAICompat) Generate(ctx context.Context, msgs []models.Message, model string, opts Options) (Generation, error) {
	if model == "" {
		model = p.cfg.Model
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toChatMessages(msgs),
		Temperature: float32(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
		TopP:        float32(opts.TopP),
		Stop:        opts.Stop,
	}
	var ignored []string
	if opts.Stream {
		// Single-shot adapter: completions are consumed whole.
		ignored = append(ignored, "stream")
	}
	if opts.ResponseFormat == "json" {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	res := backoff.Retry(ctx, p.policy, maxAttempts(p.cfg), IsRetryable,
		func(ctx context.Context) (openai.ChatCompletionResponse, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
			defer cancel()
			resp, err := p.client.CreateChatCompletion(attemptCtx, req)
			if err != nil {
				return openai.ChatCompletionResponse{}, p.normalize(model, err)
			}
			return resp, nil
		})

	metrics := CallMetrics{
		Provider:       p.name,
		Model:          model,
		LatencyMs:      time.Since(start).Milliseconds(),
		Attempts:       res.Attempts,
		IgnoredOptions: ignored,
	}
	if res.Err != nil {
		p.record(metrics, res.Err)
		return Generation{Metrics: metrics}, res.Err
	}

	resp := res.Value
	metrics.PromptTokens = resp.Usage.PromptTokens
	metrics.CompletionTokens = resp.Usage.CompletionTokens
	metrics.CostUSD = p.prices.Cost(model, metrics.PromptTokens, metrics.CompletionTokens)
	p.record(metrics, nil)

	gen := Generation{Metrics: metrics}
	if len(resp.Choices) > 0 {
		gen.Content = resp.Choices[0].Message.Content
		gen.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return gen, nil
}

func (p *openAICompat) Embed(ctx context.Context, inputs []string, model string) (Embedding, error) {
	if model == "" {
		model = p.cfg.EmbeddingModel
	}
	if model == "" {
		return Embedding{}, ErrUnsupportedOperation
	}

	start := time.Now()
	res := backoff.Retry(ctx, p.policy, maxAttempts(p.cfg), IsRetryable,
		func(ctx context.Context) (openai.EmbeddingResponse, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
			defer cancel()
			resp, err := p.client.CreateEmbeddings(attemptCtx, openai.EmbeddingRequest{
				Input: inputs,
				Model: openai.EmbeddingModel(model),
			})
			if err != nil {
				return openai.EmbeddingResponse{}, p.normalize(model, err)
			}
			return resp, nil
		})

	metrics := CallMetrics{
		Provider:  p.name,
		Model:     model,
		LatencyMs: time.Since(start).Milliseconds(),
		Attempts:  res.Attempts,
	}
	if res.Err != nil {
		p.record(metrics, res.Err)
		return Embedding{Metrics: metrics}, res.Err
	}

	resp := res.Value
	metrics.PromptTokens = resp.Usage.PromptTokens
	metrics.CostUSD = p.prices.Cost(model, metrics.PromptTokens, 0)
	p.record(metrics, nil)

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return Embedding{Vectors: vectors, Metrics: metrics}, nil
}

func (p *openAICompat) Moderate(ctx context.Context, input, model string) (Moderation, error) {
	if !p.moderation {
		return Moderation{}, ErrUnsupportedOperation
	}
	if model == "" {
		model = openai.ModerationTextStable
	}

	start := time.Now()
	res := backoff.Retry(ctx, p.policy, maxAttempts(p.cfg), IsRetryable,
		func(ctx context.Context) (openai.ModerationResponse, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
			defer cancel()
			resp, err := p.client.Moderations(attemptCtx, openai.ModerationRequest{
				Input: input,
				Model: model,
			})
			if err != nil {
				return openai.ModerationResponse{}, p.normalize(model, err)
			}
			return resp, nil
		})

	metrics := CallMetrics{
		Provider:  p.name,
		Model:     model,
		LatencyMs: time.Since(start).Milliseconds(),
		Attempts:  res.Attempts,
	}
	if res.Err != nil {
		p.record(metrics, res.Err)
		return Moderation{Metrics: metrics}, res.Err
	}

	mod := Moderation{Metrics: metrics, Categories: map[string]bool{}}
	for _, r := range res.Value.Results {
		if r.Flagged {
			mod.Flagged = true
		}
		c := r.Categories
		mod.Categories["hate"] = mod.Categories["hate"] || c.Hate
		mod.Categories["harassment"] = mod.Categories["harassment"] || c.Harassment
		mod.Categories["self-harm"] = mod.Categories["self-harm"] || c.SelfHarm
		mod.Categories["sexual"] = mod.Categories["sexual"] || c.Sexual
		mod.Categories["violence"] = mod.Categories["violence"] || c.Violence
	}
	p.record(metrics, nil)
	return mod, nil
}

// normalize maps go-openai errors onto the shared taxonomy, preferring the
// HTTP status over message sniffing when the SDK surfaced one.
func (p *openAICompat) normalize(model string, err error) error {
	pe := NewError(p.name, model, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe = pe.WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok {
			pe = pe.WithCode(code)
		}
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return pe.WithStatus(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		pe.Kind = KindTimeout
	}
	return pe
}

func (p *openAICompat) record(m CallMetrics, err error) {
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

func toChatMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return out
}
