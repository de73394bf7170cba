package providers

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentshell/agentshell/internal/backoff"
	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/observability"
	"github.com/agentshell/agentshell/pkg/models"
)

type fakeChatAPI struct {
	chatCalls  int
	chatErrs   []error
	chatResp   openai.ChatCompletionResponse
	lastReq    openai.ChatCompletionRequest
	embedResp  openai.EmbeddingResponse
	embedErr   error
	modResp    openai.ModerationResponse
	modErr     error
	embedCalls int
}

func (f *fakeChatAPI) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	f.chatCalls++
	if len(f.chatErrs) > 0 {
		err := f.chatErrs[0]
		f.chatErrs = f.chatErrs[1:]
		if err != nil {
			return openai.ChatCompletionResponse{}, err
		}
	}
	return f.chatResp, nil
}

func (f *fakeChatAPI) CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.embedCalls++
	if f.embedErr != nil {
		return openai.EmbeddingResponse{}, f.embedErr
	}
	return f.embedResp, nil
}

func (f *fakeChatAPI) Moderations(ctx context.Context, req openai.ModerationRequest) (openai.ModerationResponse, error) {
	if f.modErr != nil {
		return openai.ModerationResponse{}, f.modErr
	}
	return f.modResp, nil
}

func testAdapter(fake *fakeChatAPI, cfg config.ProviderConfig) *openAICompat {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &openAICompat{
		name:       "openai",
		client:     fake,
		cfg:        cfg,
		prices:     NewPriceTable(cfg.Pricing),
		policy:     backoff.Policy{Initial: 1, Max: 1, Factor: 1, Jitter: 0},
		moderation: true,
		logger:     observability.NewNopLogger(),
	}
}

func TestGenerateMapsResponse(t *testing.T) {
	fake := &fakeChatAPI{
		chatResp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Content: "hello there"},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 5},
		},
	}
	p := testAdapter(fake, config.ProviderConfig{
		Pricing: map[string]config.ModelPricing{
			"gpt-4o-mini": {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		},
	})

	gen, err := p.Generate(context.Background(), []models.Message{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "hi"},
	}, "", Options{Temperature: 0.2})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.Content != "hello there" {
		t.Errorf("Content = %q", gen.Content)
	}
	if gen.FinishReason != "stop" {
		t.Errorf("FinishReason = %q", gen.FinishReason)
	}
	if gen.Metrics.PromptTokens != 12 || gen.Metrics.CompletionTokens != 5 {
		t.Errorf("token metrics = %+v", gen.Metrics)
	}
	wantCost := 12*0.15/1e6 + 5*0.60/1e6
	if diff := gen.Metrics.CostUSD - wantCost; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("CostUSD = %v, want %v", gen.Metrics.CostUSD, wantCost)
	}
	if fake.lastReq.Model != "gpt-4o-mini" {
		t.Errorf("default model not applied: %q", fake.lastReq.Model)
	}
	if len(fake.lastReq.Messages) != 2 || fake.lastReq.Messages[0].Role != "system" {
		t.Errorf("messages not converted: %+v", fake.lastReq.Messages)
	}
}

func TestGenerateJSONResponseFormat(t *testing.T) {
	fake := &fakeChatAPI{chatResp: openai.ChatCompletionResponse{}}
	p := testAdapter(fake, config.ProviderConfig{})

	_, err := p.Generate(context.Background(), []models.Message{{Role: models.RoleUser, Content: "x"}}, "", Options{ResponseFormat: "json"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if fake.lastReq.ResponseFormat == nil || fake.lastReq.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Error("json response format not requested")
	}
}

func TestGenerateRetriesTransientThenSucceeds(t *testing.T) {
	transient := NewError("openai", "gpt-4o-mini", errors.New("x")).WithStatus(429)
	fake := &fakeChatAPI{
		chatErrs: []error{transient, transient},
		chatResp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "ok"}}},
		},
	}
	p := testAdapter(fake, config.ProviderConfig{MaxRetries: 5})

	gen, err := p.Generate(context.Background(), []models.Message{{Role: models.RoleUser, Content: "x"}}, "", Options{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if fake.chatCalls != 3 {
		t.Errorf("calls = %d, want 3", fake.chatCalls)
	}
	if gen.Metrics.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", gen.Metrics.Attempts)
	}
}

func TestGenerateDoesNotRetryAuthErrors(t *testing.T) {
	authErr := &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}
	fake := &fakeChatAPI{chatErrs: []error{authErr, authErr, authErr}}
	p := testAdapter(fake, config.ProviderConfig{MaxRetries: 5})

	_, err := p.Generate(context.Background(), []models.Message{{Role: models.RoleUser, Content: "x"}}, "", Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if fake.chatCalls != 1 {
		t.Errorf("auth error retried: %d calls", fake.chatCalls)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindAuth {
		t.Errorf("err = %v, want normalized auth error", err)
	}
}

func TestGenerateStreamOptionIgnored(t *testing.T) {
	fake := &fakeChatAPI{chatResp: openai.ChatCompletionResponse{}}
	p := testAdapter(fake, config.ProviderConfig{})

	gen, err := p.Generate(context.Background(), []models.Message{{Role: models.RoleUser, Content: "x"}}, "", Options{Stream: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(gen.Metrics.IgnoredOptions) != 1 || gen.Metrics.IgnoredOptions[0] != "stream" {
		t.Errorf("IgnoredOptions = %v", gen.Metrics.IgnoredOptions)
	}
}

func TestEmbedReturnsVectorsInInputOrder(t *testing.T) {
	fake := &fakeChatAPI{
		embedResp: openai.EmbeddingResponse{
			Data: []openai.Embedding{
				{Index: 1, Embedding: []float32{0.3, 0.4}},
				{Index: 0, Embedding: []float32{0.1, 0.2}},
			},
			Usage: openai.Usage{PromptTokens: 8},
		},
	}
	p := testAdapter(fake, config.ProviderConfig{EmbeddingModel: "text-embedding-3-small"})

	emb, err := p.Embed(context.Background(), []string{"a", "b"}, "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(emb.Vectors) != 2 {
		t.Fatalf("got %d vectors", len(emb.Vectors))
	}
	if emb.Vectors[0][0] != 0.1 || emb.Vectors[1][0] != 0.3 {
		t.Errorf("vectors not reordered by index: %v", emb.Vectors)
	}
	if emb.Metrics.PromptTokens != 8 {
		t.Errorf("PromptTokens = %d", emb.Metrics.PromptTokens)
	}
}

func TestEmbedWithoutModelUnsupported(t *testing.T) {
	p := testAdapter(&fakeChatAPI{}, config.ProviderConfig{})
	_, err := p.Embed(context.Background(), []string{"a"}, "")
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("err = %v, want ErrUnsupportedOperation", err)
	}
}

func TestModerateAggregatesResults(t *testing.T) {
	fake := &fakeChatAPI{
		modResp: openai.ModerationResponse{
			Results: []openai.Result{{
				Flagged:    true,
				Categories: openai.ResultCategories{Violence: true},
			}},
		},
	}
	p := testAdapter(fake, config.ProviderConfig{})

	mod, err := p.Moderate(context.Background(), "bad text", "")
	if err != nil {
		t.Fatalf("Moderate: %v", err)
	}
	if !mod.Flagged || !mod.Categories["violence"] {
		t.Errorf("moderation = %+v", mod)
	}
}

func TestGroqHasNoModeration(t *testing.T) {
	p := testAdapter(&fakeChatAPI{}, config.ProviderConfig{})
	p.name = "groq"
	p.moderation = false

	_, err := p.Moderate(context.Background(), "x", "")
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("err = %v, want ErrUnsupportedOperation", err)
	}
}
