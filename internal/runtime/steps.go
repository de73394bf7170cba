package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentshell/agentshell/internal/backoff"
	"github.com/agentshell/agentshell/internal/bus"
	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/observability"
	"github.com/agentshell/agentshell/internal/personality"
	"github.com/agentshell/agentshell/internal/providers"
	"github.com/agentshell/agentshell/internal/turns"
	"github.com/agentshell/agentshell/pkg/models"
)

// StepProcessor executes plan steps. Step events for one turn may arrive in
// any order and all at once; a per-turn sequencer admits them strictly by
// step index, and a process-wide semaphore bounds concurrent executions
// across turns.
type StepProcessor struct {
	cfg             config.CoreRuntimeConfig
	defaultProvider string

	bus     *bus.Bus
	store   *turns.ContextManager
	packs   *personality.Manager
	factory *providers.Factory
	logger  *observability.Logger
	metrics *observability.Metrics

	sem chan struct{}

	seqMu sync.Mutex
	seqs  map[string]*sequencer
}

// NewStepProcessor wires a step processor.
func NewStepProcessor(cfg config.CoreRuntimeConfig, defaultProvider string, b *bus.Bus, store *turns.ContextManager, packs *personality.Manager, factory *providers.Factory, logger *observability.Logger, metrics *observability.Metrics) *StepProcessor {
	maxConcurrent := cfg.MaxConcurrentSteps
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &StepProcessor{
		cfg:             cfg,
		defaultProvider: defaultProvider,
		bus:             b,
		store:           store,
		packs:           packs,
		factory:         factory,
		logger:          logger,
		metrics:         metrics,
		sem:             make(chan struct{}, maxConcurrent),
		seqs:            make(map[string]*sequencer),
	}
}

// sequencer admits step executions for one turn strictly in index order.
type sequencer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    int
	aborted bool
}

func newSequencer() *sequencer {
	s := &sequencer{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// wait blocks until index is next or the sequencer aborts. Reports whether
// the caller may run.
func (s *sequencer) wait(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.next != index && !s.aborted {
		s.cond.Wait()
	}
	return !s.aborted
}

// advance admits the next index.
func (s *sequencer) advance() {
	s.mu.Lock()
	s.next++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// abort releases all waiters; they drop their steps.
func (s *sequencer) abort() {
	s.mu.Lock()
	s.aborted = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (p *StepProcessor) seq(turnID string) *sequencer {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	s, ok := p.seqs[turnID]
	if !ok {
		s = newSequencer()
		p.seqs[turnID] = s
	}
	return s
}

// HandleTurnTerminal releases any step handlers still queued for a finished
// turn. Subscribed to turn.completed and turn.failed.
func (p *StepProcessor) HandleTurnTerminal(ctx context.Context, env models.Envelope) error {
	p.seqMu.Lock()
	s, ok := p.seqs[env.TurnID]
	delete(p.seqs, env.TurnID)
	p.seqMu.Unlock()
	if ok {
		s.abort()
	}
	return nil
}

// HandleStepExecute is the step.execute handler.
func (p *StepProcessor) HandleStepExecute(ctx context.Context, env models.Envelope) error {
	payload, ok := env.Payload.(models.StepExecutePayload)
	if !ok {
		return fmt.Errorf("step.execute envelope %s has payload %T", env.EventID, env.Payload)
	}
	step := payload.Step
	ctx = observability.AddTraceID(ctx, env.TraceID)
	ctx = observability.AddTurnID(ctx, step.TurnID)

	turn := p.store.GetTurn(step.TurnID)
	if turn == nil || turn.Status.Terminal() {
		return nil
	}

	// Admission by index; all step events were published up front.
	if !p.seq(step.TurnID).wait(step.StepIndex) {
		return nil
	}
	// Re-check after the wait: the turn may have gone terminal while this
	// step was queued behind its predecessors.
	turn = p.store.GetTurn(step.TurnID)
	if turn == nil || turn.Status.Terminal() {
		return nil
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	p.markRunning(step)

	result, metrics, stepErr := p.executeWithRetry(ctx, payload.PersonalityID, step)

	status := models.StepSucceeded
	var stepError *models.StepError
	if stepErr != nil {
		status = models.StepFailed
		kind := errorKind(step.StepType, stepErr)
		stepError = &models.StepError{Kind: kind, Detail: stepErr.Error()}
		metrics.ErrorKind = kind
		p.logger.Warn(ctx, "step failed",
			"step_index", step.StepIndex, "step_type", string(step.StepType),
			"error_kind", kind, "error", stepErr)
	} else {
		p.logger.Debug(ctx, "step succeeded",
			"step_index", step.StepIndex, "step_type", string(step.StepType))
	}

	// Let the successor in before the aggregator runs; ordering only
	// requires that this step's work is done. Under fail fast a failure
	// aborts the sequencer instead, so the successor can never start
	// ahead of the terminal transition.
	if stepErr != nil && p.cfg.FailFast {
		p.seq(step.TurnID).abort()
	} else {
		p.seq(step.TurnID).advance()
	}

	resultEnv := models.NewEnvelope(models.EventStepResult, env.TraceID, step.TurnID)
	resultEnv.PlanID = step.PlanID
	resultEnv.StepID = step.StepID
	resultEnv.Payload = models.StepResultPayload{
		TurnID:    step.TurnID,
		PlanID:    step.PlanID,
		StepID:    step.StepID,
		StepIndex: step.StepIndex,
		StepType:  step.StepType,
		Status:    status,
		Result:    result,
		Error:     stepError,
		Metrics:   metrics,
	}
	p.bus.Publish(ctx, resultEnv)
	return nil
}

// markRunning records the RUNNING transition; best-effort, the result merge
// is the authoritative write.
func (p *StepProcessor) markRunning(step models.Step) {
	_, _ = p.store.UpdateTurn(step.TurnID, func(t *models.Turn) error {
		if t.Status.Terminal() || t.Plan == nil || step.StepIndex >= len(t.Plan.Steps) {
			return errAlreadyTerminal
		}
		if t.Plan.Steps[step.StepIndex].Status == models.StepPending {
			t.Plan.Steps[step.StepIndex].Status = models.StepRunning
		}
		return nil
	})
}

// executeWithRetry dispatches the step with a per-step timeout, retrying
// retryable failures up to max_step_execution_retries extra attempts.
func (p *StepProcessor) executeWithRetry(ctx context.Context, personalityID string, step models.Step) (any, *models.StepMetrics, error) {
	attempts := p.cfg.MaxStepExecutionRetries
	if attempts < 1 {
		attempts = 1
	}

	start := time.Now()
	type outcome struct {
		result  any
		metrics *models.StepMetrics
	}
	res := backoff.Retry(ctx, backoff.DefaultPolicy, attempts, providers.IsRetryable,
		func(ctx context.Context) (outcome, error) {
			stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout())
			defer cancel()
			result, metrics, err := p.dispatch(stepCtx, personalityID, step)
			return outcome{result: result, metrics: metrics}, err
		})

	metrics := res.Value.metrics
	if metrics == nil {
		metrics = &models.StepMetrics{}
	}
	metrics.LatencyMs = float64(time.Since(start).Milliseconds())
	metrics.Attempts = res.Attempts
	return res.Value.result, metrics, res.Err
}

// dispatch runs one attempt of the step by type.
func (p *StepProcessor) dispatch(ctx context.Context, personalityID string, step models.Step) (any, *models.StepMetrics, error) {
	switch step.StepType {
	case models.StepLLMCall:
		return p.runLLMCall(ctx, personalityID, step)
	case models.StepToolCall:
		return p.runToolCall(ctx, personalityID, step)
	case models.StepMemoryOp:
		return p.runMemoryOp(ctx, step)
	default:
		return nil, nil, fmt.Errorf("unknown step type %q", step.StepType)
	}
}

func (p *StepProcessor) runLLMCall(ctx context.Context, personalityID string, step models.Step) (any, *models.StepMetrics, error) {
	prompt, _ := step.Parameters["prompt"].(string)
	if prompt == "" {
		return nil, nil, errors.New("LLM_CALL requires a prompt parameter")
	}

	inst := p.packs.Get(personalityID)
	providerName := p.defaultProvider
	model := ""
	var messages []models.Message
	if inst != nil {
		if inst.DefaultProvider != "" {
			providerName = inst.DefaultProvider
		}
		model = inst.DefaultModel
		if inst.SystemPrompt != "" {
			messages = append(messages, models.Message{Role: models.RoleSystem, Content: inst.SystemPrompt})
		}
	}
	if override, ok := step.Parameters["provider"].(string); ok && override != "" {
		providerName = override
	}
	if override, ok := step.Parameters["model"].(string); ok && override != "" {
		model = override
	}
	messages = append(messages, models.Message{Role: models.RoleUser, Content: prompt})

	adapter, err := p.factory.Get(providerName)
	if err != nil {
		return nil, nil, err
	}

	opts := llmOptions(step.Parameters)
	gen, err := adapter.Generate(ctx, messages, model, opts)
	metrics := &models.StepMetrics{
		PromptTokens:     gen.Metrics.PromptTokens,
		CompletionTokens: gen.Metrics.CompletionTokens,
		CostUSD:          gen.Metrics.CostUSD,
		Provider:         gen.Metrics.Provider,
		Model:            gen.Metrics.Model,
	}
	if err != nil {
		return nil, metrics, err
	}
	return gen.Content, metrics, nil
}

// llmOptions reads the uniform options map from step parameters.
func llmOptions(params map[string]any) providers.Options {
	var opts providers.Options
	raw, ok := params["options"].(map[string]any)
	if !ok {
		return opts
	}
	if v, ok := raw["temperature"].(float64); ok {
		opts.Temperature = v
	}
	if v, ok := raw["max_tokens"].(float64); ok {
		opts.MaxTokens = int(v)
	}
	if v, ok := raw["top_p"].(float64); ok {
		opts.TopP = v
	}
	if v, ok := raw["response_format"].(string); ok {
		opts.ResponseFormat = v
	}
	if v, ok := raw["stop"].([]any); ok {
		for _, s := range v {
			if str, ok := s.(string); ok {
				opts.Stop = append(opts.Stop, str)
			}
		}
	}
	return opts
}

func (p *StepProcessor) runToolCall(ctx context.Context, personalityID string, step models.Step) (any, *models.StepMetrics, error) {
	toolName, _ := step.Parameters["tool_name"].(string)
	if toolName == "" {
		return nil, nil, errors.New("TOOL_CALL requires a tool_name parameter")
	}
	args, _ := step.Parameters["arguments"].(map[string]any)

	result, tm, err := p.packs.ExecuteTool(ctx, personalityID, toolName, args)
	metrics := &models.StepMetrics{LatencyMs: float64(tm.LatencyMs)}
	if err != nil {
		return nil, metrics, err
	}
	return result, metrics, nil
}

func (p *StepProcessor) runMemoryOp(ctx context.Context, step models.Step) (any, *models.StepMetrics, error) {
	mm := p.store.MemoryManager()
	if mm == nil {
		return nil, nil, errors.New("memory is not configured")
	}
	operation, _ := step.Parameters["operation"].(string)
	payload, _ := step.Parameters["payload"].(map[string]any)

	switch operation {
	case "search":
		query, _ := payload["query"].(string)
		if query == "" {
			return nil, nil, errors.New("memory search requires payload.query")
		}
		limit := 5
		if v, ok := payload["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
		filter, _ := payload["filter"].(map[string]any)
		return mm.Search(ctx, query, limit, filter), &models.StepMetrics{}, nil
	case "retrieve":
		id, _ := payload["id"].(string)
		if id == "" {
			return nil, nil, errors.New("memory retrieve requires payload.id")
		}
		rec, err := mm.Retrieve(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return rec, &models.StepMetrics{}, nil
	case "store":
		text, _ := payload["text"].(string)
		metadata, _ := payload["metadata"].(map[string]any)
		id, err := mm.Store(ctx, text, metadata)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"id": id}, &models.StepMetrics{}, nil
	case "delete":
		id, _ := payload["id"].(string)
		if id == "" {
			return nil, nil, errors.New("memory delete requires payload.id")
		}
		if err := mm.Delete(ctx, id); err != nil {
			return nil, nil, err
		}
		return map[string]any{"deleted": id}, &models.StepMetrics{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown memory operation %q", operation)
	}
}

// errorKind normalizes a step failure for reporting and retry accounting.
func errorKind(stepType models.StepType, err error) string {
	var pe *providers.Error
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStepTimeout
	}
	switch stepType {
	case models.StepToolCall:
		return KindToolExecution
	case models.StepMemoryOp:
		return KindMemoryOp
	case models.StepLLMCall:
		return KindValidation
	default:
		return KindUnknownStepType
	}
}
