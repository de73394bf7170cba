package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentshell/agentshell/internal/bus"
	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/observability"
	"github.com/agentshell/agentshell/internal/personality"
	"github.com/agentshell/agentshell/internal/providers"
	"github.com/agentshell/agentshell/internal/turns"
	"github.com/agentshell/agentshell/pkg/models"
)

// scriptedAdapter replays canned generations in call order. The last reply
// repeats when calls outnumber replies.
type scriptedAdapter struct {
	mu      sync.Mutex
	replies []scriptedReply
	prompts []string
	delay   time.Duration
}

type scriptedReply struct {
	content string
	err     error
}

func (a *scriptedAdapter) Name() string         { return "test" }
func (a *scriptedAdapter) DefaultModel() string { return "test-model" }
func (a *scriptedAdapter) Close() error         { return nil }

func (a *scriptedAdapter) Generate(ctx context.Context, msgs []models.Message, model string, opts providers.Options) (providers.Generation, error) {
	a.mu.Lock()
	idx := len(a.prompts)
	lastUser := ""
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			lastUser = m.Content
		}
	}
	a.prompts = append(a.prompts, lastUser)
	if idx >= len(a.replies) {
		idx = len(a.replies) - 1
	}
	reply := a.replies[idx]
	delay := a.delay
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return providers.Generation{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if reply.err != nil {
		return providers.Generation{}, reply.err
	}
	return providers.Generation{
		Content:      reply.content,
		FinishReason: "stop",
		Metrics: providers.CallMetrics{
			Provider: "test", Model: "test-model",
			PromptTokens: 10, CompletionTokens: 5, CostUSD: 0.001,
		},
	}, nil
}

func (a *scriptedAdapter) Embed(ctx context.Context, inputs []string, model string) (providers.Embedding, error) {
	return providers.Embedding{}, providers.ErrUnsupportedOperation
}

func (a *scriptedAdapter) Moderate(ctx context.Context, input, model string) (providers.Moderation, error) {
	return providers.Moderation{}, providers.ErrUnsupportedOperation
}

func (a *scriptedAdapter) promptLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.prompts))
	copy(out, a.prompts)
	return out
}

type harness struct {
	rt      *Runtime
	store   *turns.ContextManager
	adapter *scriptedAdapter
}

func newHarness(t *testing.T, adapter *scriptedAdapter, mutate func(*config.Config)) *harness {
	t.Helper()

	packRoot := t.TempDir()
	packDir := filepath.Join(packRoot, "tester")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "id: tester\nname: Tester\nversion: 1.0.0\nsystem_prompt_file: system.md\ntools_module: tools.yaml\n"
	files := map[string]string{
		"manifest.yaml": manifest,
		"system.md":     "You are a test personality.",
		"tools.yaml": `tools:
  - name: echo
    description: repeat text
    impl: echo
  - name: always_fail
    description: fails on purpose
    impl: fail
`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(packDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	logger := observability.NewNopLogger()
	packs := personality.NewManager(packRoot, logger, nil)
	if _, err := packs.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.General.CurrentProvider = "test"
	cfg.Personalities.DefaultPersonalityID = "tester"
	cfg.CoreRuntime.MaxPlanGenerationRetries = 1
	cfg.CoreRuntime.MaxStepExecutionRetries = 1
	if mutate != nil {
		mutate(&cfg)
	}

	factory := providers.NewFactory(nil, nil, logger)
	factory.Register("test", adapter)

	b := bus.New(logger, nil)
	store := turns.NewContextManager(cfg.CoreRuntime.MaxConversationHistoryTurns, nil)
	rt := New(cfg, Deps{
		Bus:     b,
		Store:   store,
		Packs:   packs,
		Factory: factory,
		Logger:  logger,
		Metrics: nil,
	})
	t.Cleanup(rt.Close)
	return &harness{rt: rt, store: store, adapter: adapter}
}

func (h *harness) waitTerminal(t *testing.T, turnID string, timeout time.Duration) *models.Turn {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if turn := h.store.GetTurn(turnID); turn != nil && turn.Status.Terminal() {
			return turn
		}
		time.Sleep(5 * time.Millisecond)
	}
	status := models.TurnStatus("<missing>")
	if turn := h.store.GetTurn(turnID); turn != nil {
		status = turn.Status
	}
	t.Fatalf("turn %s not terminal after %s (status %v)", turnID, timeout, status)
	return nil
}

func TestTurnCompletesHappyPath(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{content: `{"steps": [
			{"step_type": "TOOL_CALL", "parameters": {"tool_name": "echo", "arguments": {"text": "ping"}}, "description": "echo it"},
			{"step_type": "LLM_CALL", "parameters": {"prompt": "summarize the echo"}}
		]}`},
		{content: "the echo said ping"},
	}}
	h := newHarness(t, adapter, nil)

	turnID, traceID, err := h.rt.StartTurn(context.Background(), StartTurnRequest{UserMessage: models.Message{Content: "please echo ping"}})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if turnID == "" || traceID == "" {
		t.Fatal("missing ids")
	}

	turn := h.waitTerminal(t, turnID, 5*time.Second)
	if turn.Status != models.TurnCompleted {
		t.Fatalf("status = %v, error = %+v", turn.Status, turn.ErrorInfo)
	}
	if turn.FinalResponse == nil || turn.FinalResponse.Content != "the echo said ping" {
		t.Errorf("final response = %+v", turn.FinalResponse)
	}
	if turn.Plan == nil || len(turn.Plan.Steps) != 2 {
		t.Fatalf("plan = %+v", turn.Plan)
	}
	for i, step := range turn.Plan.Steps {
		if step.Status != models.StepSucceeded {
			t.Errorf("step %d status = %v", i, step.Status)
		}
	}
	if turn.Plan.Steps[0].Result != "ping" {
		t.Errorf("tool step result = %v", turn.Plan.Steps[0].Result)
	}
	if turn.Metrics.LLMCalls != 1 || turn.Metrics.ToolCalls != 1 {
		t.Errorf("metrics = %+v", turn.Metrics)
	}
	if turn.Metrics.CostUSD <= 0 {
		t.Error("cost not aggregated")
	}
}

func TestPlanRetryAfterInvalidJSON(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{content: "I think I should do the following..."},
		{content: `{"steps": [{"step_type": "LLM_CALL", "parameters": {"prompt": "answer"}}]}`},
		{content: "done"},
	}}
	h := newHarness(t, adapter, nil)

	turnID, _, err := h.rt.StartTurn(context.Background(), StartTurnRequest{UserMessage: models.Message{Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	turn := h.waitTerminal(t, turnID, 5*time.Second)
	if turn.Status != models.TurnCompleted {
		t.Fatalf("status = %v, error = %+v", turn.Status, turn.ErrorInfo)
	}
	// Re-prompt carries the validator error back to the model.
	prompts := adapter.promptLog()
	if len(prompts) < 2 {
		t.Fatalf("prompts = %v", prompts)
	}
}

func TestPlanFailureAfterRetriesExhausted(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{content: "not json"},
	}}
	h := newHarness(t, adapter, nil)

	turnID, _, err := h.rt.StartTurn(context.Background(), StartTurnRequest{UserMessage: models.Message{Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	turn := h.waitTerminal(t, turnID, 5*time.Second)
	if turn.Status != models.TurnFailed {
		t.Fatalf("status = %v", turn.Status)
	}
	if turn.ErrorInfo == nil || turn.ErrorInfo.Code != KindPlanGeneration {
		t.Errorf("error = %+v", turn.ErrorInfo)
	}
}

func TestPlanRejectsUnknownTool(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{content: `{"steps": [{"step_type": "TOOL_CALL", "parameters": {"tool_name": "launch_rocket", "arguments": {}}}]}`},
	}}
	h := newHarness(t, adapter, nil)

	turnID, _, _ := h.rt.StartTurn(context.Background(), StartTurnRequest{UserMessage: models.Message{Content: "launch"}})
	turn := h.waitTerminal(t, turnID, 5*time.Second)
	if turn.Status != models.TurnFailed || turn.ErrorInfo.Code != KindPlanGeneration {
		t.Errorf("turn = %v / %+v", turn.Status, turn.ErrorInfo)
	}
}

func TestFailFastStepFailure(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{content: `{"steps": [
			{"step_type": "TOOL_CALL", "parameters": {"tool_name": "always_fail", "arguments": {"message": "kaput"}}},
			{"step_type": "LLM_CALL", "parameters": {"prompt": "never reached"}}
		]}`},
		{content: "should not be called"},
	}}
	h := newHarness(t, adapter, nil)

	turnID, _, _ := h.rt.StartTurn(context.Background(), StartTurnRequest{UserMessage: models.Message{Content: "go"}})
	turn := h.waitTerminal(t, turnID, 5*time.Second)

	if turn.Status != models.TurnFailed {
		t.Fatalf("status = %v", turn.Status)
	}
	if turn.ErrorInfo.Code != KindStepExecution {
		t.Errorf("error kind = %v", turn.ErrorInfo.Code)
	}
	if turn.Plan.Steps[0].Status != models.StepFailed {
		t.Errorf("failed step status = %v", turn.Plan.Steps[0].Status)
	}
	if turn.Plan.Steps[0].Error == nil || turn.Plan.Steps[0].Error.Kind != KindToolExecution {
		t.Errorf("step error = %+v", turn.Plan.Steps[0].Error)
	}
	if turn.Plan.Steps[1].Status != models.StepSkipped {
		t.Errorf("unreached step status = %v", turn.Plan.Steps[1].Status)
	}
	// The failure aborts the sequencer, so the successor's LLM call must
	// never reach the provider.
	for _, prompt := range adapter.promptLog() {
		if prompt == "never reached" {
			t.Error("successor step executed after fail fast failure")
		}
	}
}

func TestFailFastDisabledContinuesPastFailure(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{content: `{"steps": [
			{"step_type": "TOOL_CALL", "parameters": {"tool_name": "always_fail", "arguments": {}}},
			{"step_type": "LLM_CALL", "parameters": {"prompt": "carry on"}}
		]}`},
		{content: "made it anyway"},
	}}
	h := newHarness(t, adapter, func(cfg *config.Config) {
		cfg.CoreRuntime.FailFast = false
	})

	turnID, _, _ := h.rt.StartTurn(context.Background(), StartTurnRequest{UserMessage: models.Message{Content: "go"}})
	turn := h.waitTerminal(t, turnID, 5*time.Second)

	if turn.Status != models.TurnCompleted {
		t.Fatalf("status = %v, error = %+v", turn.Status, turn.ErrorInfo)
	}
	if turn.Plan.Steps[0].Status != models.StepFailed {
		t.Errorf("step 0 = %v", turn.Plan.Steps[0].Status)
	}
	// The reply keeps the LLM output but must disclose the failed step.
	if !strings.HasPrefix(turn.FinalResponse.Content, "made it anyway") {
		t.Errorf("final = %q", turn.FinalResponse.Content)
	}
	if !strings.Contains(turn.FinalResponse.Content, "step 0") {
		t.Errorf("final response does not note the failed step: %q", turn.FinalResponse.Content)
	}
}

func TestStepsExecuteInIndexOrder(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{content: `{"steps": [
			{"step_type": "LLM_CALL", "parameters": {"prompt": "first"}},
			{"step_type": "LLM_CALL", "parameters": {"prompt": "second"}},
			{"step_type": "LLM_CALL", "parameters": {"prompt": "third"}}
		]}`},
		{content: "a"}, {content: "b"}, {content: "c"},
	}}
	h := newHarness(t, adapter, nil)

	turnID, _, _ := h.rt.StartTurn(context.Background(), StartTurnRequest{UserMessage: models.Message{Content: "do three things"}})
	turn := h.waitTerminal(t, turnID, 5*time.Second)
	if turn.Status != models.TurnCompleted {
		t.Fatalf("status = %v, error = %+v", turn.Status, turn.ErrorInfo)
	}

	// Call 0 is planning; 1..3 are the steps, strictly in index order even
	// though every step event was published at once.
	prompts := adapter.promptLog()
	if len(prompts) != 4 {
		t.Fatalf("prompts = %v", prompts)
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if prompts[i+1] != w {
			t.Errorf("execution order: prompt[%d] = %q, want %q", i+1, prompts[i+1], w)
		}
	}
}

func TestStartTurnValidation(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{replies: []scriptedReply{{content: "unused"}}}, nil)

	var verr *ValidationError
	if _, _, err := h.rt.StartTurn(context.Background(), StartTurnRequest{UserMessage: models.Message{Content: "   "}}); !errors.As(err, &verr) {
		t.Errorf("empty input err = %v, want ValidationError", err)
	}
	if _, _, err := h.rt.StartTurn(context.Background(), StartTurnRequest{UserMessage: models.Message{Content: "x"}, PersonalityID: "nobody"}); !errors.As(err, &verr) {
		t.Errorf("unknown personality err = %v, want ValidationError", err)
	}
}

func TestStartTurnClientSuppliedTurnID(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{content: `{"steps": [{"step_type": "LLM_CALL", "parameters": {"prompt": "reply"}}]}`},
		{content: "ok"},
	}}
	h := newHarness(t, adapter, nil)
	ctx := context.Background()

	turnID, _, err := h.rt.StartTurn(ctx, StartTurnRequest{
		TurnID:      "client-chosen-id",
		UserMessage: models.Message{Content: "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if turnID != "client-chosen-id" {
		t.Errorf("turnID = %q, want the caller's id", turnID)
	}
	if got := h.store.GetTurn(turnID); got == nil || got.UserInput.Role != models.RoleUser {
		t.Errorf("stored turn = %+v, want defaulted user role", got)
	}

	// Resubmitting the same id is rejected deterministically.
	var verr *ValidationError
	if _, _, err := h.rt.StartTurn(ctx, StartTurnRequest{
		TurnID:      "client-chosen-id",
		UserMessage: models.Message{Content: "hello again"},
	}); !errors.As(err, &verr) {
		t.Errorf("duplicate turn id err = %v, want ValidationError", err)
	}

	h.waitTerminal(t, turnID, 5*time.Second)
}

func TestTurnTimeoutWatchdog(t *testing.T) {
	adapter := &scriptedAdapter{
		replies: []scriptedReply{{content: `{"steps": [{"step_type": "LLM_CALL", "parameters": {"prompt": "x"}}]}`}},
		delay:   1500 * time.Millisecond,
	}
	h := newHarness(t, adapter, func(cfg *config.Config) {
		cfg.CoreRuntime.MaxTurnDurationSeconds = 1
	})

	turnID, _, _ := h.rt.StartTurn(context.Background(), StartTurnRequest{UserMessage: models.Message{Content: "slow"}})
	turn := h.waitTerminal(t, turnID, 5*time.Second)

	if turn.Status != models.TurnFailed {
		t.Fatalf("status = %v", turn.Status)
	}
	if turn.ErrorInfo.Code != KindTurnTimeout {
		t.Errorf("error kind = %v", turn.ErrorInfo.Code)
	}

	// The slow plan eventually lands; the terminal state must not move.
	time.Sleep(2 * time.Second)
	after := h.store.GetTurn(turnID)
	if after.Status != models.TurnFailed || after.ErrorInfo.Code != KindTurnTimeout {
		t.Errorf("terminal state moved: %v / %+v", after.Status, after.ErrorInfo)
	}
}

func TestDuplicateStepResultIgnored(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{replies: []scriptedReply{{content: "unused"}}}, nil)
	tm := h.rt.Turns

	turn := &models.Turn{
		TurnID:  "t1",
		TraceID: "tr1",
		Status:  models.TurnExecuting,
		Plan: &models.Plan{
			PlanID: "p1",
			TurnID: "t1",
			Status: models.PlanInProgress,
			Steps: []models.Step{
				{StepID: "s0", PlanID: "p1", TurnID: "t1", StepIndex: 0, StepType: models.StepToolCall, Status: models.StepRunning},
				{StepID: "s1", PlanID: "p1", TurnID: "t1", StepIndex: 1, StepType: models.StepLLMCall, Status: models.StepPending},
			},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateTurn(turn); err != nil {
		t.Fatal(err)
	}

	result := models.StepResultPayload{
		TurnID: "t1", PlanID: "p1", StepID: "s0", StepIndex: 0,
		StepType: models.StepToolCall, Status: models.StepSucceeded,
		Result:  "once",
		Metrics: &models.StepMetrics{CostUSD: 0.5},
	}
	env := models.NewEnvelope(models.EventStepResult, "tr1", "t1")
	env.Payload = result
	if err := tm.HandleStepResult(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	// Same payload again: at-least-once delivery upstream must not double
	// count.
	if err := tm.HandleStepResult(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	got := h.store.GetTurn("t1")
	if got.Metrics.CostUSD != 0.5 {
		t.Errorf("CostUSD = %v, want 0.5 (duplicate applied)", got.Metrics.CostUSD)
	}
	if got.Metrics.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", got.Metrics.ToolCalls)
	}
}

func TestStepResultsMergeOutOfOrder(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{replies: []scriptedReply{{content: "unused"}}}, nil)
	tm := h.rt.Turns
	ctx := context.Background()

	turn := &models.Turn{
		TurnID:  "t1",
		TraceID: "tr1",
		Status:  models.TurnExecuting,
		Plan: &models.Plan{
			PlanID: "p1",
			TurnID: "t1",
			Status: models.PlanInProgress,
			Steps: []models.Step{
				{StepID: "s0", PlanID: "p1", TurnID: "t1", StepIndex: 0, StepType: models.StepToolCall, Status: models.StepRunning},
				{StepID: "s1", PlanID: "p1", TurnID: "t1", StepIndex: 1, StepType: models.StepLLMCall, Status: models.StepRunning},
			},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateTurn(turn); err != nil {
		t.Fatal(err)
	}

	// Bus handlers run on independent goroutines, so the final step's
	// result can reach the aggregator before its predecessor's.
	lastEnv := models.NewEnvelope(models.EventStepResult, "tr1", "t1")
	lastEnv.Payload = models.StepResultPayload{
		TurnID: "t1", PlanID: "p1", StepID: "s1", StepIndex: 1,
		StepType: models.StepLLMCall, Status: models.StepSucceeded,
		Result:  "final answer",
		Metrics: &models.StepMetrics{CostUSD: 0.002},
	}
	if err := tm.HandleStepResult(ctx, lastEnv); err != nil {
		t.Fatal(err)
	}

	mid := h.store.GetTurn("t1")
	if mid.Status.Terminal() {
		t.Fatalf("turn terminal with step 0 result outstanding: %v", mid.Status)
	}

	firstEnv := models.NewEnvelope(models.EventStepResult, "tr1", "t1")
	firstEnv.Payload = models.StepResultPayload{
		TurnID: "t1", PlanID: "p1", StepID: "s0", StepIndex: 0,
		StepType: models.StepToolCall, Status: models.StepSucceeded,
		Result:  "tool output",
		Metrics: &models.StepMetrics{CostUSD: 0.5},
	}
	if err := tm.HandleStepResult(ctx, firstEnv); err != nil {
		t.Fatal(err)
	}

	got := h.store.GetTurn("t1")
	if got.Status != models.TurnCompleted {
		t.Fatalf("status = %v, want COMPLETED", got.Status)
	}
	for i, step := range got.Plan.Steps {
		if step.Status != models.StepSucceeded {
			t.Errorf("step %d status = %v", i, step.Status)
		}
	}
	if got.Metrics.CostUSD != 0.502 {
		t.Errorf("CostUSD = %v, want 0.502 (both results rolled up)", got.Metrics.CostUSD)
	}
	if got.FinalResponse == nil || got.FinalResponse.Content != "final answer" {
		t.Errorf("final response = %+v", got.FinalResponse)
	}
}

func TestStepResultForTerminalTurnDropped(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{replies: []scriptedReply{{content: "unused"}}}, nil)

	turn := &models.Turn{
		TurnID: "t1", TraceID: "tr1", Status: models.TurnFailed,
		ErrorInfo: &models.ErrorInfo{Code: KindTurnTimeout, Message: "too slow"},
		Plan: &models.Plan{
			PlanID: "p1", TurnID: "t1", Status: models.PlanFailed,
			Steps: []models.Step{{StepID: "s0", StepIndex: 0, StepType: models.StepLLMCall, Status: models.StepSkipped}},
		},
		CreatedAt: time.Now().UTC(),
	}
	h.store.CreateTurn(turn)

	env := models.NewEnvelope(models.EventStepResult, "tr1", "t1")
	env.Payload = models.StepResultPayload{
		TurnID: "t1", PlanID: "p1", StepID: "s0", StepIndex: 0,
		StepType: models.StepLLMCall, Status: models.StepSucceeded, Result: "late",
	}
	if err := h.rt.Turns.HandleStepResult(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	got := h.store.GetTurn("t1")
	if got.Status != models.TurnFailed || got.Plan.Steps[0].Status != models.StepSkipped {
		t.Errorf("late result mutated terminal turn: %+v", got.Plan.Steps[0])
	}
}

func TestSessionHistoryFeedsNextTurn(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{content: `{"steps": [{"step_type": "LLM_CALL", "parameters": {"prompt": "reply"}}]}`},
		{content: "first answer"},
		{content: `{"steps": [{"step_type": "LLM_CALL", "parameters": {"prompt": "reply"}}]}`},
		{content: "second answer"},
	}}
	h := newHarness(t, adapter, nil)
	ctx := context.Background()

	turn1, _, err := h.rt.StartTurn(ctx, StartTurnRequest{UserMessage: models.Message{Content: "first question"}, SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	h.waitTerminal(t, turn1, 5*time.Second)

	turn2, _, err := h.rt.StartTurn(ctx, StartTurnRequest{UserMessage: models.Message{Content: "second question"}, SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	h.waitTerminal(t, turn2, 5*time.Second)

	history := h.store.History("s1")
	if len(history) != 4 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Content != "first question" || history[1].Content != "first answer" {
		t.Errorf("history[0:2] = %+v", history[:2])
	}
}

func TestSequencer(t *testing.T) {
	s := newSequencer()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for _, idx := range []int{2, 0, 1} {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if !s.wait(idx) {
				return
			}
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
			s.advance()
		}(idx)
	}
	wg.Wait()

	if fmt.Sprint(order) != "[0 1 2]" {
		t.Errorf("order = %v", order)
	}
}

func TestSequencerAbortReleasesWaiters(t *testing.T) {
	s := newSequencer()
	done := make(chan bool, 1)
	go func() {
		done <- s.wait(5)
	}()
	time.Sleep(10 * time.Millisecond)
	s.abort()

	select {
	case admitted := <-done:
		if admitted {
			t.Error("aborted waiter was admitted")
		}
	case <-time.After(time.Second):
		t.Fatal("abort did not release waiter")
	}
}
