// Package runtime drives the turn lifecycle over the event bus: the turn
// manager owns state transitions, the plan executor turns user input into a
// step plan, and the step processor executes steps in order.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentshell/agentshell/internal/bus"
	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/observability"
	"github.com/agentshell/agentshell/internal/personality"
	"github.com/agentshell/agentshell/internal/turns"
	"github.com/agentshell/agentshell/pkg/models"
)

// Error kinds attached to failed turns and steps.
const (
	KindPlanGeneration  = "PlanGenerationError"
	KindStepExecution   = "StepExecutionFailure"
	KindTurnTimeout     = "TurnTimeout"
	KindStepTimeout     = "StepTimeout"
	KindToolExecution   = "ToolExecutionError"
	KindMemoryOp        = "MemoryOpError"
	KindValidation      = "ValidationError"
	KindUnknownStepType = "UnknownStepType"
)

// ValidationError marks caller mistakes (empty input, unknown personality)
// so the HTTP layer can answer 422 instead of 500.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// errAlreadyTerminal aborts a mutation that found the turn finished; the
// caller drops the event silently.
var errAlreadyTerminal = errors.New("turn already terminal")

// errDuplicateResult aborts a merge whose step result was already applied.
var errDuplicateResult = errors.New("step result already applied")

// StartTurnRequest is the caller-facing input for a new turn. TurnID is
// optional; callers that supply their own id get deterministic duplicate
// rejection on resubmission.
type StartTurnRequest struct {
	TurnID        string
	UserMessage   models.Message
	PersonalityID string
	SessionID     string
	Metadata      map[string]any
}

// TurnManager validates and creates turns, aggregates step results, and is
// the only component that performs turn state transitions.
type TurnManager struct {
	cfg                config.CoreRuntimeConfig
	defaultPersonality string

	bus     *bus.Bus
	store   *turns.ContextManager
	packs   *personality.Manager
	logger  *observability.Logger
	metrics *observability.Metrics

	watchdogMu sync.Mutex
	watchdogs  map[string]*time.Timer
}

// NewTurnManager wires a turn manager.
func NewTurnManager(cfg config.CoreRuntimeConfig, defaultPersonality string, b *bus.Bus, store *turns.ContextManager, packs *personality.Manager, logger *observability.Logger, metrics *observability.Metrics) *TurnManager {
	return &TurnManager{
		cfg:                cfg,
		defaultPersonality: defaultPersonality,
		bus:                b,
		store:              store,
		packs:              packs,
		logger:             logger,
		metrics:            metrics,
		watchdogs:          make(map[string]*time.Timer),
	}
}

// StartTurn validates the request, creates the turn, arms the watchdog, and
// publishes turn.start. Returns the new turn and trace ids.
func (m *TurnManager) StartTurn(ctx context.Context, req StartTurnRequest) (turnID, traceID string, err error) {
	input := strings.TrimSpace(req.UserMessage.Content)
	if input == "" {
		return "", "", validationErrorf("user_message.content must not be empty")
	}
	role := req.UserMessage.Role
	if role == "" {
		role = models.RoleUser
	}
	personalityID := req.PersonalityID
	if personalityID == "" {
		personalityID = m.defaultPersonality
	}
	if m.packs.Get(personalityID) == nil {
		return "", "", validationErrorf("unknown personality %q", personalityID)
	}

	turnID = req.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	traceID = uuid.NewString()
	now := time.Now().UTC()
	turn := &models.Turn{
		TurnID:        turnID,
		TraceID:       traceID,
		SessionID:     req.SessionID,
		PersonalityID: personalityID,
		UserInput:     models.Message{Role: role, Content: input},
		Status:        models.TurnPending,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateTurn(turn); err != nil {
		if errors.Is(err, turns.ErrDuplicateTurn) {
			return "", "", validationErrorf("turn %s already exists", turnID)
		}
		return "", "", err
	}

	m.metrics.RecordTurnStarted()
	m.armWatchdog(turnID)

	ctx = observability.AddTraceID(ctx, traceID)
	m.logger.Info(ctx, "turn accepted",
		"turn_id", turnID, "personality_id", personalityID, "session_id", req.SessionID)

	env := models.NewEnvelope(models.EventTurnStart, traceID, turnID)
	m.bus.Publish(ctx, env)
	return turnID, traceID, nil
}

// MarkPlanning transitions the turn to PLANNING. Dropped if terminal.
func (m *TurnManager) MarkPlanning(turnID string) error {
	_, err := m.store.UpdateTurn(turnID, func(t *models.Turn) error {
		if t.Status.Terminal() {
			return errAlreadyTerminal
		}
		t.Status = models.TurnPlanning
		return nil
	})
	return err
}

// InstallPlan attaches the generated plan, transitions the turn to
// EXECUTING, and returns the updated snapshot.
func (m *TurnManager) InstallPlan(turnID string, plan *models.Plan) (*models.Turn, error) {
	return m.store.UpdateTurn(turnID, func(t *models.Turn) error {
		if t.Status.Terminal() {
			return errAlreadyTerminal
		}
		plan.Status = models.PlanInProgress
		t.PlanID = plan.PlanID
		t.Plan = plan
		t.Status = models.TurnExecuting
		return nil
	})
}

// FailTurn performs the compare-and-set terminal transition to FAILED and
// publishes turn.failed. Safe to call from any component and any state; a
// turn that is already terminal is left alone.
func (m *TurnManager) FailTurn(ctx context.Context, turnID, kind, detail string) {
	updated, err := m.store.UpdateTurn(turnID, func(t *models.Turn) error {
		if t.Status.Terminal() {
			return errAlreadyTerminal
		}
		t.Status = models.TurnFailed
		t.ErrorInfo = &models.ErrorInfo{Code: kind, Message: detail}
		if t.Plan != nil {
			t.Plan.Status = models.PlanFailed
			skipRemaining(t.Plan)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errAlreadyTerminal) && !errors.Is(err, turns.ErrTurnNotFound) {
			m.logger.Error(ctx, "turn fail transition error", "turn_id", turnID, "error", err)
		}
		return
	}
	m.finishTurn(ctx, updated, models.EventTurnFailed)
}

// HandleStepResult is the step.result aggregator. Under the per-turn lock
// it merges the step, rolls up metrics, and decides whether the turn is
// done. Duplicate results and results for terminal turns are dropped.
func (m *TurnManager) HandleStepResult(ctx context.Context, env models.Envelope) error {
	payload, ok := env.Payload.(models.StepResultPayload)
	if !ok {
		return fmt.Errorf("step.result envelope %s has payload %T", env.EventID, env.Payload)
	}

	var terminal models.EventType
	updated, err := m.store.UpdateTurn(payload.TurnID, func(t *models.Turn) error {
		if t.Status.Terminal() {
			return errAlreadyTerminal
		}
		if t.Plan == nil || payload.StepIndex < 0 || payload.StepIndex >= len(t.Plan.Steps) {
			return fmt.Errorf("step index %d outside plan", payload.StepIndex)
		}
		stored := &t.Plan.Steps[payload.StepIndex]
		if stored.StepID != payload.StepID {
			return fmt.Errorf("step id mismatch at index %d", payload.StepIndex)
		}
		if stored.Status == models.StepSucceeded || stored.Status == models.StepFailed {
			return errDuplicateResult
		}

		stored.Status = payload.Status
		stored.Result = payload.Result
		stored.Error = payload.Error
		stored.Metrics = payload.Metrics

		t.Metrics.Add(payload.Metrics)
		switch payload.StepType {
		case models.StepLLMCall:
			t.Metrics.LLMCalls++
		case models.StepToolCall:
			t.Metrics.ToolCalls++
		case models.StepMemoryOp:
			t.Metrics.MemoryOps++
		}

		lastIndex := len(t.Plan.Steps) - 1
		switch {
		case payload.Status == models.StepFailed && m.cfg.FailFast:
			detail := "step execution failed"
			if payload.Error != nil {
				detail = fmt.Sprintf("step %d (%s): %s", payload.StepIndex, payload.Error.Kind, payload.Error.Detail)
			}
			t.Status = models.TurnFailed
			t.ErrorInfo = &models.ErrorInfo{Code: KindStepExecution, Message: detail}
			t.Plan.Status = models.PlanFailed
			skipRemaining(t.Plan)
			terminal = models.EventTurnFailed
		case allStepsTerminal(t.Plan):
			// step.result envelopes arrive on independent goroutines, so
			// the last step's result can merge before a predecessor's.
			// Terminal decisions wait until every result has merged.
			if t.Plan.Steps[lastIndex].Status == models.StepSucceeded {
				t.FinalResponse = deriveFinalResponse(t)
				t.Status = models.TurnCompleted
				t.Plan.Status = models.PlanCompleted
				terminal = models.EventTurnCompleted
			} else {
				detail := "final step failed"
				if e := t.Plan.Steps[lastIndex].Error; e != nil {
					detail = fmt.Sprintf("step %d (%s): %s", lastIndex, e.Kind, e.Detail)
				}
				t.Status = models.TurnFailed
				t.ErrorInfo = &models.ErrorInfo{Code: KindStepExecution, Message: detail}
				t.Plan.Status = models.PlanFailed
				terminal = models.EventTurnFailed
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errAlreadyTerminal) || errors.Is(err, errDuplicateResult) || errors.Is(err, turns.ErrTurnNotFound) {
			return nil
		}
		return err
	}

	m.metrics.RecordStep(string(payload.StepType), string(payload.Status))
	if terminal != "" {
		m.finishTurn(ctx, updated, terminal)
	}
	return nil
}

// finishTurn handles the post-transition bookkeeping for a turn that just
// reached a terminal state under this manager's CAS.
func (m *TurnManager) finishTurn(ctx context.Context, turn *models.Turn, event models.EventType) {
	m.disarmWatchdog(turn.TurnID)
	m.metrics.RecordTurnTerminal(string(turn.Status))
	turn.Metrics.LatencyMs = float64(time.Since(turn.CreatedAt).Milliseconds())
	_ = m.store.SaveTurn(turn)

	if event == models.EventTurnCompleted {
		m.store.RecordSession(turn.SessionID, turn.UserInput, turn.FinalResponse)
		m.logger.Info(ctx, "turn completed",
			"turn_id", turn.TurnID, "trace_id", turn.TraceID,
			"cost_usd", turn.Metrics.CostUSD, "llm_calls", turn.Metrics.LLMCalls)
	} else {
		kind, detail := "", ""
		if turn.ErrorInfo != nil {
			kind, detail = turn.ErrorInfo.Code, turn.ErrorInfo.Message
		}
		m.logger.Warn(ctx, "turn failed",
			"turn_id", turn.TurnID, "trace_id", turn.TraceID,
			"error_kind", kind, "error", detail)
	}

	env := models.NewEnvelope(event, turn.TraceID, turn.TurnID)
	env.PlanID = turn.PlanID
	env.Payload = models.TurnTerminalPayload{
		TurnID:        turn.TurnID,
		Status:        turn.Status,
		FinalResponse: turn.FinalResponse,
		Error:         turn.ErrorInfo,
		Metrics:       turn.Metrics,
	}
	m.bus.Publish(ctx, env)
}

func (m *TurnManager) armWatchdog(turnID string) {
	timer := time.AfterFunc(m.cfg.MaxTurnDuration(), func() {
		m.FailTurn(context.Background(), turnID, KindTurnTimeout,
			fmt.Sprintf("turn exceeded %s", m.cfg.MaxTurnDuration()))
	})
	m.watchdogMu.Lock()
	m.watchdogs[turnID] = timer
	m.watchdogMu.Unlock()
}

func (m *TurnManager) disarmWatchdog(turnID string) {
	m.watchdogMu.Lock()
	if timer, ok := m.watchdogs[turnID]; ok {
		timer.Stop()
		delete(m.watchdogs, turnID)
	}
	m.watchdogMu.Unlock()
}

// Close stops all pending watchdogs.
func (m *TurnManager) Close() {
	m.watchdogMu.Lock()
	for id, timer := range m.watchdogs {
		timer.Stop()
		delete(m.watchdogs, id)
	}
	m.watchdogMu.Unlock()
}

// allStepsTerminal reports whether every step has reached a final status.
func allStepsTerminal(plan *models.Plan) bool {
	for i := range plan.Steps {
		switch plan.Steps[i].Status {
		case models.StepSucceeded, models.StepFailed, models.StepSkipped:
		default:
			return false
		}
	}
	return true
}

// skipRemaining marks steps that never ran as SKIPPED.
func skipRemaining(plan *models.Plan) {
	for i := range plan.Steps {
		switch plan.Steps[i].Status {
		case models.StepPending, models.StepRunning:
			plan.Steps[i].Status = models.StepSkipped
		}
	}
}

// deriveFinalResponse picks the reply shown to the user: the output of the
// last successful LLM_CALL step, falling back to the last step's result.
// With fail fast disabled a completed turn can still contain failed steps;
// the reply carries a note so partial work is not presented as clean
// success.
func deriveFinalResponse(t *models.Turn) *models.Message {
	steps := t.Plan.Steps
	var msg *models.Message
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].StepType == models.StepLLMCall && steps[i].Status == models.StepSucceeded {
			if content, ok := steps[i].Result.(string); ok {
				msg = &models.Message{Role: models.RoleAssistant, Content: content}
				break
			}
		}
	}
	if msg == nil {
		last := steps[len(steps)-1]
		msg = &models.Message{Role: models.RoleAssistant, Content: stringifyResult(last.Result)}
	}

	var failed []string
	for i := range steps {
		if steps[i].Status == models.StepFailed {
			detail := "no detail recorded"
			if steps[i].Error != nil {
				detail = steps[i].Error.Detail
			}
			failed = append(failed, fmt.Sprintf("step %d: %s", i, detail))
		}
	}
	if len(failed) > 0 {
		msg.Content += "\n\nNote: some plan steps failed: " + strings.Join(failed, "; ")
	}
	return msg
}

func stringifyResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
