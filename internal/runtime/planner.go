package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentshell/agentshell/internal/bus"
	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/observability"
	"github.com/agentshell/agentshell/internal/personality"
	"github.com/agentshell/agentshell/internal/providers"
	"github.com/agentshell/agentshell/internal/turns"
	"github.com/agentshell/agentshell/pkg/models"
)

// planSchema is the structural contract for generated plans. Semantic rules
// (known step types, available tools, step budget) are checked after.
const planSchema = `{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["step_type", "parameters"],
        "properties": {
          "step_type": {"type": "string"},
          "parameters": {"type": "object"},
          "description": {"type": "string"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledPlanSchema = jsonschema.MustCompileString("plan.schema.json", planSchema)

// plannedStep is one element of the model's steps array.
type plannedStep struct {
	StepType    models.StepType `json:"step_type"`
	Parameters  map[string]any  `json:"parameters"`
	Description string          `json:"description,omitempty"`
}

type plannedResponse struct {
	Steps []plannedStep `json:"steps"`
}

// PlanExecutor turns an accepted turn into an ordered step plan by prompting
// the configured provider for structured JSON, then publishes every step
// event up front. The step processor enforces execution order.
type PlanExecutor struct {
	cfg             config.CoreRuntimeConfig
	defaultProvider string

	bus     *bus.Bus
	store   *turns.ContextManager
	packs   *personality.Manager
	factory *providers.Factory
	turnMgr *TurnManager
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewPlanExecutor wires a plan executor.
func NewPlanExecutor(cfg config.CoreRuntimeConfig, defaultProvider string, b *bus.Bus, store *turns.ContextManager, packs *personality.Manager, factory *providers.Factory, turnMgr *TurnManager, logger *observability.Logger, metrics *observability.Metrics) *PlanExecutor {
	return &PlanExecutor{
		cfg:             cfg,
		defaultProvider: defaultProvider,
		bus:             b,
		store:           store,
		packs:           packs,
		factory:         factory,
		turnMgr:         turnMgr,
		logger:          logger,
		metrics:         metrics,
	}
}

// HandleTurnStart is the turn.start handler.
func (e *PlanExecutor) HandleTurnStart(ctx context.Context, env models.Envelope) error {
	turn := e.store.GetTurn(env.TurnID)
	if turn == nil || turn.Status.Terminal() {
		return nil
	}
	ctx = observability.AddTraceID(ctx, turn.TraceID)
	ctx = observability.AddTurnID(ctx, turn.TurnID)

	inst := e.packs.Get(turn.PersonalityID)
	if inst == nil {
		// Personality disappeared between accept and planning (reload).
		e.turnMgr.FailTurn(ctx, turn.TurnID, KindPlanGeneration,
			fmt.Sprintf("personality %q no longer loaded", turn.PersonalityID))
		return nil
	}

	if err := e.turnMgr.MarkPlanning(turn.TurnID); err != nil {
		return nil // lost the race to a terminal transition
	}

	providerName := inst.DefaultProvider
	if providerName == "" {
		providerName = e.defaultProvider
	}
	adapter, err := e.factory.Get(providerName)
	if err != nil {
		e.turnMgr.FailTurn(ctx, turn.TurnID, KindPlanGeneration, err.Error())
		return nil
	}

	plan, err := e.generatePlan(ctx, turn, inst, adapter)
	if err != nil {
		e.turnMgr.FailTurn(ctx, turn.TurnID, KindPlanGeneration, err.Error())
		return nil
	}

	updated, err := e.turnMgr.InstallPlan(turn.TurnID, plan)
	if err != nil {
		return nil // turn went terminal while planning (timeout)
	}

	e.logger.Info(ctx, "plan generated",
		"plan_id", plan.PlanID, "steps", len(plan.Steps), "provider", providerName)

	// All step events go out now, in index order; the per-turn sequencer in
	// the step processor serializes actual execution.
	for _, step := range updated.Plan.Steps {
		stepEnv := models.NewEnvelope(models.EventStepExecute, turn.TraceID, turn.TurnID)
		stepEnv.PlanID = plan.PlanID
		stepEnv.StepID = step.StepID
		stepEnv.Payload = models.StepExecutePayload{
			PersonalityID: turn.PersonalityID,
			Step:          step,
		}
		e.bus.Publish(ctx, stepEnv)
	}
	return nil
}

// generatePlan prompts for a JSON plan, re-prompting with the validator
// error up to max_plan_generation_retries times.
func (e *PlanExecutor) generatePlan(ctx context.Context, turn *models.Turn, inst *personality.Instance, adapter providers.Adapter) (*models.Plan, error) {
	messages := e.planningMessages(ctx, turn, inst)

	attempts := e.cfg.MaxPlanGenerationRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			messages = append(messages, models.Message{
				Role: models.RoleUser,
				Content: fmt.Sprintf(
					"The previous plan was rejected: %v. Respond again with only the corrected JSON object.",
					lastErr),
			})
		}

		gen, err := adapter.Generate(ctx, messages, inst.DefaultModel, providers.Options{
			ResponseFormat: "json",
			MaxTokens:      2048,
		})
		if err != nil {
			return nil, fmt.Errorf("planning call failed: %w", err)
		}
		messages = append(messages, models.Message{Role: models.RoleAssistant, Content: gen.Content})

		steps, err := e.parseAndValidate(gen.Content, inst)
		if err != nil {
			lastErr = err
			e.logger.Warn(ctx, "plan rejected", "attempt", attempt+1, "error", err)
			continue
		}
		return e.buildPlan(turn, steps), nil
	}
	return nil, fmt.Errorf("no valid plan after %d attempts: %w", attempts, lastErr)
}

// planningMessages assembles the system prompt, the machine-readable action
// inventory, best-effort memory context, session history, and the request.
func (e *PlanExecutor) planningMessages(ctx context.Context, turn *models.Turn, inst *personality.Instance) []models.Message {
	var sb strings.Builder
	if inst.SystemPrompt != "" {
		sb.WriteString(inst.SystemPrompt)
		sb.WriteString("\n\n")
	}
	sb.WriteString("You are a planner. Decompose the user request into an ordered JSON plan:\n")
	sb.WriteString(`{"steps": [{"step_type": "...", "parameters": {...}, "description": "..."}]}` + "\n\n")
	sb.WriteString("Step types:\n")
	sb.WriteString("- LLM_CALL: generate text. parameters: {prompt, model?, options?}\n")
	sb.WriteString("- TOOL_CALL: invoke a tool. parameters: {tool_name, arguments}\n")
	sb.WriteString("- MEMORY_OP: long-term memory. parameters: {operation: search|retrieve|store|delete, payload}\n\n")

	if tools := inst.ToolDescriptions(); len(tools) > 0 {
		sb.WriteString("Available tools:\n")
		for _, line := range tools {
			sb.WriteString("- " + line + "\n")
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("No tools are available; do not emit TOOL_CALL steps.\n\n")
	}
	fmt.Fprintf(&sb, "Use at most %d steps. The final step must be an LLM_CALL producing the user-facing answer. Respond with only the JSON object.", e.cfg.MaxStepsPerPlan)

	messages := []models.Message{{Role: models.RoleSystem, Content: sb.String()}}

	if mm := e.store.MemoryManager(); mm != nil {
		if hits := mm.Search(ctx, turn.UserInput.Content, 3, nil); len(hits) > 0 {
			var mb strings.Builder
			mb.WriteString("Possibly relevant long-term memories:\n")
			for _, hit := range hits {
				fmt.Fprintf(&mb, "- [%s] %s\n", hit.ID, hit.Text)
			}
			messages = append(messages, models.Message{Role: models.RoleSystem, Content: mb.String()})
		}
	}

	messages = append(messages, e.store.History(turn.SessionID)...)
	messages = append(messages, turn.UserInput)
	return messages
}

// parseAndValidate decodes the model output and enforces structural and
// semantic plan rules.
func (e *PlanExecutor) parseAndValidate(content string, inst *personality.Instance) ([]plannedStep, error) {
	raw := stripJSONFences(content)

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := compiledPlanSchema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("plan schema violation: %w", err)
	}

	var resp plannedResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(resp.Steps) > e.cfg.MaxStepsPerPlan {
		return nil, fmt.Errorf("plan has %d steps, limit is %d", len(resp.Steps), e.cfg.MaxStepsPerPlan)
	}
	for i, step := range resp.Steps {
		if !models.KnownStepType(step.StepType) {
			return nil, fmt.Errorf("step %d has unknown step_type %q", i, step.StepType)
		}
		if step.StepType == models.StepToolCall {
			name, _ := step.Parameters["tool_name"].(string)
			if name == "" {
				return nil, fmt.Errorf("step %d TOOL_CALL has no tool_name", i)
			}
			if !inst.HasTool(name) {
				return nil, fmt.Errorf("step %d references unavailable tool %q", i, name)
			}
		}
	}
	return resp.Steps, nil
}

func (e *PlanExecutor) buildPlan(turn *models.Turn, steps []plannedStep) *models.Plan {
	plan := &models.Plan{
		PlanID: uuid.NewString(),
		TurnID: turn.TurnID,
		Status: models.PlanPending,
		Steps:  make([]models.Step, len(steps)),
	}
	for i, s := range steps {
		plan.Steps[i] = models.Step{
			StepID:      uuid.NewString(),
			PlanID:      plan.PlanID,
			TurnID:      turn.TurnID,
			StepIndex:   i,
			StepType:    s.StepType,
			Description: s.Description,
			Parameters:  s.Parameters,
			Status:      models.StepPending,
		}
	}
	return plan
}

// stripJSONFences unwraps a markdown code fence if the model added one
// despite the JSON response format.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
