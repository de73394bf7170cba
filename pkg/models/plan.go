package models

// PlanStatus tracks the lifecycle of a plan.
type PlanStatus string

const (
	PlanPending    PlanStatus = "PENDING"
	PlanInProgress PlanStatus = "IN_PROGRESS"
	PlanCompleted  PlanStatus = "COMPLETED"
	PlanFailed     PlanStatus = "FAILED"
)

// Plan is the ordered sequence of steps derived from a user request.
// The executor never mutates a plan after publishing its steps; only step
// results attached through the turn store change.
type Plan struct {
	PlanID string     `json:"plan_id"`
	TurnID string     `json:"turn_id"`
	Status PlanStatus `json:"status"`
	Steps  []Step     `json:"steps"`
}

// StepType discriminates the action a step performs.
type StepType string

const (
	StepLLMCall  StepType = "LLM_CALL"
	StepToolCall StepType = "TOOL_CALL"
	StepMemoryOp StepType = "MEMORY_OP"
)

// KnownStepType reports whether t is one of the supported step types.
func KnownStepType(t StepType) bool {
	switch t {
	case StepLLMCall, StepToolCall, StepMemoryOp:
		return true
	}
	return false
}

// StepStatus tracks the lifecycle of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// StepError carries the normalized failure of a step.
type StepError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// StepMetrics records per-step performance and cost.
type StepMetrics struct {
	LatencyMs        float64 `json:"latency_ms"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	Attempts         int     `json:"attempts,omitempty"`
	ErrorKind        string  `json:"error_kind,omitempty"`
}

// Step is a single action within a plan: an LLM call, a tool call, or a
// memory operation.
type Step struct {
	StepID      string         `json:"step_id"`
	PlanID      string         `json:"plan_id"`
	TurnID      string         `json:"turn_id"`
	StepIndex   int            `json:"step_index"`
	StepType    StepType       `json:"step_type"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Status      StepStatus     `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       *StepError     `json:"error,omitempty"`
	Metrics     *StepMetrics   `json:"metrics,omitempty"`
}
