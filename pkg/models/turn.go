// Package models defines the core data structures shared across the runtime:
// turns, plans, steps, metrics, and the event envelope.
package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single chat message exchanged with a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TurnStatus tracks the lifecycle of a turn.
//
// Transitions: PENDING -> PLANNING -> EXECUTING -> (COMPLETED | FAILED).
// FAILED is reachable from any non-terminal state. Exactly one terminal
// transition per turn.
type TurnStatus string

const (
	TurnPending   TurnStatus = "PENDING"
	TurnPlanning  TurnStatus = "PLANNING"
	TurnExecuting TurnStatus = "EXECUTING"
	TurnCompleted TurnStatus = "COMPLETED"
	TurnFailed    TurnStatus = "FAILED"
)

// Terminal reports whether the status is a terminal state.
func (s TurnStatus) Terminal() bool {
	return s == TurnCompleted || s == TurnFailed
}

// ErrorInfo carries a normalized error on a failed turn.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Turn is one user request and its eventual response, with all intermediate
// planning and execution state.
type Turn struct {
	TurnID        string         `json:"turn_id"`
	TraceID       string         `json:"trace_id"`
	SessionID     string         `json:"session_id,omitempty"`
	PersonalityID string         `json:"personality_id"`
	UserInput     Message        `json:"user_input"`
	Status        TurnStatus     `json:"status"`
	PlanID        string         `json:"plan_id,omitempty"`
	Plan          *Plan          `json:"plan,omitempty"`
	FinalResponse *Message       `json:"final_response,omitempty"`
	ErrorInfo     *ErrorInfo     `json:"error_info,omitempty"`
	Metrics       TurnMetrics    `json:"metrics"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone returns a deep-enough copy of the turn for handing snapshots to
// callers outside the store's lock. Steps are copied by value; step results
// are treated as immutable after publication.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Plan != nil {
		planCopy := *t.Plan
		planCopy.Steps = make([]Step, len(t.Plan.Steps))
		copy(planCopy.Steps, t.Plan.Steps)
		cp.Plan = &planCopy
	}
	if t.FinalResponse != nil {
		msg := *t.FinalResponse
		cp.FinalResponse = &msg
	}
	if t.ErrorInfo != nil {
		ei := *t.ErrorInfo
		cp.ErrorInfo = &ei
	}
	if t.Metadata != nil {
		md := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			md[k] = v
		}
		cp.Metadata = md
	}
	return &cp
}

// TurnMetrics is the additive roll-up of per-step metrics.
type TurnMetrics struct {
	LatencyMs        float64 `json:"latency_ms"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	LLMCalls         int     `json:"llm_calls"`
	ToolCalls        int     `json:"tool_calls"`
	MemoryOps        int     `json:"memory_ops"`
}

// Add folds a step's metrics into the turn aggregate.
func (m *TurnMetrics) Add(sm *StepMetrics) {
	if sm == nil {
		return
	}
	m.LatencyMs += sm.LatencyMs
	m.PromptTokens += sm.PromptTokens
	m.CompletionTokens += sm.CompletionTokens
	m.CostUSD += sm.CostUSD
}
