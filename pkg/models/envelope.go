package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType routes envelopes to subscribed handlers.
type EventType string

const (
	EventTurnStart     EventType = "turn.start"
	EventStepExecute   EventType = "step.execute"
	EventStepResult    EventType = "step.result"
	EventTurnCompleted EventType = "turn.completed"
	EventTurnFailed    EventType = "turn.failed"
)

// EnvelopeSpecVersion is stamped on every envelope so consumers can detect
// incompatible payload layouts if a durable bus is ever introduced.
const EnvelopeSpecVersion = "1.0.0"

// Envelope is the common wrapper for every cross-component event.
type Envelope struct {
	EventID     string    `json:"event_id"`
	Type        EventType `json:"type"`
	SpecVersion string    `json:"spec_version"`
	Timestamp   time.Time `json:"timestamp"`
	TraceID     string    `json:"trace_id"`
	TurnID      string    `json:"turn_id"`
	PlanID      string    `json:"plan_id,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	Payload     any       `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh event id and timestamp.
func NewEnvelope(t EventType, traceID, turnID string) Envelope {
	return Envelope{
		EventID:     uuid.NewString(),
		Type:        t,
		SpecVersion: EnvelopeSpecVersion,
		Timestamp:   time.Now().UTC(),
		TraceID:     traceID,
		TurnID:      turnID,
	}
}

// StepExecutePayload asks the step processor to run one step. The full step
// is carried so the processor does not depend on store reads for dispatch.
type StepExecutePayload struct {
	PersonalityID string `json:"personality_id"`
	Step          Step   `json:"step"`
}

// StepResultPayload reports the outcome of a step execution.
type StepResultPayload struct {
	TurnID    string       `json:"turn_id"`
	PlanID    string       `json:"plan_id"`
	StepID    string       `json:"step_id"`
	StepIndex int          `json:"step_index"`
	StepType  StepType     `json:"step_type"`
	Status    StepStatus   `json:"status"`
	Result    any          `json:"result,omitempty"`
	Error     *StepError   `json:"error,omitempty"`
	Metrics   *StepMetrics `json:"metrics,omitempty"`
}

// TurnTerminalPayload is attached to turn.completed and turn.failed events.
type TurnTerminalPayload struct {
	TurnID        string      `json:"turn_id"`
	Status        TurnStatus  `json:"status"`
	FinalResponse *Message    `json:"final_response,omitempty"`
	Error         *ErrorInfo  `json:"error,omitempty"`
	Metrics       TurnMetrics `json:"metrics"`
}
