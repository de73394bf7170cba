package runtime

import (
	"context"

	"github.com/agentshell/agentshell/internal/bus"
	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/observability"
	"github.com/agentshell/agentshell/internal/personality"
	"github.com/agentshell/agentshell/internal/providers"
	"github.com/agentshell/agentshell/internal/turns"
	"github.com/agentshell/agentshell/pkg/models"
)

// Runtime assembles the turn manager, plan executor, and step processor and
// subscribes them to the bus.
type Runtime struct {
	Turns   *TurnManager
	Planner *PlanExecutor
	Steps   *StepProcessor
	bus     *bus.Bus
}

// Deps carries the shared infrastructure the runtime builds on.
type Deps struct {
	Bus     *bus.Bus
	Store   *turns.ContextManager
	Packs   *personality.Manager
	Factory *providers.Factory
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// New wires the runtime and registers its event subscriptions.
func New(cfg config.Config, deps Deps) *Runtime {
	tm := NewTurnManager(cfg.CoreRuntime, cfg.Personalities.DefaultPersonalityID,
		deps.Bus, deps.Store, deps.Packs, deps.Logger, deps.Metrics)
	pe := NewPlanExecutor(cfg.CoreRuntime, cfg.General.CurrentProvider,
		deps.Bus, deps.Store, deps.Packs, deps.Factory, tm, deps.Logger, deps.Metrics)
	sp := NewStepProcessor(cfg.CoreRuntime, cfg.General.CurrentProvider,
		deps.Bus, deps.Store, deps.Packs, deps.Factory, deps.Logger, deps.Metrics)

	deps.Bus.Subscribe(models.EventTurnStart, "plan_executor", pe.HandleTurnStart)
	deps.Bus.Subscribe(models.EventStepExecute, "step_processor", sp.HandleStepExecute)
	deps.Bus.Subscribe(models.EventStepResult, "turn_manager", tm.HandleStepResult)
	deps.Bus.Subscribe(models.EventTurnCompleted, "step_processor", sp.HandleTurnTerminal)
	deps.Bus.Subscribe(models.EventTurnFailed, "step_processor", sp.HandleTurnTerminal)

	return &Runtime{Turns: tm, Planner: pe, Steps: sp, bus: deps.Bus}
}

// StartTurn is the caller entry point.
func (r *Runtime) StartTurn(ctx context.Context, req StartTurnRequest) (turnID, traceID string, err error) {
	return r.Turns.StartTurn(ctx, req)
}

// Close stops watchdogs and drains the bus.
func (r *Runtime) Close() {
	r.Turns.Close()
	r.bus.Close()
}
