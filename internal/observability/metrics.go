package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the Prometheus collectors for the runtime.
//
// All collectors register against the supplied registerer (the default
// registry in production, a private one in tests) and surface through the
// /metrics endpoint.
type Metrics struct {
	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model, status (success|error)
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion|embedding)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD accumulates estimated spend per provider and model.
	LLMCostUSD *prometheus.CounterVec

	// LLMErrors counts normalized provider errors.
	// Labels: provider, model, kind
	LLMErrors *prometheus.CounterVec

	// StepExecutions counts executed steps.
	// Labels: step_type, status (SUCCEEDED|FAILED|SKIPPED)
	StepExecutions *prometheus.CounterVec

	// TurnExecutions counts terminal turns. Labels: status
	TurnExecutions *prometheus.CounterVec

	// ActiveTurns gauges turns accepted but not yet terminal.
	ActiveTurns prometheus.Gauge

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// MemoryOps counts memory facade operations.
	// Labels: operation (search|retrieve|store|delete), status
	MemoryOps *prometheus.CounterVec

	// BusHandlerFaults counts handler errors and recovered panics.
	// Labels: kind (error|panic)
	BusHandlerFaults *prometheus.CounterVec

	// HTTPRequestDuration measures API latency. Labels: method, path, code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors against reg. Passing nil
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentshell_llm_request_duration_seconds",
				Help:    "Duration of LLM provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentshell_llm_tokens_total",
				Help: "Total number of tokens processed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		LLMCostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentshell_llm_cost_usd_total",
				Help: "Estimated cost of LLM provider calls in USD",
			},
			[]string{"provider", "model"},
		),
		LLMErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentshell_llm_errors_total",
				Help: "Total number of normalized provider errors",
			},
			[]string{"provider", "model", "kind"},
		),
		StepExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentshell_step_executions_total",
				Help: "Total number of plan steps executed by type and status",
			},
			[]string{"step_type", "status"},
		),
		TurnExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentshell_turn_executions_total",
				Help: "Total number of turns reaching a terminal status",
			},
			[]string{"status"},
		),
		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentshell_active_turns",
				Help: "Number of turns accepted but not yet terminal",
			},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentshell_tool_executions_total",
				Help: "Total number of personality tool invocations",
			},
			[]string{"tool_name", "status"},
		),
		MemoryOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentshell_memory_ops_total",
				Help: "Total number of memory operations by kind and status",
			},
			[]string{"operation", "status"},
		),
		BusHandlerFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentshell_bus_handler_faults_total",
				Help: "Event handler errors and recovered panics",
			},
			[]string{"kind"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentshell_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "code"},
		),
	}
}

// RecordLLMRequest records latency, tokens, and cost for one provider call.
func (m *Metrics) RecordLLMRequest(provider, model string, seconds float64, promptTokens, completionTokens int, costUSD float64, errKind string) {
	if m == nil {
		return
	}
	status := "success"
	if errKind != "" {
		status = "error"
		m.LLMErrors.WithLabelValues(provider, model, errKind).Inc()
	}
	m.LLMRequestDuration.WithLabelValues(provider, model, status).Observe(seconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
	if costUSD > 0 {
		m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
	}
}

// RecordStep records a completed step execution.
func (m *Metrics) RecordStep(stepType, status string) {
	if m == nil {
		return
	}
	m.StepExecutions.WithLabelValues(stepType, status).Inc()
}

// RecordTurnStarted bumps the active turn gauge.
func (m *Metrics) RecordTurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Inc()
}

// RecordTurnTerminal records a terminal turn and releases the gauge slot.
func (m *Metrics) RecordTurnTerminal(status string) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.TurnExecutions.WithLabelValues(status).Inc()
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
}

// RecordBusFault counts a handler error or recovered panic.
func (m *Metrics) RecordBusFault(kind string) {
	if m == nil {
		return
	}
	m.BusHandlerFaults.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records one API request observation.
func (m *Metrics) RecordHTTPRequest(method, path string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, strconv.Itoa(code)).Observe(seconds)
}

// RecordMemoryOp records one memory facade operation.
func (m *Metrics) RecordMemoryOp(operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.MemoryOps.WithLabelValues(operation, status).Inc()
}
