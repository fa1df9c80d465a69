// Package metrics exposes the Prometheus counters and histograms
// runtime components report against: tool-loop steps, tool calls,
// finish_task gate rejections, and MCP session failures. It follows the
// teacher's internal/observability.Metrics shape (a struct of
// promauto-registered vectors built once and handed to every
// component that wants to record against it), narrowed to this
// runtime's domain.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of counters and histograms this runtime reports.
// A nil *Metrics is valid everywhere it is accepted: every Record*
// method on a component that holds one guards against it.
type Metrics struct {
	ToolLoopSteps      *prometheus.CounterVec
	ToolLoopStepsTotal *prometheus.HistogramVec
	ToolCalls          *prometheus.CounterVec
	GateRejections     *prometheus.CounterVec
	MCPSessionFailures *prometheus.CounterVec
}

// New registers and returns the runtime's metric vectors against the
// default Prometheus registry, the same registerer promauto uses
// throughout the teacher's internal/observability package.
func New() *Metrics {
	return &Metrics{
		ToolLoopSteps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_toolloop_steps_total",
				Help: "Tool loop steps run, by specialist and terminal outcome.",
			},
			[]string{"specialist", "outcome"},
		),
		ToolLoopStepsTotal: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentforge_toolloop_run_steps",
				Help:    "Number of steps a specialist's tool loop took to finish.",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 40},
			},
			[]string{"specialist"},
		),
		ToolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_tool_calls_total",
				Help: "Tool invocations, by tool name and status.",
			},
			[]string{"tool", "status"},
		),
		GateRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_finish_gate_rejections_total",
				Help: "finish_task calls rejected, by gate.",
			},
			[]string{"gate"},
		),
		MCPSessionFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_mcp_session_failures_total",
				Help: "MCP server connect/session failures, by server id.",
			},
			[]string{"server"},
		),
	}
}

// RecordToolCall is a nil-safe helper: m may be nil when metrics are
// not configured for a run.
func (m *Metrics) RecordToolCall(tool string, ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordGateRejection records one finish_task rejection for gate.
func (m *Metrics) RecordGateRejection(gate string) {
	if m == nil {
		return
	}
	m.GateRejections.WithLabelValues(gate).Inc()
}

// RecordRunOutcome records a completed specialist run: its terminal
// outcome and how many steps it took.
func (m *Metrics) RecordRunOutcome(specialist, outcome string, steps int, _ time.Duration) {
	if m == nil {
		return
	}
	m.ToolLoopSteps.WithLabelValues(specialist, outcome).Inc()
	m.ToolLoopStepsTotal.WithLabelValues(specialist).Observe(float64(steps))
}

// RecordMCPSessionFailure records one failed connect/session attempt
// against server.
func (m *Metrics) RecordMCPSessionFailure(server string) {
	if m == nil {
		return
	}
	m.MCPSessionFailures.WithLabelValues(server).Inc()
}
