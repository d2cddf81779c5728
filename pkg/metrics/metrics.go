package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/TheEterna/real-agent-sub001/pkg/events"
)

const namespace = "reactd"

// Metrics derives turn, tool and approval metrics from the event bus.
//
// Metrics:
//   - reactd_events_total{type}
//   - reactd_turns_started_total
//   - reactd_turns_finished_total{outcome}
//   - reactd_turns_active
//   - reactd_tool_calls_total{tool,status}
//   - reactd_tool_call_duration_seconds{tool}
//   - reactd_approvals_total{decision}
type Metrics struct {
	Events        *prometheus.CounterVec
	TurnsStarted  prometheus.Counter
	TurnsFinished *prometheus.CounterVec
	ActiveTurns   prometheus.Gauge
	ToolCalls     *prometheus.CounterVec
	ToolDuration  *prometheus.HistogramVec
	Approvals     *prometheus.CounterVec
}

// New registers the collectors on reg. Use a fresh registry per Metrics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Execution events published, by type",
		}, []string{"type"}),
		TurnsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_started_total",
			Help:      "Turns started",
		}),
		TurnsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_finished_total",
			Help:      "Turns finished, by terminal outcome",
		}, []string{"outcome"}),
		ActiveTurns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_active",
			Help:      "Turns started but not finished",
		}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls, by tool and status (ok or error code)",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration, approval wait included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"tool"}),
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval outcomes: approved, rejected or timeout",
		}, []string{"decision"}),
	}
}

// Handle is an events.EventHandler.
func (m *Metrics) Handle(_ context.Context, ev events.ExecutionEvent) error {
	m.Observe(ev)
	return nil
}

func (m *Metrics) Observe(ev events.ExecutionEvent) {
	m.Events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case events.EventTypeStarted:
		m.TurnsStarted.Inc()
		m.ActiveTurns.Inc()

	case events.EventTypeTool:
		tool, _ := ev.Data["tool"].(string)
		status := "ok"
		if ok, _ := ev.Data["ok"].(bool); !ok {
			status = string(ev.Code())
		}
		m.ToolCalls.WithLabelValues(tool, status).Inc()
		if ms, ok := toFloat(ev.Data["elapsed_ms"]); ok {
			m.ToolDuration.WithLabelValues(tool).Observe((time.Duration(ms) * time.Millisecond).Seconds())
		}
		if ev.Code() == events.ErrorCodeApprovalTimeout {
			m.Approvals.WithLabelValues("timeout").Inc()
		}

	case events.EventTypeInteraction:
		decision := "rejected"
		if approved, _ := ev.Data["approved"].(bool); approved {
			decision = "approved"
		}
		m.Approvals.WithLabelValues(decision).Inc()
	}

	if ev.IsTerminal() {
		m.TurnsFinished.WithLabelValues(outcome(ev)).Inc()
		m.ActiveTurns.Dec()
	}
}

func outcome(ev events.ExecutionEvent) string {
	if ev.Type == events.EventTypeError {
		if code := ev.Code(); code != "" {
			return string(code)
		}
	}
	return string(ev.Type)
}

// toFloat accepts the numeric shapes elapsed_ms takes before and after a JSON
// round trip through the bus.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
