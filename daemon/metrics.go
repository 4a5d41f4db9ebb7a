package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/martinemde/tether/agentloop"
)

// Metrics collects daemon-level instrumentation. The registry is exposed
// so the gateway can mount it on its HTTP mux.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	TurnsTotal     *prometheus.CounterVec
	TurnDuration   prometheus.Histogram
	ToolCallsTotal *prometheus.CounterVec
	YieldsTotal    prometheus.Counter
	TokensTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers the daemon metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tether_sessions_active",
			Help: "Number of live sessions.",
		}),
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_turns_total",
			Help: "Completed turns by terminal phase.",
		}, []string{"phase"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tether_turn_duration_seconds",
			Help:    "Wall time per turn.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_tool_calls_total",
			Help: "Tool results by outcome.",
		}, []string{"outcome"}),
		YieldsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tether_yields_total",
			Help: "Turns parked awaiting approval.",
		}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tether_tokens_total",
			Help: "Token usage reported in done events.",
		}, []string{"kind"}),
	}
}

// observeEvent updates counters from the event stream.
func (m *Metrics) observeEvent(ev agentloop.Event) {
	switch ev.Kind {
	case agentloop.EventToolResult:
		outcome := "ok"
		if ev.ToolResult != nil && !ev.ToolResult.OK {
			outcome = "error"
		}
		m.ToolCallsTotal.WithLabelValues(outcome).Inc()
	case agentloop.EventYield:
		m.YieldsTotal.Inc()
	case agentloop.EventDone:
		if ev.Done != nil {
			m.TokensTotal.WithLabelValues("prompt").Add(float64(ev.Done.Usage.PromptTokens))
			m.TokensTotal.WithLabelValues("completion").Add(float64(ev.Done.Usage.CompletionTokens))
		}
	}
}
