package monitoring

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/advisor/internal/decision"
	"github.com/sells-group/advisor/internal/gateway"
	"github.com/sells-group/advisor/internal/resilience"
)

// Metrics exports decision and provider counters to Prometheus. It observes
// the gateway, the orchestrator and the provider circuit breakers.
type Metrics struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	anomalies     *prometheus.CounterVec
	decisionTime  *prometheus.HistogramVec
	providerCalls *prometheus.CounterVec
	providerTime  *prometheus.HistogramVec
	tokens        *prometheus.CounterVec
	cost          *prometheus.CounterVec
	circuit       *prometheus.GaugeVec

	mu      sync.Mutex
	costUSD float64
}

// NewMetrics creates a Metrics with its own registry, including the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advisor_decisions_total",
			Help: "Decisions served by subject type, source kind and cache status",
		}, []string{"subject_type", "source_kind", "cached"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advisor_decision_fallbacks_total",
			Help: "Statistical fallbacks by subject type and reason",
		}, []string{"subject_type", "reason"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advisor_decision_anomalies_total",
			Help: "Freshly computed results flagged as anomalies",
		}, []string{"subject_type"}),
		decisionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "advisor_decision_duration_seconds",
			Help:    "Decide latency including cache hits",
			Buckets: []float64{.005, .05, .25, 1, 2.5, 5, 10, 30},
		}, []string{"subject_type"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advisor_provider_calls_total",
			Help: "Provider calls by outcome",
		}, []string{"provider", "outcome"}),
		providerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "advisor_provider_latency_seconds",
			Help:    "Provider call latency",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advisor_provider_tokens_total",
			Help: "Tokens consumed by provider and direction",
		}, []string{"provider", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advisor_provider_cost_usd_total",
			Help: "Estimated provider spend in USD",
		}, []string{"provider"}),
		circuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "advisor_provider_circuit_state",
			Help: "Circuit state per provider: 0 closed, 1 open, 2 half-open",
		}, []string{"provider"}),
	}
	m.registry.MustRegister(
		m.decisions, m.fallbacks, m.anomalies, m.decisionTime,
		m.providerCalls, m.providerTime, m.tokens, m.cost, m.circuit,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ProviderCall implements gateway.Observer.
func (m *Metrics) ProviderCall(s gateway.CallStats) {
	m.providerCalls.WithLabelValues(s.Provider, s.Outcome).Inc()
	m.providerTime.WithLabelValues(s.Provider).Observe(s.Latency.Seconds())
	if s.InputTokens > 0 {
		m.tokens.WithLabelValues(s.Provider, "input").Add(float64(s.InputTokens))
	}
	if s.OutputTokens > 0 {
		m.tokens.WithLabelValues(s.Provider, "output").Add(float64(s.OutputTokens))
	}
	if s.CostUSD > 0 {
		m.cost.WithLabelValues(s.Provider).Add(s.CostUSD)
		m.mu.Lock()
		m.costUSD += s.CostUSD
		m.mu.Unlock()
	}
}

// DecisionServed implements decision.Observer.
func (m *Metrics) DecisionServed(o decision.Outcome) {
	st := string(o.SubjectType)
	cached := "false"
	if o.Cached {
		cached = "true"
	}
	m.decisions.WithLabelValues(st, string(o.SourceKind), cached).Inc()
	m.decisionTime.WithLabelValues(st).Observe(o.Duration.Seconds())
	if o.Cached {
		return
	}
	if o.FallbackReason != "" {
		m.fallbacks.WithLabelValues(st, o.FallbackReason).Inc()
	}
	if o.IsAnomaly {
		m.anomalies.WithLabelValues(st).Inc()
	}
}

// CircuitChanged is a resilience.StateListener.
func (m *Metrics) CircuitChanged(provider string, _, to resilience.CircuitState) {
	m.circuit.WithLabelValues(provider).Set(float64(to))
}

// TotalCostUSD implements CostSource.
func (m *Metrics) TotalCostUSD() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costUSD
}

var (
	_ gateway.Observer  = (*Metrics)(nil)
	_ decision.Observer = (*Metrics)(nil)
	_ CostSource        = (*Metrics)(nil)
)
