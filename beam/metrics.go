package beam

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus metrics for search execution, namespaced
// "beamgen_":
//
//   - inflight_upstream_calls (gauge, by capability): calls currently
//     holding a gate slot.
//   - gate_queue_depth (gauge, by capability): callers waiting at a gate.
//   - stage_latency_ms (histogram, by stage and status): wall time of one
//     orchestrator stage for one iteration.
//   - upstream_retries_total (counter, by service and kind): connection
//     level retries.
//   - safety_retries_total (counter): prompt rephrase attempts after a
//     content-policy refusal.
//   - pair_comparisons_total (counter, by outcome): tournament pair
//     resolutions (compared, inferred, failed).
//   - jobs_total (counter, by status): terminal transitions.
//
// A nil *Metrics is valid and records nothing, so wiring metrics stays
// optional.
type Metrics struct {
	inflightCalls *prometheus.GaugeVec
	gateDepth     *prometheus.GaugeVec
	stageLatency  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	safetyRetries prometheus.Counter
	pairOutcomes  *prometheus.CounterVec
	jobs          *prometheus.CounterVec
}

// NewMetrics creates and registers all search metrics with registry.
// A nil registry uses the default global registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightCalls: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "beamgen",
			Name:      "inflight_upstream_calls",
			Help:      "Upstream calls currently holding a gate slot",
		}, []string{"capability"}),

		gateDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "beamgen",
			Name:      "gate_queue_depth",
			Help:      "Callers waiting for a gate slot",
		}, []string{"capability"}),

		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "beamgen",
			Name:      "stage_latency_ms",
			Help:      "Wall time of one orchestrator stage per iteration in milliseconds",
			Buckets:   []float64{100, 500, 1000, 5000, 10000, 30000, 60000, 180000},
		}, []string{"stage", "status"}),

		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamgen",
			Name:      "upstream_retries_total",
			Help:      "Connection-level retries against upstream services",
		}, []string{"service", "kind"}),

		safetyRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beamgen",
			Name:      "safety_retries_total",
			Help:      "Prompt rephrase attempts after content-policy refusals",
		}),

		pairOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamgen",
			Name:      "pair_comparisons_total",
			Help:      "Tournament pair resolutions by outcome",
		}, []string{"outcome"}), // compared, inferred, failed

		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamgen",
			Name:      "jobs_total",
			Help:      "Job terminal transitions by status",
		}, []string{"status"}),
	}
}

// ObserveGates samples current gate occupancy into the gauges. Called from
// the heartbeat loop.
func (m *Metrics) ObserveGates(gates *GateSet) {
	if m == nil || gates == nil {
		return
	}
	for _, c := range []Capability{CapabilityText, CapabilityImage, CapabilityVision, CapabilityVLM} {
		g := gates.Gate(c)
		if g == nil {
			continue
		}
		m.inflightCalls.WithLabelValues(string(c)).Set(float64(g.InFlight()))
		m.gateDepth.WithLabelValues(string(c)).Set(float64(g.Waiting()))
	}
}

// ObserveStage records one stage's duration.
func (m *Metrics) ObserveStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage, status).Observe(float64(d.Milliseconds()))
}

// IncRetry counts a connection-level retry.
func (m *Metrics) IncRetry(service string, kind ConnKind) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(service, kind.String()).Inc()
}

// IncSafetyRetry counts a content-policy rephrase attempt.
func (m *Metrics) IncSafetyRetry() {
	if m == nil {
		return
	}
	m.safetyRetries.Inc()
}

// IncPair counts a tournament pair resolution.
func (m *Metrics) IncPair(outcome string) {
	if m == nil {
		return
	}
	m.pairOutcomes.WithLabelValues(outcome).Inc()
}

// IncJob counts a terminal transition.
func (m *Metrics) IncJob(status Status) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(string(status)).Inc()
}
