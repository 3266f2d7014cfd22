package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/leaderprobe/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the leader probe.
// Every method is safe to call on a nil receiver.
type PrometheusMetrics struct {
	// Counters
	ProbesTotal    *prometheus.CounterVec
	SlotsQualified prometheus.Counter

	// Gauges
	InFlight       prometheus.Gauge
	BlockhashAge   prometheus.Gauge
	BlockhashStale prometheus.Gauge
	RunPhase       *prometheus.GaugeVec

	// Histograms
	LandingLatency prometheus.Histogram
	RPCLatency     *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		ProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaderprobe_probes_total",
				Help: "Probe transactions by outcome",
			},
			[]string{"status"},
		),

		SlotsQualified: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "leaderprobe_slots_qualified_total",
				Help: "Slots emitted by the slot filter",
			},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "leaderprobe_probes_in_flight",
				Help: "Probe submissions currently outstanding",
			},
		),

		BlockhashAge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "leaderprobe_blockhash_age_seconds",
				Help: "Age of the cached blockhash at its last update",
			},
		),

		BlockhashStale: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "leaderprobe_blockhash_stale",
				Help: "1 if the last blockhash refresh failed",
			},
		),

		RunPhase: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leaderprobe_run_phase",
				Help: "Current run phase (1 if active, 0 otherwise)",
			},
			[]string{"phase"},
		),

		LandingLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leaderprobe_landing_latency_slots",
				Help:    "Landed slot minus target slot",
				Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 12, 16, 32},
			},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leaderprobe_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "status"},
		),
	}
}

// RecordProbe counts one probe outcome.
func (m *PrometheusMetrics) RecordProbe(status string) {
	if m == nil {
		return
	}
	m.ProbesTotal.WithLabelValues(status).Inc()
}

// RecordQualifiedSlot counts a slot emitted by the filter.
func (m *PrometheusMetrics) RecordQualifiedSlot() {
	if m == nil {
		return
	}
	m.SlotsQualified.Inc()
}

// RecordLandingLatency records one landed probe's latency in slots.
func (m *PrometheusMetrics) RecordLandingLatency(slots uint64) {
	if m == nil {
		return
	}
	m.LandingLatency.Observe(float64(slots))
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"getLatestBlockhash":   true,
	"sendTransaction":      true,
	"getSignatureStatuses": true,
	"getHealth":            true,
	"getSlot":              true,
}

// RecordRPCLatency records RPC call latency.
func (m *PrometheusMetrics) RecordRPCLatency(method string, success bool, latencySeconds float64) {
	if m == nil {
		return
	}
	// Bucket unknown methods into 'other' to prevent cardinality explosion
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}

	status := "success"
	if !success {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(bucketedMethod, status).Observe(latencySeconds)
}

// SetInFlight updates the in-flight gauge.
func (m *PrometheusMetrics) SetInFlight(n int64) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

// SetBlockhash records the age and staleness of the cached blockhash.
func (m *PrometheusMetrics) SetBlockhash(ageSeconds float64, stale bool) {
	if m == nil {
		return
	}
	m.BlockhashAge.Set(ageSeconds)
	if stale {
		m.BlockhashStale.Set(1)
	} else {
		m.BlockhashStale.Set(0)
	}
}

var runPhases = []types.RunPhase{
	types.PhaseIdle,
	types.PhaseWaitingBlockhash,
	types.PhaseDispatching,
	types.PhaseDraining,
	types.PhaseAuditing,
	types.PhaseCompleted,
	types.PhaseError,
}

// SetRunPhase marks phase active and every other phase inactive.
func (m *PrometheusMetrics) SetRunPhase(phase types.RunPhase) {
	if m == nil {
		return
	}
	for _, p := range runPhases {
		if p == phase {
			m.RunPhase.WithLabelValues(string(p)).Set(1)
		} else {
			m.RunPhase.WithLabelValues(string(p)).Set(0)
		}
	}
}
