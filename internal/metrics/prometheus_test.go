package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/leaderprobe/pkg/types"
)

func TestPrometheusMetrics_NilSafe(t *testing.T) {
	var m *PrometheusMetrics
	m.RecordProbe("sent")
	m.RecordQualifiedSlot()
	m.RecordLandingLatency(2)
	m.RecordRPCLatency("sendTransaction", true, 0.1)
	m.SetInFlight(3)
	m.SetBlockhash(1, true)
	m.SetRunPhase(types.PhaseDispatching)
}

func TestPrometheusMetrics_Record(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordProbe("sent")
	m.RecordProbe("sent")
	m.RecordProbe("landed")
	m.RecordQualifiedSlot()
	m.SetBlockhash(12.5, true)
	m.SetRunPhase(types.PhaseAuditing)

	if got := testutil.ToFloat64(m.ProbesTotal.WithLabelValues("sent")); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SlotsQualified); got != 1 {
		t.Errorf("qualified = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BlockhashAge); got != 12.5 {
		t.Errorf("blockhash age = %v, want 12.5", got)
	}
	if got := testutil.ToFloat64(m.BlockhashStale); got != 1 {
		t.Errorf("blockhash stale = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunPhase.WithLabelValues("auditing")); got != 1 {
		t.Errorf("auditing phase = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunPhase.WithLabelValues("dispatching")); got != 0 {
		t.Errorf("dispatching phase = %v, want 0", got)
	}
}

func TestRecordRPCLatency_UnknownMethodBucketed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.RecordRPCLatency("getSignatureStatuses", true, 0.01)
	m.RecordRPCLatency("someExoticMethod", false, 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	methods := map[string]bool{}
	for _, f := range families {
		if f.GetName() != "leaderprobe_rpc_latency_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "method" {
					methods[l.GetValue()] = true
				}
			}
		}
	}
	if !methods["getSignatureStatuses"] || !methods["other"] || methods["someExoticMethod"] {
		t.Errorf("method labels = %v", methods)
	}
}
