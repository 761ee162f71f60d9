package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

func TestObservePhaseMovesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHarnessCollector(reg)
	if err != nil {
		t.Fatalf("NewHarnessCollector: %v", err)
	}

	collector.ObservePhase("", model.PhaseCompile)
	collector.ObservePhase(model.PhaseCompile, model.PhaseBuild)

	if got := testutil.ToFloat64(collector.PhaseTransitions.WithLabelValues("none", "COMPILE")); got != 1 {
		t.Fatalf("none->COMPILE transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.PhaseTransitions.WithLabelValues("COMPILE", "BUILD")); got != 1 {
		t.Fatalf("COMPILE->BUILD transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.CurrentPhase.WithLabelValues("BUILD")); got != 1 {
		t.Fatalf("BUILD gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.CurrentPhase.WithLabelValues("COMPILE")); got != 0 {
		t.Fatalf("COMPILE gauge = %v, want 0", got)
	}
}

func TestObserveDurations(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHarnessCollector(reg)
	if err != nil {
		t.Fatalf("NewHarnessCollector: %v", err)
	}
	collector.ObserveProvision(300 * time.Millisecond)
	collector.ObserveReadiness(40 * time.Millisecond)
	collector.ObserveReadiness(60 * time.Millisecond)

	if n := histogramSampleCount(t, reg, "netemu_provision_duration_seconds", nil); n != 1 {
		t.Fatalf("provision sample_count = %d, want 1", n)
	}
	if n := histogramSampleCount(t, reg, "netemu_router_readiness_seconds", nil); n != 2 {
		t.Fatalf("readiness sample_count = %d, want 2", n)
	}
}

func TestSweepAndResourceCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHarnessCollector(reg)
	if err != nil {
		t.Fatalf("NewHarnessCollector: %v", err)
	}
	collector.SetLiveResources(map[model.ResourceKind]int{model.KindInterface: 12, model.KindBridge: 6})
	collector.ObserveSweep(model.KindBridge, "removed")
	collector.ObserveSweep(model.KindBridge, "removed")
	collector.ObserveSweep(model.KindProcess, "already-absent")
	collector.ObserveRun("succeeded")

	if got := testutil.ToFloat64(collector.LiveResources.WithLabelValues("interface")); got != 12 {
		t.Fatalf("live interfaces = %v, want 12", got)
	}
	if got := testutil.ToFloat64(collector.LiveResources.WithLabelValues("namespace")); got != 0 {
		t.Fatalf("live namespaces = %v, want 0", got)
	}
	if got := testutil.ToFloat64(collector.SweepOutcomes.WithLabelValues("bridge", "removed")); got != 2 {
		t.Fatalf("swept bridges = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Runs.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("runs = %v, want 1", got)
	}
}

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewHarnessCollector(reg)
	if err != nil {
		t.Fatalf("first NewHarnessCollector: %v", err)
	}
	second, err := NewHarnessCollector(reg)
	if err != nil {
		t.Fatalf("second NewHarnessCollector: %v", err)
	}
	first.ObserveRun("failed")
	if got := testutil.ToFloat64(second.Runs.WithLabelValues("failed")); got != 1 {
		t.Fatalf("second collector does not share counters: %v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *HarnessCollector
	c.ObservePhase(model.PhaseCompile, model.PhaseBuild)
	c.SetLiveResources(nil)
	c.ObserveProvision(time.Second)
	c.ObserveReadiness(time.Second)
	c.ObserveSweep(model.KindBridge, "removed")
	c.ObserveRun("failed")
	if c.Gatherer() != nil {
		t.Fatalf("nil collector returned a gatherer")
	}
}

func TestMetricsHandlerExposesHarnessMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHarnessCollector(reg)
	if err != nil {
		t.Fatalf("NewHarnessCollector: %v", err)
	}
	collector.ObservePhase("", model.PhaseCompile)
	collector.SetLiveResources(map[model.ResourceKind]int{model.KindNamespace: 3})
	collector.ObserveSweep(model.KindInterface, "removed")
	collector.ObserveRun("succeeded")
	collector.ObserveProvision(time.Second)
	collector.ObserveReadiness(time.Second)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"netemu_phase_transitions_total",
		"netemu_experiment_phase",
		"netemu_resources_live",
		"netemu_provision_duration_seconds",
		"netemu_router_readiness_seconds",
		"netemu_sweep_resources_total",
		"netemu_runs_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
	if !strings.Contains(body, `netemu_resources_live{kind="namespace"} 3`) {
		t.Fatalf("/metrics output missing namespace gauge: %s", body)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
