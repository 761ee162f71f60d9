package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

// HarnessCollector bundles the Prometheus metrics of an experiment run and
// serves them over HTTP. All methods are safe on a nil collector.
type HarnessCollector struct {
	gatherer prometheus.Gatherer

	PhaseTransitions  *prometheus.CounterVec
	CurrentPhase      *prometheus.GaugeVec
	LiveResources     *prometheus.GaugeVec
	ProvisionDuration prometheus.Histogram
	ReadinessLatency  prometheus.Histogram
	SweepOutcomes     *prometheus.CounterVec
	Runs              *prometheus.CounterVec
}

// NewHarnessCollector registers harness metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewHarnessCollector(reg prometheus.Registerer) (*HarnessCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netemu_phase_transitions_total",
		Help: "Lifecycle phase transitions, labeled by source and target phase.",
	}, []string{"from", "to"}), "netemu_phase_transitions_total")
	if err != nil {
		return nil, err
	}

	phase, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netemu_experiment_phase",
		Help: "1 for the phase the experiment currently occupies, 0 otherwise.",
	}, []string{"phase"}), "netemu_experiment_phase")
	if err != nil {
		return nil, err
	}

	live, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netemu_resources_live",
		Help: "Resources recorded and not yet removed, labeled by kind.",
	}, []string{"kind"}), "netemu_resources_live")
	if err != nil {
		return nil, err
	}

	provision, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netemu_provision_duration_seconds",
		Help:    "Time spent creating every bridged interface pair of an experiment.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}), "netemu_provision_duration_seconds")
	if err != nil {
		return nil, err
	}

	readiness, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netemu_router_readiness_seconds",
		Help:    "Time from router start until it listens on every endpoint.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}), "netemu_router_readiness_seconds")
	if err != nil {
		return nil, err
	}

	sweeps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netemu_sweep_resources_total",
		Help: "Resources handled by teardown, labeled by kind and outcome.",
	}, []string{"kind", "outcome"}), "netemu_sweep_resources_total")
	if err != nil {
		return nil, err
	}

	runs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netemu_runs_total",
		Help: "Completed experiment runs, labeled by final result.",
	}, []string{"result"}), "netemu_runs_total")
	if err != nil {
		return nil, err
	}

	return &HarnessCollector{
		gatherer:          gatherer,
		PhaseTransitions:  transitions,
		CurrentPhase:      phase,
		LiveResources:     live,
		ProvisionDuration: provision,
		ReadinessLatency:  readiness,
		SweepOutcomes:     sweeps,
		Runs:              runs,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *HarnessCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *HarnessCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObservePhase counts a transition and moves the current-phase gauge.
func (c *HarnessCollector) ObservePhase(from, to model.Phase) {
	if c == nil {
		return
	}
	if c.PhaseTransitions != nil {
		src := string(from)
		if src == "" {
			src = "none"
		}
		c.PhaseTransitions.WithLabelValues(src, string(to)).Inc()
	}
	if c.CurrentPhase != nil {
		for _, p := range model.Phases {
			v := 0.0
			if p == to {
				v = 1
			}
			c.CurrentPhase.WithLabelValues(string(p)).Set(v)
		}
	}
}

// SetLiveResources replaces the per-kind live resource gauges.
func (c *HarnessCollector) SetLiveResources(counts map[model.ResourceKind]int) {
	if c == nil || c.LiveResources == nil {
		return
	}
	for _, k := range []model.ResourceKind{
		model.KindProcess, model.KindContainer, model.KindSession,
		model.KindInterface, model.KindBridge, model.KindNamespace, model.KindFirewallRule,
	} {
		c.LiveResources.WithLabelValues(string(k)).Set(float64(counts[k]))
	}
}

// ObserveProvision records how long provisioning took.
func (c *HarnessCollector) ObserveProvision(d time.Duration) {
	if c == nil || c.ProvisionDuration == nil {
		return
	}
	c.ProvisionDuration.Observe(d.Seconds())
}

// ObserveReadiness records one router's time to ready.
func (c *HarnessCollector) ObserveReadiness(d time.Duration) {
	if c == nil || c.ReadinessLatency == nil {
		return
	}
	c.ReadinessLatency.Observe(d.Seconds())
}

// ObserveSweep counts one resource handled by teardown.
func (c *HarnessCollector) ObserveSweep(kind model.ResourceKind, outcome string) {
	if c == nil || c.SweepOutcomes == nil {
		return
	}
	c.SweepOutcomes.WithLabelValues(string(kind), outcome).Inc()
}

// ObserveRun counts a finished run.
func (c *HarnessCollector) ObserveRun(result string) {
	if c == nil || c.Runs == nil {
		return
	}
	c.Runs.WithLabelValues(result).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
