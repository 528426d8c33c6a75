// Package telemetry exposes the runtime's Prometheus metrics surface (A3):
// session-state transition counts, resolver rebalance/hot-node counts, and
// trident consensus/CHAOS outcome counts. Grounded on
// ocx-backend-go-svc/internal/escrow's Metrics struct of promauto-
// registered vectors plus typed Record* methods.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the runtime registers.
type Metrics struct {
	SessionTransitions *prometheus.CounterVec
	SessionStates      *prometheus.GaugeVec

	ResolverRebalances   prometheus.Counter
	ResolverHotNodes     prometheus.Gauge
	ResolverModeSwitches *prometheus.CounterVec

	TridentPackets         *prometheus.CounterVec
	TridentChaosRepairRate prometheus.Gauge
}

// NewMetrics constructs and registers the metrics described above against
// reg. Each caller supplies its own registry (prometheus.NewRegistry() in
// tests and in cmd/polycore-node) rather than this
// package reaching for the global default, so constructing a Metrics
// twice in one process (e.g. once per test) never panics on duplicate
// registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polycore_session_transitions_total",
				Help: "Total session state machine transitions, by edge.",
			},
			[]string{"from", "to"},
		),
		SessionStates: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polycore_sessions_in_state",
				Help: "Number of live sessions currently in each state.",
			},
			[]string{"state"},
		),
		ResolverRebalances: f.NewCounter(
			prometheus.CounterOpts{
				Name: "polycore_resolver_rebalances_total",
				Help: "Total frequency-weighted resolver reorganizations performed.",
			},
		),
		ResolverHotNodes: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "polycore_resolver_hot_nodes",
				Help: "Number of nodes promoted toward the root by the last rebalance.",
			},
		),
		ResolverModeSwitches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polycore_resolver_mode_switches_total",
				Help: "Total resolver discipline switches, by target mode.",
			},
			[]string{"mode"},
		),
		TridentPackets: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polycore_trident_packets_total",
				Help: "Total trident packets classified, by classification and outcome.",
			},
			[]string{"classification", "outcome"}, // outcome: delivered, rejected, repaired
		),
		TridentChaosRepairRate: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "polycore_trident_chaos_repair_rate",
				Help: "Fraction of the reporting pipeline's CHAOS packets, over its lifetime, the repair enzyme recovered.",
			},
		),
	}
}

// RecordSessionTransition records a successful state-machine edge.
func (m *Metrics) RecordSessionTransition(from, to string) {
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}

// SetSessionStateCounts overwrites the live per-state session gauges from a
// fresh registry snapshot.
func (m *Metrics) SetSessionStateCounts(counts map[string]int) {
	for state, n := range counts {
		m.SessionStates.WithLabelValues(state).Set(float64(n))
	}
}

// RecordRebalance records one resolver reorganization promoting
// hotNodeCount nodes toward the root.
func (m *Metrics) RecordRebalance(hotNodeCount int) {
	m.ResolverRebalances.Inc()
	m.ResolverHotNodes.Set(float64(hotNodeCount))
}

// RecordModeSwitch records the resolver adopting a new balancing mode.
func (m *Metrics) RecordModeSwitch(mode string) {
	m.ResolverModeSwitches.WithLabelValues(mode).Inc()
}

// RecordPacketOutcome records one trident packet's classification and the
// pipeline outcome it reached (delivered, rejected, or repaired-then-
// delivered).
func (m *Metrics) RecordPacketOutcome(classification, outcome string) {
	m.TridentPackets.WithLabelValues(classification, outcome).Inc()
}

// SetChaosRepairRate records the CHAOS repair success fraction the caller
// computed; the trident pipeline reports it over its lifetime counters.
func (m *Metrics) SetChaosRepairRate(rate float64) {
	m.TridentChaosRepairRate.Set(rate)
}
