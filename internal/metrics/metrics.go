// Package metrics registers the process-wide Prometheus collectors the
// daemon tick loop and pipeline stages report through: scheduler
// in-flight gauge, throttle gate state, lane decisions, and gate
// pass/fail counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SchedulerInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ralph_scheduler_inflight",
		Help: "Number of tasks the scheduler launched in the most recent tick and has not yet seen return.",
	})

	throttleGate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ralph_throttle_gate",
		Help: "1 for the currently active throttle gate state, 0 for the others.",
	}, []string{"state"})

	laneOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_lane_outcomes_total",
		Help: "Recovery lane decisions, by lane and outcome.",
	}, []string{"lane", "outcome"})

	gateResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_gate_results_total",
		Help: "Pipeline gate results, by gate name and status.",
	}, []string{"gate", "status"})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ralph_daemon_tick_duration_seconds",
		Help:    "Wall-clock duration of a full daemon tick (inventory refresh, GitHub sync, scheduler invocation, heartbeat).",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(SchedulerInflight, throttleGate, laneOutcomes, gateResults, tickDuration)
}

// throttleGateStates lists every label value throttleGate carries, so
// SetThrottleGate can zero the ones that are not currently active.
var throttleGateStates = []string{"running", "soft-throttled", "hard-throttled"}

// SetThrottleGate marks state as the daemon's current throttle gate and
// zeroes every other known state, so a single Prometheus query always
// shows exactly one state lit per daemon.
func SetThrottleGate(state string) {
	for _, s := range throttleGateStates {
		v := 0.0
		if s == state {
			v = 1
		}
		throttleGate.WithLabelValues(s).Set(v)
	}
}

// RecordLaneOutcome increments the counter for one recovery lane decision.
func RecordLaneOutcome(lane, outcome string) {
	laneOutcomes.WithLabelValues(lane, outcome).Inc()
}

// RecordGateResult increments the counter for one pipeline gate result.
func RecordGateResult(gate, status string) {
	gateResults.WithLabelValues(gate, status).Inc()
}

// ObserveTickDuration records how long one daemon tick took.
func ObserveTickDuration(seconds float64) {
	tickDuration.Observe(seconds)
}

// Handler serves the registered collectors in the Prometheus text
// exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
