// Package metrics exports the state of the placement protocol to prometheus.
// A nil *Metrics is valid and records nothing, so tests needn't bother.
package metrics

import (
	"time"

	"github.com/adammck/placer/pkg/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "placer"

// Build results.
const (
	BuildOK    = "ok"
	BuildEmpty = "empty"
	BuildError = "error"
)

type Metrics struct {
	currentRound   prometheus.Gauge
	roundsStarted  prometheus.Counter
	roundsFinished prometheus.Counter
	dropped        *prometheus.CounterVec
	builds         *prometheus.CounterVec
	buildDuration  prometheus.Histogram
	mismatches     prometheus.Gauge
	decided        prometheus.Gauge
	lookups        prometheus.Gauge
	movedIn        prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	f := promauto.With(reg)

	return &Metrics{
		currentRound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_round",
			Help:      "ID of the most recent round started on this node",
		}),
		roundsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_started_total",
			Help:      "Total number of rounds started on this node",
		}),
		roundsFinished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_finished_total",
			Help:      "Total number of rounds finished on this node",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of protocol messages dropped without being handled",
		}, []string{"message", "reason"}), // reason: disabled/stale/invalid
		builds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_builds_total",
			Help:      "Total number of object lookups built by this node",
		}, []string{"result"}), // result: ok/empty/error
		buildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_build_duration_seconds",
			Help:      "Time spent training and compiling object lookups",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}),
		mismatches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lookup_mismatches",
			Help:      "Number of decided keys which the last built lookup routes elsewhere",
		}),
		decided: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decided_keys",
			Help:      "Number of keys this node decided to move away in the last round",
		}),
		lookups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lookups_installed",
			Help:      "Number of object lookups currently installed in the router",
		}),
		movedIn: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "moved_in_keys",
			Help:      "Number of keys routed to this node which are not here by default",
		}),
	}
}

func (m *Metrics) RoundStarted(rID api.RoundID) {
	if m == nil {
		return
	}
	m.currentRound.Set(float64(rID))
	m.roundsStarted.Inc()
}

func (m *Metrics) RoundFinished() {
	if m == nil {
		return
	}
	m.roundsFinished.Inc()
}

func (m *Metrics) Dropped(message, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(message, reason).Inc()
}

// Built records the outcome of one lookup build. mismatches is ignored unless
// the result is BuildOK.
func (m *Metrics) Built(result string, d time.Duration, decided, mismatches int) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(result).Inc()
	m.buildDuration.Observe(d.Seconds())
	m.decided.Set(float64(decided))
	if result == BuildOK {
		m.mismatches.Set(float64(mismatches))
	}
}

func (m *Metrics) Installed(lookups, movedIn int) {
	if m == nil {
		return
	}
	m.lookups.Set(float64(lookups))
	m.movedIn.Set(float64(movedIn))
}
