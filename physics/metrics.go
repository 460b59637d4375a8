package physics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics exposes the update pipeline's timing and occupancy to a
// caller-supplied prometheus.Registerer. A nil registerer
// leaves every metric unregistered but still safe to observe; the
// simulation never depends on them.
type metrics struct {
	stepDuration  prometheus.Histogram
	phaseDuration *prometheus.HistogramVec
	activeBodies  prometheus.Gauge
	islandCount   prometheus.Gauge
	capacityHits  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "physics",
			Name:      "step_duration_seconds",
			Help:      "Wall time of one full Update call.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 2, 16),
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "physics",
			Name:      "phase_duration_seconds",
			Help:      "Wall time per pipeline phase.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 2, 16),
		}, []string{"phase"}),
		activeBodies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "physics",
			Name:      "active_bodies",
			Help:      "Bodies participating in the current step.",
		}),
		islandCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "physics",
			Name:      "islands",
			Help:      "Independent solver islands in the current step.",
		}),
		capacityHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "physics",
			Name:      "capacity_exceeded_total",
			Help:      "Times a configured capacity limit truncated work.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.stepDuration, m.phaseDuration, m.activeBodies, m.islandCount, m.capacityHits)
	}
	return m
}
