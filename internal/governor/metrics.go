package governor

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes governor state as Prometheus collectors for operators who
// scrape the council process; registration is opt-in so tests and one-shot
// CLI invocations don't need a registry.
type Metrics struct {
	SlotsInUse      prometheus.Gauge
	SlotWaitSeconds prometheus.Histogram
	Overloads       prometheus.Counter
}

// NewMetrics builds collectors and registers them against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "council",
			Subsystem: "governor",
			Name:      "slots_in_use",
			Help:      "Local concurrency slots currently held.",
		}),
		SlotWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "council",
			Subsystem: "governor",
			Name:      "slot_wait_seconds",
			Help:      "Time spent waiting to acquire a local slot.",
			Buckets:   prometheus.DefBuckets,
		}),
		Overloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "council",
			Subsystem: "governor",
			Name:      "local_overloads_total",
			Help:      "Seats that failed to acquire a slot within the wait window.",
		}),
	}
	reg.MustRegister(m.SlotsInUse, m.SlotWaitSeconds, m.Overloads)
	return m
}

// Observe records one completed Acquire attempt's wait duration, and bumps
// the overload counter when the attempt failed with local overload.
func (m *Metrics) Observe(waitSeconds float64, overloaded bool) {
	if m == nil {
		return
	}
	m.SlotWaitSeconds.Observe(waitSeconds)
	if overloaded {
		m.Overloads.Inc()
	}
}
