// Package metrics exposes Prometheus collectors for a slotlock Manager.
// Every method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Acquisition paths, used as the "path" label of the acquired counter.
const (
	PathImmediate = "immediate"
	PathPromoted  = "promoted"
)

// Metrics holds the collectors updated by a Manager.
type Metrics struct {
	Acquired     *prometheus.CounterVec
	Unavailable  prometheus.Counter
	Released     prometheus.Counter
	NoopReleases prometheus.Counter
	Canceled     prometheus.Counter
	Holders      prometheus.Gauge
	Waiters      prometheus.Gauge
	Capacity     prometheus.Gauge
	Wait         prometheus.Histogram
}

// New builds an unregistered set of collectors under namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		Acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquired_total",
			Help:      "Total number of granted slots, by acquisition path",
		}, []string{"path"}),
		Unavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unavailable_total",
			Help:      "Total number of attempts rejected because every slot was held",
		}),
		Released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "released_total",
			Help:      "Total number of slots released by their holder",
		}),
		NoopReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "noop_releases_total",
			Help:      "Total number of releases by callers not holding a slot",
		}),
		Canceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "canceled_total",
			Help:      "Total number of acquires abandoned by their caller",
		}),
		Holders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "holders",
			Help:      "Current number of held slots",
		}),
		Waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiters",
			Help:      "Current number of queued acquires",
		}),
		Capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity",
			Help:      "Number of slots",
		}),
		Wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Time a queued acquire spent waiting for promotion",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

// Register all collectors on reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Acquired, m.Unavailable, m.Released, m.NoopReleases, m.Canceled,
		m.Holders, m.Waiters, m.Capacity, m.Wait,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) SetCapacity(n int) {
	if m == nil {
		return
	}
	m.Capacity.Set(float64(n))
}

// Observe the occupancy after a transition.
func (m *Metrics) Observe(holders, waiters int) {
	if m == nil {
		return
	}
	m.Holders.Set(float64(holders))
	m.Waiters.Set(float64(waiters))
}

func (m *Metrics) Acquire(path string) {
	if m == nil {
		return
	}
	m.Acquired.WithLabelValues(path).Inc()
}

// Promote records a waiter granted a slot after waiting for d.
func (m *Metrics) Promote(d time.Duration) {
	if m == nil {
		return
	}
	m.Acquired.WithLabelValues(PathPromoted).Inc()
	m.Wait.Observe(d.Seconds())
}

func (m *Metrics) Unavail() {
	if m == nil {
		return
	}
	m.Unavailable.Inc()
}

// Release records a release; held is false when the caller held nothing.
func (m *Metrics) Release(held bool) {
	if m == nil {
		return
	}
	if held {
		m.Released.Inc()
	} else {
		m.NoopReleases.Inc()
	}
}

func (m *Metrics) Cancel() {
	if m == nil {
		return
	}
	m.Canceled.Inc()
}
