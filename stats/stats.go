// Package stats collects latency quantiles without keeping every sample.
package stats

import (
	"sync"
	"time"

	"github.com/bmizerany/perks/quantile"
)

// Stats streams durations into a targeted quantile estimator. Samples are fed
// to a single collector goroutine, so Observe is safe for concurrent use.
type Stats struct {
	mu      sync.Mutex
	stream  *quantile.Stream
	samples chan time.Duration
	done    chan struct{}
	once    sync.Once
}

type Timer struct {
	start time.Time
	stats *Stats
}

// Mark records the time since the Timer was started.
func (t Timer) Mark() {
	t.stats.Observe(time.Since(t.start))
}

func New() *Stats {
	s := &Stats{
		stream:  quantile.NewTargeted(0.5, 0.95, 0.99),
		samples: make(chan time.Duration, 64),
		done:    make(chan struct{}),
	}

	go func() {
		for d := range s.samples {
			s.mu.Lock()
			s.stream.Insert(float64(d.Nanoseconds()))
			s.mu.Unlock()
		}
		close(s.done)
	}()

	return s
}

func (s *Stats) Time() Timer {
	return Timer{start: time.Now(), stats: s}
}

func (s *Stats) Observe(d time.Duration) {
	s.samples <- d
}

// Query estimates quantile q. Only samples already consumed by the collector
// are included; call Close first for an exact view.
func (s *Stats) Query(q float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream.Count() == 0 {
		return 0
	}
	return time.Duration(s.stream.Query(q))
}

func (s *Stats) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Count()
}

// Close stops the collector once every pending sample is recorded. Observe
// must not be called afterwards.
func (s *Stats) Close() {
	s.once.Do(func() {
		close(s.samples)
	})
	<-s.done
}
