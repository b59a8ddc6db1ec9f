package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/joshbohde/slotlock"
	"github.com/joshbohde/slotlock/metrics"
	"github.com/joshbohde/slotlock/stats"
)

func msToWait(perSec int64) time.Duration {
	ms := rand.ExpFloat64() / (float64(perSec) / 1000)
	return time.Duration(ms * float64(time.Millisecond))
}

type Simulation struct {
	Method       string
	TimeToRun    time.Duration
	Deadline     time.Duration
	InputPerSec  int64
	OutputPerSec int64
	Completed    uint64
	Rejected     uint64
	Started      int64
	Stats        *stats.Stats
	mu           sync.Mutex
}

// Process models a single serial resource draining at OutputPerSec, however
// many slots the lock hands out.
func (sim *Simulation) Process() {
	sim.mu.Lock()
	time.Sleep(msToWait(sim.OutputPerSec))
	sim.mu.Unlock()
}

func (sim *Simulation) LogValue() slog.Value {
	started := float64(sim.Started)
	if started == 0 {
		started = 1
	}
	completed := float64(atomic.LoadUint64(&sim.Completed)) / started
	rejected := float64(atomic.LoadUint64(&sim.Rejected)) / started

	return slog.GroupValue(
		slog.String("method", sim.Method),
		slog.Duration("duration", sim.TimeToRun),
		slog.Duration("deadline", sim.Deadline),
		slog.Int64("input", sim.InputPerSec),
		slog.Int64("output", sim.OutputPerSec),
		slog.String("throughput", fmt.Sprintf("%.2f", float64(sim.InputPerSec)*completed)),
		slog.String("completed", fmt.Sprintf("%.4f", completed)),
		slog.String("rejected", fmt.Sprintf("%.4f", rejected)),
		slog.Duration("p50", sim.Stats.Query(0.5)),
		slog.Duration("p95", sim.Stats.Query(0.95)),
		slog.Duration("p99", sim.Stats.Query(0.99)),
	)
}

// Model input & output as random processes with average throughput.
func (sim *Simulation) Run(lock Locker) {
	defer lock.Close()
	defer sim.Stats.Close()

	start := time.Now()
	wg := sync.WaitGroup{}

	for {
		time.Sleep(msToWait(sim.InputPerSec))

		if time.Since(start) > sim.TimeToRun {
			break
		}

		sim.Started++
		wg.Add(1)

		go func() {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), sim.Deadline)
			defer cancel()

			timer := sim.Stats.Time()
			release, err := lock.Acquire(ctx)
			if err != nil {
				atomic.AddUint64(&sim.Rejected, 1)
				return
			}
			timer.Mark()

			sim.Process()
			atomic.AddUint64(&sim.Completed, 1)
			release()
		}()
	}

	wg.Wait()
}

type config struct {
	runtime  time.Duration
	deadline time.Duration
	capacity int
	registry prometheus.Registerer
}

// Each manager gets its own collectors, distinguished by constant labels.
func (c config) manager(method string, in, out int64) (*slotlock.Manager, error) {
	var m *metrics.Metrics
	if c.registry != nil {
		m = metrics.New("slotlock_sim")
		reg := prometheus.WrapRegistererWith(prometheus.Labels{
			"method": method,
			"input":  fmt.Sprint(in),
			"output": fmt.Sprint(out),
		}, c.registry)
		if err := m.Register(reg); err != nil {
			return nil, err
		}
	}

	return slotlock.New(slotlock.Options{
		Capacity: c.capacity,
		Metrics:  m,
	})
}

func Overloaded(cfg config) ([]*Simulation, error) {
	g := errgroup.Group{}
	runs := []*Simulation{}

	run := func(in, out int64) error {
		q, err := cfg.manager("slotlock", in, out)
		if err != nil {
			return err
		}
		f, err := cfg.manager("failfast", in, out)
		if err != nil {
			q.Close()
			return err
		}

		lockers := map[string]Locker{
			"slotlock":  queued{m: q},
			"failfast":  failFast{m: f},
			"semaphore": newWeighted(cfg.capacity),
		}

		for method, lock := range lockers {
			sim := &Simulation{
				Method:       method,
				Deadline:     cfg.deadline,
				InputPerSec:  in,
				OutputPerSec: out,
				TimeToRun:    cfg.runtime,
				Stats:        stats.New(),
			}
			runs = append(runs, sim)

			lock := lock
			g.Go(func() error {
				sim.Run(lock)
				return nil
			})
		}
		return nil
	}

	for _, rates := range [][2]int64{{1000, 1000}, {950, 1000}, {1000, 750}, {1000, 250}} {
		if err := run(rates[0], rates[1]); err != nil {
			// Let the runs already started finish; each closes its own lock.
			return nil, errors.Join(err, g.Wait())
		}
	}

	return runs, g.Wait()
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	runtime := flag.Duration("simulation-time", 5*time.Second, "Time to run each simulation")
	deadline := flag.Duration("deadline", 1*time.Second, "Hard deadline to remain in the queue")
	capacity := flag.Int("capacity", 10, "Number of concurrent slots")
	metricsAddr := flag.String("metrics-addr", "", "If set, serve Prometheus metrics on this address")

	flag.Parse()

	cfg := config{
		runtime:  *runtime,
		deadline: *deadline,
		capacity: *capacity,
	}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		cfg.registry = reg

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	runs, err := Overloaded(cfg)
	if err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
	for _, r := range runs {
		logger.Info("simulation", "result", r)
	}
}
