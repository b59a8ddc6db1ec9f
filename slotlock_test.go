package slotlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/joshbohde/slotlock/metrics"
)

func Example() {
	m, err := New(Options{
		// The number of callers allowed in at once
		Capacity: 10,
	})
	if err != nil {
		return
	}

	// This needs to be called in order to stop the manager goroutine.
	defer m.Close()

	t, err := m.Acquire(context.Background())
	if err != nil {
		return
	}

	defer m.Release(t)
}

func newManager(t testing.TB, capacity int) *Manager {
	t.Helper()
	m, err := New(Options{Capacity: capacity})
	if err != nil {
		t.Fatal("Got an error:", err)
	}
	t.Cleanup(m.Close)
	return m
}

func mustState(t testing.TB, m *Manager) State {
	t.Helper()
	s, err := m.State()
	if err != nil {
		t.Fatal("Got an error:", err)
	}
	return s
}

// Wait until the manager has queued n acquires.
func waitForWaiters(t testing.TB, m *Manager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mustState(t, m).Waiters == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters, have %+v", n, mustState(t, m))
}

func TestLock(t *testing.T) {
	m := newManager(t, 1)

	tok, err := m.Acquire(context.Background())
	if err != nil {
		t.Error("Got an error:", err)
	}
	if tok.IsZero() {
		t.Error("Expected a non-zero token")
	}

	m.Release(tok)

	if s := mustState(t, m); s.Holders != 0 || s.Waiters != 0 {
		t.Errorf("Expected an empty lock, got %+v", s)
	}
}

func TestNewRejectsBadCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		_, err := New(Options{Capacity: c})
		if !errors.Is(err, ErrInvalidCapacity) {
			t.Errorf("capacity %d: expected ErrInvalidCapacity, got %v", c, err)
		}
	}
}

func TestLockCanHaveMultiple(t *testing.T) {
	const concurrent = 4

	m := newManager(t, concurrent)
	ctx := context.Background()

	tokens := make([]Token, 0, concurrent)
	for i := 0; i < concurrent; i++ {
		tok, err := m.Acquire(ctx)
		if err != nil {
			t.Fatal("Got an error:", err)
		}
		tokens = append(tokens, tok)
	}

	if s := mustState(t, m); s.Holders != concurrent {
		t.Errorf("Expected %d holders, got %+v", concurrent, s)
	}

	for _, tok := range tokens {
		m.Release(tok)
	}

	if s := mustState(t, m); s.Holders != 0 {
		t.Errorf("Expected no holders, got %+v", s)
	}
}

func TestWaiterIsGrantedOnRelease(t *testing.T) {
	m := newManager(t, 1)
	ctx := context.Background()

	p1, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal("Got an error:", err)
	}

	granted := make(chan Token)
	go func() {
		p2, err := m.Acquire(ctx)
		if err != nil {
			t.Error("Got an error:", err)
		}
		granted <- p2
	}()

	waitForWaiters(t, m, 1)

	select {
	case <-granted:
		t.Fatal("second acquire should block while the slot is held")
	default:
	}

	m.Release(p1)

	select {
	case p2 := <-granted:
		if p2 == p1 {
			t.Error("Expected a distinct token for the second holder")
		}
		m.Release(p2)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire was never granted")
	}
}

func TestAttempt(t *testing.T) {
	m := newManager(t, 2)
	ctx := context.Background()

	p1, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal("Got an error:", err)
	}
	p2, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal("Got an error:", err)
	}

	if _, err := m.Attempt(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if s := mustState(t, m); s.Waiters != 0 {
		t.Errorf("Attempt must not queue, got %+v", s)
	}

	m.Release(p1)

	p3, err := m.Attempt()
	if err != nil {
		t.Fatal("Expected attempt to succeed, got:", err)
	}

	m.Release(p2)
	m.Release(p3)
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	m := newManager(t, 1)
	ctx := context.Background()

	held, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal("Got an error:", err)
	}

	go func() {
		tok, err := m.Acquire(ctx)
		if err == nil {
			m.Release(tok)
		}
	}()
	waitForWaiters(t, m, 1)

	before := mustState(t, m)

	m.Release(newToken())
	m.Release(Token{})

	if after := mustState(t, m); after != before {
		t.Errorf("Expected state %+v to be unchanged, got %+v", before, after)
	}

	m.Release(held)
	m.Release(held)
}

func TestWaitersAreGrantedInOrder(t *testing.T) {
	const waiters = 20

	m := newManager(t, 1)
	ctx := context.Background()

	first, err := m.Acquire(ctx)
	if err != nil {
		t.Fatal("Got an error:", err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			tok, err := m.Acquire(ctx)
			if err != nil {
				t.Error("Got an error:", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Release(tok)
		}()
		// Make arrival order deterministic.
		waitForWaiters(t, m, i+1)
	}

	m.Release(first)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("Expected waiters granted in arrival order, got %v", order)
		}
	}
}

func TestNeverExceedsCapacity(t *testing.T) {
	const (
		capacity = 3
		workers  = 50
	)

	m := newManager(t, capacity)

	var cur, peak int64
	g, ctx := errgroup.WithContext(context.Background())

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return m.Execute(ctx, func(context.Context) error {
				n := atomic.AddInt64(&cur, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&cur, -1)
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal("Got an error:", err)
	}
	if peak > capacity {
		t.Errorf("Expected at most %d concurrent holders, saw %d", capacity, peak)
	}
	if s := mustState(t, m); s.Holders != 0 || s.Waiters != 0 {
		t.Errorf("Expected an empty lock, got %+v", s)
	}
}

func TestAcquireFailsForCanceledContext(t *testing.T) {
	m := newManager(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	held, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal("Got an error:", err)
	}
	defer m.Release(held)

	_, err = m.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Error("Expected context.Canceled, got:", err)
	}
	if s := mustState(t, m); s.Waiters != 0 || s.Holders != 1 {
		t.Errorf("Expected canceled acquire to leave no trace, got %+v", s)
	}
}

func TestCanceledWaiterIsSkipped(t *testing.T) {
	met := metrics.New("test")
	m, err := New(Options{Capacity: 1, Metrics: met})
	if err != nil {
		t.Fatal("Got an error:", err)
	}
	defer m.Close()

	held, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal("Got an error:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx)
		abandoned <- err
	}()
	waitForWaiters(t, m, 1)

	granted := make(chan Token, 1)
	go func() {
		tok, err := m.Acquire(context.Background())
		if err != nil {
			t.Error("Got an error:", err)
		}
		granted <- tok
	}()
	waitForWaiters(t, m, 2)

	cancel()
	if err := <-abandoned; !errors.Is(err, context.Canceled) {
		t.Fatal("Expected context.Canceled, got:", err)
	}
	waitForWaiters(t, m, 1)

	m.Release(held)

	select {
	case tok := <-granted:
		m.Release(tok)
	case <-time.After(2 * time.Second):
		t.Fatal("the waiter behind a canceled acquire was never granted")
	}

	if s := mustState(t, m); s.Holders != 0 || s.Waiters != 0 {
		t.Errorf("Expected an empty lock, got %+v", s)
	}
	if got := testutil.ToFloat64(met.Canceled); got != 1 {
		t.Errorf("Expected 1 canceled acquire, got %v", got)
	}
	if got := testutil.ToFloat64(met.Released); got != 2 {
		t.Errorf("Expected 2 releases, got %v", got)
	}
}

func TestCanceledWaitersDoNotAccumulate(t *testing.T) {
	const cancels = 200

	m := newManager(t, 1)

	held, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal("Got an error:", err)
	}
	defer m.Release(held)

	for i := 0; i < cancels; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		abandoned := make(chan error, 1)
		go func() {
			_, err := m.Acquire(ctx)
			abandoned <- err
		}()
		waitForWaiters(t, m, 1)
		cancel()
		if err := <-abandoned; !errors.Is(err, context.Canceled) {
			t.Fatal("Expected context.Canceled, got:", err)
		}
	}

	// The State reply orders this read after every transition.
	if s := mustState(t, m); s.Waiters != 0 || s.Holders != 1 {
		t.Errorf("Expected only the original holder, got %+v", s)
	}
	if raw := m.state.waiters.q.Length(); raw != 0 {
		t.Errorf("Expected canceled waiters to be dropped, %d remain queued", raw)
	}
}

func TestShortDeadlinesLeaveLockEmpty(t *testing.T) {
	const workers = 500

	met := metrics.New("test")
	m, err := New(Options{Capacity: 2, Metrics: met})
	if err != nil {
		t.Fatal("Got an error:", err)
	}
	defer m.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		timeout := time.Duration(i%20) * 50 * time.Microsecond
		go func() {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			tok, err := m.Acquire(ctx)
			if err != nil {
				if !errors.Is(err, context.DeadlineExceeded) {
					t.Error("Expected context.DeadlineExceeded, got:", err)
				}
				return
			}
			time.Sleep(100 * time.Microsecond)
			m.Release(tok)
		}()
	}
	wg.Wait()

	if s := mustState(t, m); s.Holders != 0 || s.Waiters != 0 {
		t.Errorf("Expected an empty lock, got %+v", s)
	}

	acquired := testutil.ToFloat64(met.Acquired.WithLabelValues(metrics.PathImmediate)) +
		testutil.ToFloat64(met.Acquired.WithLabelValues(metrics.PathPromoted))
	if released := testutil.ToFloat64(met.Released); released != acquired {
		t.Errorf("Expected every grant to be released, acquired=%v released=%v", acquired, released)
	}
	if raw := m.state.waiters.q.Length(); raw != 0 {
		t.Errorf("Expected an empty wait queue, %d entries remain", raw)
	}
}

func TestCloseFailsPendingAcquires(t *testing.T) {
	m, err := New(Options{Capacity: 1})
	if err != nil {
		t.Fatal("Got an error:", err)
	}

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal("Got an error:", err)
	}

	pending := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background())
		pending <- err
	}()
	waitForWaiters(t, m, 1)

	m.Close()
	m.Close()

	if err := <-pending; !errors.Is(err, ErrClosed) {
		t.Error("Expected ErrClosed for a queued acquire, got:", err)
	}
	if _, err := m.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Error("Expected ErrClosed, got:", err)
	}
	if _, err := m.Attempt(); !errors.Is(err, ErrClosed) {
		t.Error("Expected ErrClosed, got:", err)
	}
	if _, err := m.State(); !errors.Is(err, ErrClosed) {
		t.Error("Expected ErrClosed, got:", err)
	}

	m.Release(newToken())
}

func BenchmarkLock(b *testing.B) {
	m := newManager(b, 1)
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		tok, err := m.Acquire(ctx)
		if err != nil {
			b.Log("Got an error:", err)
			return
		}
		m.Release(tok)
	}
	b.StopTimer()
}

func BenchmarkLockOverloaded(b *testing.B) {
	m := newManager(b, 10)

	wg := sync.WaitGroup{}
	wg.Add(b.N)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		go func() {
			defer wg.Done()
			tok, err := m.Acquire(context.Background())
			if err != nil {
				return
			}
			m.Release(tok)
		}()
	}
	wg.Wait()

	b.StopTimer()
}
