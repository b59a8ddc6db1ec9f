// Package slotlock implements a bounded-concurrency FIFO lock: a counting
// semaphore with a fixed number of slots. All lock state is owned by a single
// goroutine that processes one request at a time, so every transition is
// atomic without any internal mutex. Callers that find every slot held are
// queued and granted access in strict arrival order; nobody spins or polls,
// waiting is done on a per-request reply channel.
//
// A caller's identity is the Token returned by Acquire or Attempt, and only
// the holder of a Token can give its slot back with Release.
package slotlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshbohde/slotlock/metrics"
)

var (
	// ErrUnavailable is returned by Attempt when every slot is held.
	ErrUnavailable = errors.New("slotlock: unavailable")
	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("slotlock: closed")
	// ErrInvalidCapacity is returned by New for a non-positive capacity.
	ErrInvalidCapacity = errors.New("slotlock: capacity must be positive")
	// ErrNameTaken is returned by New when the requested name is registered.
	ErrNameTaken = errors.New("slotlock: name already registered")
)

// Token identifies the holder of a slot. The zero Token never holds one.
type Token struct {
	id uuid.UUID
}

func newToken() Token {
	return Token{id: uuid.New()}
}

// IsZero reports whether t is the zero Token.
func (t Token) IsZero() bool {
	return t.id == uuid.Nil
}

func (t Token) String() string {
	return t.id.String()
}

// State is a point-in-time view of a Manager's occupancy.
type State struct {
	Capacity int
	Holders  int
	Waiters  int
}

// Options are options to configure a Manager.
type Options struct {
	Capacity int              // The number of slots
	Name     string           // If set, register the Manager under this name
	Registry *Registry        // Where Name is registered; DefaultRegistry if nil
	Logger   *slog.Logger     // slog.Default() if nil
	Metrics  *metrics.Metrics // Optional collectors, updated on every transition
}

// Manager is a counting semaphore granting slots in FIFO order.
type Manager struct {
	name     string
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Metrics

	state     *state
	requests  chan *request
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a Manager. The returned Manager must be closed to stop its
// goroutine.
func New(opts Options) (*Manager, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, opts.Capacity)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		name:     opts.Name,
		log:      logger.With("lock", opts.Name),
		metrics:  opts.Metrics,
		state:    newState(opts.Capacity),
		requests: make(chan *request),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	if opts.Name != "" {
		m.registry = opts.Registry
		if m.registry == nil {
			m.registry = DefaultRegistry
		}
		if err := m.registry.register(opts.Name, m); err != nil {
			return nil, err
		}
	}

	m.metrics.SetCapacity(opts.Capacity)
	m.metrics.Observe(0, 0)

	go m.run()

	m.log.Debug("lock manager started", "capacity", opts.Capacity)
	return m, nil
}

// Name returns the name the Manager was registered under, if any.
func (m *Manager) Name() string {
	return m.name
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case r := <-m.requests:
			m.handle(r)
			m.metrics.Observe(len(m.state.holders), m.state.waiters.Len())
		case <-m.closing:
			m.shutdown()
			return
		}
	}
}

func (m *Manager) handle(r *request) {
	s := m.state
	switch r.kind {
	case opAcquire:
		if s.tryAdmit(r.token) {
			m.metrics.Acquire(metrics.PathImmediate)
			r.reply <- nil
			return
		}
		s.enqueue(r, time.Now())
		m.log.Debug("acquire queued", "token", r.token, "waiters", s.waiters.Len())

	case opAttempt:
		if s.tryAdmit(r.token) {
			m.metrics.Acquire(metrics.PathImmediate)
			r.reply <- nil
			return
		}
		m.metrics.Unavail()
		r.reply <- ErrUnavailable

	case opRelease:
		next, held := s.release(r.token)
		m.metrics.Release(held)
		m.promote(next)
		r.reply <- nil

	case opCancel:
		// Every abandoned acquire counts as canceled. One whose grant won the
		// race also gave its slot back, so it counts as a release too.
		queued := r.target.waiting
		next, removed := s.cancel(r.target)
		if removed {
			m.metrics.Cancel()
			if !queued {
				m.metrics.Release(true)
			}
			m.log.Debug("acquire canceled", "token", r.target.token, "was_granted", !queued)
		}
		m.promote(next)
		r.reply <- nil

	case opState:
		r.snapshot <- s.snapshot()
	}
}

func (m *Manager) promote(r *request) {
	if r == nil {
		return
	}
	waited := time.Since(r.enqueuedTime)
	m.metrics.Promote(waited)
	m.log.Debug("waiter promoted", "token", r.token, "waited", waited)
	r.grant()
}

// Fail every queued acquire. Holders are simply forgotten.
func (m *Manager) shutdown() {
	pending := m.state.drain()
	for _, r := range pending {
		r.fail(ErrClosed)
	}
	if m.registry != nil {
		m.registry.unregister(m.name, m)
	}
	m.metrics.Observe(0, 0)
	m.log.Debug("lock manager closed", "failed_waiters", len(pending))
}

// Hand r to the manager goroutine.
func (m *Manager) send(ctx context.Context, r *request) error {
	select {
	case m.requests <- r:
		return nil
	case <-m.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire a slot with FIFO ordering, blocking until one is granted. If ctx
// ends first the queued request is withdrawn and ctx.Err() is returned. On
// success the caller must eventually pass the Token to Release.
func (m *Manager) Acquire(ctx context.Context) (Token, error) {
	r := newRequest(opAcquire, newToken())
	if err := m.send(ctx, r); err != nil {
		return Token{}, err
	}

	select {
	case err := <-r.reply:
		if err != nil {
			return Token{}, err
		}
		return r.token, nil
	case <-ctx.Done():
		m.abandon(r)
		return Token{}, ctx.Err()
	}
}

// Withdraw an acquire whose caller stopped waiting. If the slot was granted in
// the meantime the manager releases it.
func (m *Manager) abandon(r *request) {
	c := newRequest(opCancel, Token{})
	c.target = r
	if err := m.send(context.Background(), c); err != nil {
		return
	}
	<-c.reply
}

// Attempt to take a slot without waiting. Returns ErrUnavailable if every
// slot is held.
func (m *Manager) Attempt() (Token, error) {
	r := newRequest(opAttempt, newToken())
	if err := m.send(context.Background(), r); err != nil {
		return Token{}, err
	}
	if err := <-r.reply; err != nil {
		return Token{}, err
	}
	return r.token, nil
}

// Release the slot held by t. Releasing a Token that holds nothing, or
// releasing on a closed Manager, does nothing.
func (m *Manager) Release(t Token) {
	if t.IsZero() {
		return
	}
	r := newRequest(opRelease, t)
	if err := m.send(context.Background(), r); err != nil {
		return
	}
	<-r.reply
}

// State returns the current occupancy.
func (m *Manager) State() (State, error) {
	r := newRequest(opState, Token{})
	r.snapshot = make(chan State, 1)
	if err := m.send(context.Background(), r); err != nil {
		return State{}, err
	}
	return <-r.snapshot, nil
}

// Close the Manager and wait for its goroutine to finish. Queued and later
// acquires fail with ErrClosed.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closing)
	})
	<-m.done
}
