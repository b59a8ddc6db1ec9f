package slotlock

import (
	"time"

	"github.com/eapache/queue"
)

type opKind int

const (
	opAcquire opKind = iota
	opAttempt
	opRelease
	opCancel
	opState
)

// request is for returning a reply to the calling goroutine. A queued
// acquire stays in the wait queue as its own pending record.
type request struct {
	kind     opKind
	token    Token
	target   *request // the acquire being abandoned, for opCancel
	reply    chan error
	snapshot chan State

	enqueuedTime time.Time
	waiting      bool
	canceled     bool
}

func newRequest(kind opKind, token Token) *request {
	return &request{
		kind:  kind,
		token: token,
		reply: make(chan error, 1),
	}
}

// Grant the slot to a waiting caller. The reply channel is buffered, so this
// never blocks the manager.
func (r *request) grant() {
	r.waiting = false
	r.reply <- nil
}

func (r *request) fail(err error) {
	r.waiting = false
	r.reply <- err
}

// waitQueue is a FIFO of pending acquires. Canceled entries are left in
// place and skipped when they reach the head. The ring is compacted so dead
// entries never outnumber live ones.
type waitQueue struct {
	q    *queue.Queue
	live int
	dead int
}

func newWaitQueue() *waitQueue {
	return &waitQueue{q: queue.New()}
}

func (w *waitQueue) Len() int {
	return w.live
}

func (w *waitQueue) Push(r *request) {
	r.waiting = true
	w.q.Add(r)
	w.live++
}

// Pop the oldest live entry, discarding canceled ones on the way.
func (w *waitQueue) Pop() *request {
	defer w.compact()
	for w.q.Length() > 0 {
		r := w.q.Remove().(*request)
		if r.canceled {
			w.dead--
			continue
		}
		w.live--
		return r
	}
	return nil
}

func (w *waitQueue) Remove(r *request) {
	if !r.waiting || r.canceled {
		return
	}
	r.canceled = true
	r.waiting = false
	w.live--
	w.dead++
	w.compact()
}

// Drop canceled entries at the head, and rebuild the ring once the dead
// outnumber the live.
func (w *waitQueue) compact() {
	for w.q.Length() > 0 && w.q.Peek().(*request).canceled {
		w.q.Remove()
		w.dead--
	}
	if w.dead <= w.live {
		return
	}

	q := queue.New()
	for w.q.Length() > 0 {
		if r := w.q.Remove().(*request); !r.canceled {
			q.Add(r)
		}
	}
	w.q = q
	w.dead = 0
}

// state is owned exclusively by the manager goroutine.
type state struct {
	capacity int
	holders  map[Token]struct{}
	waiters  *waitQueue
}

func newState(capacity int) *state {
	return &state{
		capacity: capacity,
		holders:  make(map[Token]struct{}, capacity),
		waiters:  newWaitQueue(),
	}
}

func (s *state) full() bool {
	return len(s.holders) >= s.capacity
}

func (s *state) holds(t Token) bool {
	_, ok := s.holders[t]
	return ok
}

// Admit t if there is a free slot.
func (s *state) tryAdmit(t Token) bool {
	if s.full() {
		return false
	}
	s.holders[t] = struct{}{}
	return true
}

func (s *state) enqueue(r *request, now time.Time) {
	r.enqueuedTime = now
	s.waiters.Push(r)
}

// release frees the slot held by t and moves the head waiter, if any, into
// it. Only one waiter is promoted since only one slot was freed.
func (s *state) release(t Token) (promoted *request, released bool) {
	if !s.holds(t) {
		return nil, false
	}
	delete(s.holders, t)

	next := s.waiters.Pop()
	if next != nil {
		s.holders[next.token] = struct{}{}
	}
	return next, true
}

// cancel abandons an acquire. A queued acquire leaves the queue; one that was
// already granted gives its slot back.
func (s *state) cancel(r *request) (promoted *request, removed bool) {
	if r.waiting {
		s.waiters.Remove(r)
		return nil, true
	}
	return s.release(r.token)
}

// drain empties the wait queue, returning the live entries in order.
func (s *state) drain() []*request {
	var out []*request
	for r := s.waiters.Pop(); r != nil; r = s.waiters.Pop() {
		out = append(out, r)
	}
	return out
}

func (s *state) snapshot() State {
	return State{
		Capacity: s.capacity,
		Holders:  len(s.holders),
		Waiters:  s.waiters.Len(),
	}
}
