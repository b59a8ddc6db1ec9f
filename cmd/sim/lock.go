package main

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/joshbohde/slotlock"
)

// Locker is a concurrency limiter under simulation. The returned func gives
// the slot back.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
	Close()
}

// Waits in the manager's FIFO queue until the deadline.
type queued struct {
	m *slotlock.Manager
}

func (q queued) Acquire(ctx context.Context) (func(), error) {
	t, err := q.m.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return func() { q.m.Release(t) }, nil
}

func (q queued) Close() { q.m.Close() }

// Never waits; rejects as soon as every slot is held.
type failFast struct {
	m *slotlock.Manager
}

func (f failFast) Acquire(context.Context) (func(), error) {
	t, err := f.m.Attempt()
	if err != nil {
		return nil, err
	}
	return func() { f.m.Release(t) }, nil
}

func (f failFast) Close() { f.m.Close() }

type weighted struct {
	sem *semaphore.Weighted
}

func newWeighted(capacity int) weighted {
	return weighted{sem: semaphore.NewWeighted(int64(capacity))}
}

func (w weighted) Acquire(ctx context.Context) (func(), error) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { w.sem.Release(1) }, nil
}

func (w weighted) Close() {}
