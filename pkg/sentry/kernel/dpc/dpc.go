// Package dpc implements the deferred-procedure-call queue: work
// queued from interrupt context and run later by a dedicated worker.
// Slots are preallocated so Request can never allocate, matching the
// "pool exhaustion is fatal" contract an interrupt handler needs (it
// cannot itself block or fail).
package dpc

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/aejsmith/vireo/pkg/klog"
	"github.com/aejsmith/vireo/pkg/ksync"
)

// Func is a deferred procedure: the work requested from interrupt
// context and run later on the worker thread.
type Func func(arg any)

type slot struct {
	fn  Func
	arg any
}

// Queue is a process-wide DPC system: a free list of preallocated
// slots, a pending list, a spinlock, and a counting semaphore the
// worker blocks on.
type Queue struct {
	lock    ksync.SpinLock
	free    []*slot
	pending []*slot
	sem     *semaphore.Weighted

	stop chan struct{}
}

// New creates a DPC queue with room for capacity outstanding requests.
// The semaphore starts with no permits available, so Run blocks until a
// Request (or Stop) releases one; its size leaves room for every slot
// plus Stop's release.
func New(capacity int) *Queue {
	q := &Queue{
		sem:  semaphore.NewWeighted(int64(capacity) + 1),
		stop: make(chan struct{}),
	}
	q.sem.TryAcquire(int64(capacity) + 1)
	q.free = make([]*slot, capacity)
	for i := range q.free {
		q.free[i] = &slot{}
	}
	return q
}

// Request queues fn(arg) to run on the worker thread. IRQ-safe: it only
// ever pops a preallocated slot and appends it, never allocates, so it
// is fine to call from an interrupt handler. Pool exhaustion is fatal:
// the pool must be provisioned large enough for the worst case.
func (q *Queue) Request(fn Func, arg any) {
	q.lock.LockIRQSave()
	if len(q.free) == 0 {
		q.lock.UnlockIRQRestore()
		klog.Panic("dpc: request pool exhausted")
	}
	s := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	s.fn, s.arg = fn, arg
	q.pending = append(q.pending, s)
	q.lock.UnlockIRQRestore()

	// Raise the semaphore outside the spinlock: Acquire/Release on
	// golang.org/x/sync/semaphore can block the releaser on internal
	// bookkeeping, which must never happen while holding an IRQ-disabling
	// spinlock.
	q.sem.Release(1)
}

// Run is the worker loop: block on the semaphore, pop one
// request, release the spinlock before running the function (so a
// concurrent Request isn't blocked by a slow DPC), run it, then return
// the slot to the free list. Run returns when Stop is called.
func (q *Queue) Run(ctx context.Context) {
	for {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}
		select {
		case <-q.stop:
			return
		default:
		}

		q.lock.LockIRQSave()
		if len(q.pending) == 0 {
			q.lock.UnlockIRQRestore()
			continue
		}
		s := q.pending[0]
		q.pending = q.pending[1:]
		q.lock.UnlockIRQRestore()

		fn, arg := s.fn, s.arg
		s.fn, s.arg = nil, nil
		fn(arg)

		q.lock.LockIRQSave()
		q.free = append(q.free, s)
		q.lock.UnlockIRQRestore()
	}
}

// Stop signals Run to return after draining any already-acquired
// semaphore permit.
func (q *Queue) Stop() {
	close(q.stop)
	q.sem.Release(1) // unblock a Run loop parked in Acquire.
}

// Pending reports the number of requests not yet run, for tests and
// diagnostics.
func (q *Queue) Pending() int {
	q.lock.LockIRQSave()
	defer q.lock.UnlockIRQRestore()
	return len(q.pending)
}
