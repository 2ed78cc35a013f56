// Package waitq implements the wait queue: a spinlock plus an
// ordered list of parked threads. It depends only on the small Thread
// contract below rather than importing pkg/sentry/kernel directly, the
// same opaque-interface trick pgalloc.Wirer uses to let kernel.Thread
// satisfy it structurally without a kernel<->waitq import cycle.
package waitq

import (
	"time"

	"github.com/aejsmith/vireo/pkg/ksync"
)

// Thread is the subset of kernel.Thread's contract a wait queue needs to
// drive the state machine around a sleep.
type Thread interface {
	// MarkSleeping transitions the thread Running/Ready -> Sleeping.
	MarkSleeping()
	// MarkReady transitions the thread back to Ready and reinserts it
	// into the scheduler.
	MarkReady()
}

// Result is the outcome of a Sleep call.
type Result int

const (
	Success Result = iota
	TimedOut
	Interrupted
	WouldBlock
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case TimedOut:
		return "timed-out"
	case Interrupted:
		return "interrupted"
	case WouldBlock:
		return "would-block"
	default:
		return "unknown"
	}
}

type waiter struct {
	thread        Thread
	ch            chan Result
	timer         *time.Timer
	interruptible bool
}

// Queue is a wait queue: a spinlock bridging enqueue and scheduler
// hand-off, plus a FIFO of parked threads.
type Queue struct {
	lock    ksync.SpinLock
	waiters []*waiter
}

// New returns an empty wait queue.
func New() *Queue { return &Queue{} }

// SleepPrepare disables local IRQs and locks the queue. The caller must
// follow with exactly one Sleep call.
func (q *Queue) SleepPrepare() {
	q.lock.LockIRQSave()
}

// Sleep must be called immediately after SleepPrepare. It atomically
// appends t to the queue, transitions it to Sleeping, arms a timeout
// timer if requested, unlocks the queue, and blocks the calling
// goroutine — standing in for "call scheduler" — until woken, timed
// out, or interrupted.
//
// timeout == 0 is a non-blocking probe; timeout < 0 means no
// timeout; timeout > 0 arms a one-shot timer.
func (q *Queue) Sleep(t Thread, interruptible bool, timeout time.Duration) Result {
	if timeout == 0 {
		q.lock.UnlockIRQRestore()
		return WouldBlock
	}

	w := &waiter{thread: t, ch: make(chan Result, 1), interruptible: interruptible}
	q.waiters = append(q.waiters, w)
	t.MarkSleeping()
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { q.resolve(w, TimedOut) })
	}
	// Unlocking here, after the waiter is already appended, is what makes
	// a wake issued the instant we unlock observable: the waiter is
	// already in the list, so it can't be missed.
	q.lock.UnlockIRQRestore()

	result := <-w.ch
	t.MarkReady()
	return result
}

// Wake pops and wakes the longest-waiting thread, if any. Reports
// whether a thread was woken.
func (q *Queue) Wake() bool {
	q.lock.LockIRQSave()
	if len(q.waiters) == 0 {
		q.lock.UnlockIRQRestore()
		return false
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	if w.timer != nil {
		w.timer.Stop()
	}
	q.lock.UnlockIRQRestore()
	w.ch <- Success
	return true
}

// WakeAll wakes every currently parked thread.
func (q *Queue) WakeAll() int {
	q.lock.LockIRQSave()
	woken := q.waiters
	q.waiters = nil
	q.lock.UnlockIRQRestore()
	for _, w := range woken {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- Success
	}
	return len(woken)
}

// Interrupt aborts t's sleep on this queue if t is both present and
// interruptible. Reports whether it did so.
func (q *Queue) Interrupt(t Thread) bool {
	q.lock.LockIRQSave()
	for i, w := range q.waiters {
		if w.thread != t {
			continue
		}
		if !w.interruptible {
			q.lock.UnlockIRQRestore()
			return false
		}
		q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
		if w.timer != nil {
			w.timer.Stop()
		}
		q.lock.UnlockIRQRestore()
		w.ch <- Interrupted
		return true
	}
	q.lock.UnlockIRQRestore()
	return false
}

// Empty reports whether the queue currently has no parked threads.
func (q *Queue) Empty() bool {
	q.lock.LockIRQSave()
	defer q.lock.UnlockIRQRestore()
	return len(q.waiters) == 0
}

// resolve wakes w with result if it is still queued (a concurrent Wake,
// WakeAll, or Interrupt may have already claimed it).
func (q *Queue) resolve(w *waiter, result Result) {
	q.lock.LockIRQSave()
	idx := -1
	for i, cand := range q.waiters {
		if cand == w {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.lock.UnlockIRQRestore()
		return
	}
	q.waiters = append(q.waiters[:idx], q.waiters[idx+1:]...)
	q.lock.UnlockIRQRestore()
	w.ch <- result
}
