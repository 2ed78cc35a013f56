// Package kernel implements the preemptive SMP thread scheduler and the
// process/thread/handle-table container types that sit on top of
// pkg/sentry/mm and pkg/sentry/platform.
package kernel

import (
	"sync/atomic"
	"time"

	"github.com/aejsmith/vireo/pkg/klog"
	"github.com/aejsmith/vireo/pkg/sentry/kernel/waitq"
)

// State is a thread's position in its state machine: Created ->
// Ready -> Running -> {Sleeping, Ready (preempted), Dead}.
type State int32

const (
	Created State = iota
	Ready
	Running
	Sleeping
	Dead
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// EntryFunc is a thread's body. It runs on its own goroutine, standing in
// for the dedicated kernel stack/execution context a real kernel would
// give a thread.
type EntryFunc func(arg any)

// Thread is one schedulable execution context.
type Thread struct {
	ID    uint64
	Name  string
	Owner *Process

	state atomic.Int32
	cpu   atomic.Int32 // scheduler.CPU.ID this thread is assigned to.

	maxPrio  int32
	currPrio atomic.Int32

	timeslice atomic.Int64 // remaining, nanoseconds.

	wireCount    atomic.Int32
	preemptCount atomic.Int32
	handleRefs   atomic.Int32 // references held through handle tables (Object interface).

	interruptible atomic.Bool
	killed        atomic.Bool
	waitResult    atomic.Int32 // waitq.Result of the most recently completed sleep.

	// waitQueue is set while the thread is parked in Sleep, so Interrupt
	// can find the queue to remove it from.
	waitQueue atomic.Pointer[waitq.Queue]

	sched *Scheduler
	entry EntryFunc
	arg   any

	exited     atomic.Bool
	exitStatus int
	exitCh     chan struct{}
}

var nextThreadID atomic.Uint64

// CreateThread constructs a thread in the Created state.
// threadPrio is the thread's own priority level;
// the thread's scheduling priority is computed from it and owner's
// priority class via Priority.
func CreateThread(sched *Scheduler, owner *Process, name string, threadPrio int, entry EntryFunc, arg any) *Thread {
	t := &Thread{
		ID:     nextThreadID.Add(1),
		Name:   name,
		Owner:  owner,
		sched:  sched,
		entry:  entry,
		arg:    arg,
		exitCh: make(chan struct{}),
	}
	t.state.Store(int32(Created))
	t.maxPrio = Priority(owner.PriorityClass, threadPrio)
	t.currPrio.Store(t.maxPrio)
	if owner != nil {
		owner.addThread(t)
	}
	return t
}

// NewIdleThread constructs a CPU's idle thread for use as the idle
// callback passed to NewScheduler: never inserted into a run queue,
// dispatched only when a CPU's queues are empty.
func NewIdleThread(owner *Process, cpuID int) *Thread {
	return newIdleThread(owner, cpuID)
}

// newIdleThread constructs a CPU's idle thread: never inserted into a run
// queue, dispatched only when a CPU's queues are empty.
func newIdleThread(owner *Process, cpuID int) *Thread {
	t := &Thread{
		ID:     nextThreadID.Add(1),
		Name:   "idle",
		Owner:  owner,
		exitCh: make(chan struct{}),
	}
	t.state.Store(int32(Running))
	t.maxPrio = 0
	t.currPrio.Store(0)
	return t
}

// State returns the thread's current state.
func (t *Thread) State() State { return State(t.state.Load()) }

// CPU returns the ID of the scheduler.CPU this thread is currently
// assigned to.
func (t *Thread) CPU() int { return int(t.cpu.Load()) }

// Priority returns the thread's current (possibly decayed/boosted)
// scheduling priority.
func (t *Thread) Priority() int32 { return t.currPrio.Load() }

// Run transitions a Created thread to Ready and inserts it into the
// scheduler.
func (t *Thread) Run() {
	if State(t.state.Load()) != Created {
		klog.Panic("kernel: Run called on thread %d in state %s", t.ID, t.State())
	}
	go t.loop()
}

// loop is the thread's goroutine body: run the entry function, then exit.
// It stands in for the kernel entering the thread's context for the first
// time and resuming the saved register snapshot on every subsequent
// dispatch; here dispatch is simulated by the scheduler's bookkeeping
// rather than a real architectural context switch.
func (t *Thread) loop() {
	t.sched.Insert(t)
	if t.entry != nil {
		t.entry(t.arg)
	}
	t.Exit(0)
}

// Wire pins the thread to its current CPU, disabling load-balancing
// migration. Nestable.
func (t *Thread) Wire() { t.wireCount.Add(1) }

// Unwire releases one Wire. Fatal if called without a matching Wire.
func (t *Thread) Unwire() {
	if t.wireCount.Add(-1) < 0 {
		klog.Panic("kernel: thread %d unwire without matching wire", t.ID)
	}
}

// PreemptDisable defers scheduler preemption of the calling thread.
// Nestable; mirrors wire's nesting discipline but without pinning to a
// CPU.
func (t *Thread) PreemptDisable() { t.preemptCount.Add(1) }

// PreemptEnable re-enables preemption, running a deferred reschedule if
// one was requested while preemption was disabled.
func (t *Thread) PreemptEnable() {
	if t.preemptCount.Add(-1) < 0 {
		klog.Panic("kernel: thread %d preempt_count underflow", t.ID)
	}
	if t.preemptCount.Load() == 0 {
		cpu := t.sched.CPU(int(t.cpu.Load()))
		if cpu.needResched.Load() {
			t.sched.Reschedule(cpu)
		}
	}
}

// MarkSleeping implements waitq.Thread: called by a wait queue once this
// thread has been enqueued as a waiter, immediately before it blocks.
func (t *Thread) MarkSleeping() {
	t.state.Store(int32(Sleeping))
}

// MarkReady implements waitq.Thread: called by a wait queue when this
// thread is woken, after Sleep's blocking receive completes and before
// Sleep returns.
func (t *Thread) MarkReady() {
	t.waitQueue.Store(nil)
	t.sched.Insert(t)
}

// Sleep blocks the calling thread on q until woken, interrupted, or
// timed out. The caller must be running on
// this Thread's own goroutine.
func (t *Thread) Sleep(q *waitq.Queue, interruptible bool, timeout time.Duration) waitq.Result {
	t.interruptible.Store(interruptible)
	t.waitQueue.Store(q)
	q.SleepPrepare()
	result := q.Sleep(t, interruptible, timeout)
	t.waitResult.Store(int32(result))
	return result
}

// Interrupt delivers an asynchronous interrupt to the thread: if it is
// sleeping interruptibly, it is woken with waitq.Interrupted; otherwise
// it has no effect, and nothing is recorded for a later sleep.
func (t *Thread) Interrupt() {
	if State(t.state.Load()) != Sleeping || !t.interruptible.Load() {
		return
	}
	if q := t.waitQueue.Load(); q != nil {
		q.Interrupt(t)
	}
}

// Kill marks the thread for termination, interrupting it if it is
// sleeping interruptibly so it can notice and exit.
func (t *Thread) Kill() {
	t.killed.Store(true)
	t.Interrupt()
}

// Killed reports whether Kill has been called on this thread.
func (t *Thread) Killed() bool { return t.killed.Load() }

// Exit transitions the thread to Dead and hands it to the reaper.
// Must be called on the thread's own goroutine: normally only
// loop does this once entry returns, but entry may also call it directly
// to exit early, in which case loop's own call below is a no-op.
func (t *Thread) Exit(status int) {
	if !t.exited.CompareAndSwap(false, true) {
		return
	}
	t.exitStatus = status
	t.state.Store(int32(Dead))
	close(t.exitCh)
	reap(t)
}

// Wait blocks until the thread has exited and returns its exit status.
func (t *Thread) Wait() int {
	<-t.exitCh
	return t.exitStatus
}

// reaperCh carries Dead threads to the dedicated reaper goroutine, which
// performs the bookkeeping (removing the thread from its owner, and
// tearing down the owner if it was the last thread) that would run in
// interrupt-unsafe context if done directly from Exit.
var reaperCh = make(chan *Thread, 256)

func reap(t *Thread) {
	select {
	case reaperCh <- t:
	default:
		// The reaper is not keeping up; run its work inline rather than
		// drop the thread on the floor.
		finalizeExit(t)
	}
}

// RunReaper runs the reaper loop until ctx-like stop channel closes.
// cmd/ksim and tests start exactly one of these.
func RunReaper(stop <-chan struct{}) {
	for {
		select {
		case t := <-reaperCh:
			finalizeExit(t)
		case <-stop:
			return
		}
	}
}

func finalizeExit(t *Thread) {
	if t.Owner == nil {
		return
	}
	last := t.Owner.removeThread(t)
	if t.sched != nil && t.wireCount.Load() != 0 {
		klog.Printf(klog.Warning, "kernel: thread %d exited while wired (count=%d)", t.ID, t.wireCount.Load())
	}
	if last {
		t.Owner.Detach()
	}
}

// Type/IncRef/DecRef/Close implement Object, letting a thread be held by
// a handle table. Closing a thread handle kills and reaps it.
func (t *Thread) Type() string  { return "thread" }
func (t *Thread) IncRef() int32 { return t.handleRefs.Add(1) }
func (t *Thread) DecRef() int32 { return t.handleRefs.Add(-1) }

func (t *Thread) Close() error {
	t.Kill()
	t.Wait()
	return nil
}
