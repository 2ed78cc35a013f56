// Package ksync provides the kernel core's primitive synchronization: an
// IRQ-state-capturing spinlock and a handful of named mutex
// wrappers used to document lock ordering the way the teacher's
// generated *_mutex.go files do (e.g. mm.MemoryManager's mappingMu /
// activeMu / metadataMu comment block).
package ksync

import (
	"runtime"
	"sync/atomic"

	"github.com/aejsmith/vireo/pkg/klog"
)

// UP, when true, makes spinlock contention fatal instead of spinning: on
// a uniprocessor build, contention is a bug and taking an already-held
// lock is fatal rather than spinning. SMP builds spin with a hint
// instead. This is a package variable rather than a build tag because
// the simulated kernel's CPU count is a boot-time (bootcfg) choice, not a
// compile-time one.
var UP atomic.Bool

// IRQState is the local-interrupt-enable state saved and restored around
// an IRQ-saving critical section.
type IRQState bool

// irqEnabled models whether the calling execution context currently has
// local interrupts enabled. The simulated kernel has no real asynchronous
// interrupt delivery (IRQ handlers are invoked synchronously, e.g. by a
// timer callback or cmd/ksim), so a single process-wide flag is
// sufficient to make the disable/restore discipline and its ordering
// testable, without claiming to model true per-CPU interrupt masking.
var irqEnabled atomic.Bool

func init() {
	irqEnabled.Store(true)
}

// LocalIRQDisable disables local interrupts and returns the prior state.
func LocalIRQDisable() IRQState {
	return IRQState(irqEnabled.Swap(false))
}

// LocalIRQRestore restores a previously saved interrupt state.
func LocalIRQRestore(prev IRQState) {
	irqEnabled.Store(bool(prev))
}

// LocalIRQEnabled reports the current interrupt-enable state.
func LocalIRQEnabled() bool {
	return irqEnabled.Load()
}

// SpinLock is a ticket spinlock with an embedded saved-IRQ-state byte.
// Acquiring it implies an acquire barrier; releasing it implies a
// release barrier (both free on amd64/arm64 Go, since atomic
// load-acquire/store-release is the default memory model).
type SpinLock struct {
	head atomic.Uint32
	tail atomic.Uint32

	// savedIRQ holds the IRQ state as of the most recent LockIRQSave,
	// consumed by the matching UnlockIRQRestore.
	savedIRQ IRQState
}

// LockIRQSave disables local IRQs, takes the lock, and returns the IRQ
// state that was in effect before the call so the caller can restore it
// later if it needs to (the common case instead just calls
// UnlockIRQRestore, which does so automatically).
func (l *SpinLock) LockIRQSave() IRQState {
	prev := LocalIRQDisable()
	l.acquire()
	l.savedIRQ = prev
	return prev
}

// UnlockIRQRestore releases the lock and restores the IRQ state saved by
// the matching LockIRQSave.
func (l *SpinLock) UnlockIRQRestore() {
	prev := l.savedIRQ
	l.release()
	LocalIRQRestore(prev)
}

// LockNoIRQ asserts that interrupts are already disabled and takes the
// lock without touching the saved IRQ state.
func (l *SpinLock) LockNoIRQ() {
	if LocalIRQEnabled() {
		klog.Panic("ksync: LockNoIRQ called with interrupts enabled")
	}
	l.acquire()
}

// UnlockNoIRQ releases a lock taken with LockNoIRQ, leaving IRQ state
// untouched.
func (l *SpinLock) UnlockNoIRQ() {
	l.release()
}

func (l *SpinLock) acquire() {
	ticket := l.tail.Add(1) - 1
	if ticket == l.head.Load() {
		return
	}
	if UP.Load() {
		klog.Panic("ksync: spinlock contention on a uniprocessor build")
	}
	for ticket != l.head.Load() {
		runtime.Gosched() // stand-in for a cpu_spin_hint instruction.
	}
}

func (l *SpinLock) release() {
	head := l.head.Load()
	tail := l.tail.Load()
	if head == tail {
		klog.Panic("ksync: release of an unheld spinlock")
	}
	l.head.Store(head + 1)
}

// TryLockNoIRQ attempts to acquire the lock without blocking, asserting
// that interrupts are already disabled. It reports whether the lock was
// acquired.
func (l *SpinLock) TryLockNoIRQ() bool {
	if LocalIRQEnabled() {
		klog.Panic("ksync: TryLockNoIRQ called with interrupts enabled")
	}
	tail := l.tail.Load()
	head := l.head.Load()
	if tail != head {
		return false
	}
	return l.tail.CompareAndSwap(tail, tail+1)
}
