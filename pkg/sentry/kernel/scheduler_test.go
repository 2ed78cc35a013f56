package kernel

import (
	"testing"
	"time"
)

func newTestScheduler(numCPUs int) *Scheduler {
	return NewScheduler(numCPUs, func(id int) *Thread { return newIdleThread(nil, id) })
}

func TestPriorityFormulaClamped(t *testing.T) {
	if got := Priority(0, 1); got != 5 {
		t.Fatalf("Priority(0,1) = %d, want 5", got)
	}
	if got := Priority(3, 1); got != 29 {
		t.Fatalf("Priority(3,1) = %d, want 29", got)
	}
	if got := Priority(3, 10); got != 31 {
		t.Fatalf("Priority(3,10) = %d, want clamped to 31", got)
	}
	if got := Priority(0, -10); got != 0 {
		t.Fatalf("Priority(0,-10) = %d, want clamped to 0", got)
	}
}

func TestInsertDispatchesHigherPriorityFirst(t *testing.T) {
	sched := newTestScheduler(1)
	proc := CreateProcess("p", 0, 0, nil, 8)

	low := CreateThread(sched, proc, "low", 1, nil, nil)
	high := CreateThread(sched, proc, "high", 4, nil, nil)

	sched.Insert(low)
	sched.Insert(high)

	cpu := sched.CPU(0)
	sched.Reschedule(cpu)
	if cpu.current != high {
		t.Fatalf("expected the higher-priority thread dispatched first, got %q", cpu.current.Name)
	}
}

// TestRescheduleAlternatesOnExhaustion verifies that two
// same-priority threads sharing a CPU alternate over repeated
// exhaustion/reschedule cycles. The priority reward for sleeping before
// the timeslice runs out is checked by a separate test.
func TestRescheduleAlternatesOnExhaustion(t *testing.T) {
	sched := newTestScheduler(1)
	proc := CreateProcess("p", 0, 0, nil, 8)

	a := CreateThread(sched, proc, "a", 2, nil, nil)
	b := CreateThread(sched, proc, "b", 2, nil, nil)
	sched.Insert(a)
	sched.Insert(b)

	cpu := sched.CPU(0)
	sched.Reschedule(cpu) // dispatches a (FIFO within same level).
	first := cpu.current

	sched.Tick(cpu, Quantum) // exhausts first's timeslice, reschedules.
	second := cpu.current
	if second == first {
		t.Fatalf("expected the run queue to alternate threads on exhaustion")
	}

	sched.Tick(cpu, Quantum)
	third := cpu.current
	if third != first {
		t.Fatalf("expected round-robin back to the first thread, got %q", third.Name)
	}
}

func TestRescheduleRewardsVoluntarySleepOverExhaustion(t *testing.T) {
	sched := newTestScheduler(1)
	proc := CreateProcess("p", 0, 0, nil, 8)

	exhausted := CreateThread(sched, proc, "exhausted", 2, nil, nil)
	exhausted.currPrio.Store(exhausted.maxPrio - 2) // simulate prior decay, leaving room to move either way.
	slept := CreateThread(sched, proc, "slept", 2, nil, nil)
	slept.currPrio.Store(slept.maxPrio - 2)

	cpu := sched.CPU(0)
	cpu.current = exhausted
	exhausted.timeslice.Store(0) // exhausted its quantum.
	sched.Reschedule(cpu)
	if got, want := exhausted.Priority(), exhausted.maxPrio-3; got != want {
		t.Fatalf("exhausted thread priority = %d, want %d", got, want)
	}

	cpu.current = slept
	slept.state.Store(int32(Sleeping))
	slept.timeslice.Store(int64(Quantum)) // plenty of timeslice left when it slept.
	sched.Reschedule(cpu)
	if got, want := slept.Priority(), slept.maxPrio-1; got != want {
		t.Fatalf("slept thread priority = %d, want %d", got, want)
	}
}

func TestWiredThreadStaysOnItsCPU(t *testing.T) {
	sched := newTestScheduler(2)
	proc := CreateProcess("p", 0, 0, nil, 8)
	thread := CreateThread(sched, proc, "t", 1, nil, nil)
	thread.cpu.Store(1)
	thread.Wire()

	sched.Insert(thread)
	if thread.CPU() != 1 {
		t.Fatalf("expected a wired thread to stay on CPU %d, got %d", 1, thread.CPU())
	}
}

func TestTickIgnoresIdleCPU(t *testing.T) {
	sched := newTestScheduler(1)
	cpu := sched.CPU(0)
	sched.Tick(cpu, 10*time.Millisecond) // should not panic with no real thread running.
	if cpu.current != cpu.idle {
		t.Fatalf("expected the idle thread to remain current")
	}
}
