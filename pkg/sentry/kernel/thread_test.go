package kernel

import (
	"testing"
	"time"

	"github.com/aejsmith/vireo/pkg/sentry/kernel/waitq"
)

func newRunnableScheduler(t *testing.T) *Scheduler {
	t.Helper()
	startReaper(t)
	return NewScheduler(1, func(id int) *Thread { return newIdleThread(nil, id) })
}

// startReaper runs the reaper loop for the duration of a test, so a
// thread's Exit actually drives its owning process's Detach/death
// notifiers instead of sitting in reaperCh unconsumed.
func startReaper(t *testing.T) {
	t.Helper()
	stop := make(chan struct{})
	go RunReaper(stop)
	t.Cleanup(func() { close(stop) })
}

func TestThreadRunReachesEntryAndExits(t *testing.T) {
	sched := newRunnableScheduler(t)
	proc := CreateProcess("p", 0, 0, nil, 8)

	ran := make(chan struct{})
	th := CreateThread(sched, proc, "t", 1, func(arg any) {
		close(ran)
	}, nil)
	th.Run()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("entry function never ran")
	}
	if got := th.Wait(); got != 0 {
		t.Fatalf("exit status = %d, want 0", got)
	}
	if th.State() != Dead {
		t.Fatalf("state after exit = %s, want dead", th.State())
	}
}

func TestWireUnwireNestingAndUnderflow(t *testing.T) {
	sched := newRunnableScheduler(t)
	proc := CreateProcess("p", 0, 0, nil, 8)
	th := CreateThread(sched, proc, "t", 1, nil, nil)

	th.Wire()
	th.Wire()
	th.Unwire()
	if th.wireCount.Load() != 1 {
		t.Fatalf("wireCount = %d, want 1", th.wireCount.Load())
	}
	th.Unwire()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on unmatched unwire")
		}
	}()
	th.Unwire()
}

// TestInterruptWakesSleepingThread verifies that an interruptible
// sleeper woken by an asynchronous interrupt observes waitq.Interrupted.
func TestInterruptWakesSleepingThread(t *testing.T) {
	sched := newRunnableScheduler(t)
	proc := CreateProcess("p", 0, 0, nil, 8)
	q := waitq.New()

	resultCh := make(chan waitq.Result, 1)
	started := make(chan struct{})
	var thread *Thread
	thread = CreateThread(sched, proc, "t", 1, func(any) {
		close(started)
		resultCh <- thread.Sleep(q, true, -1)
	}, nil)
	thread.Run()

	<-started
	waitUntil(t, func() bool { return thread.State() == Sleeping })
	thread.Interrupt()

	select {
	case got := <-resultCh:
		if got != waitq.Interrupted {
			t.Fatalf("sleep result = %v, want interrupted", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("thread was never woken")
	}
	thread.Wait()
}

func TestKillInterruptsSleeper(t *testing.T) {
	sched := newRunnableScheduler(t)
	proc := CreateProcess("p", 0, 0, nil, 8)
	q := waitq.New()

	resultCh := make(chan waitq.Result, 1)
	started := make(chan struct{})
	var thread *Thread
	thread = CreateThread(sched, proc, "t", 1, func(any) {
		close(started)
		resultCh <- thread.Sleep(q, true, -1)
	}, nil)
	thread.Run()

	<-started
	waitUntil(t, func() bool { return thread.State() == Sleeping })
	thread.Kill()

	select {
	case <-resultCh:
		if !thread.Killed() {
			t.Fatalf("expected thread to be marked killed")
		}
	case <-time.After(time.Second):
		t.Fatalf("killed thread was never woken")
	}
}

// waitUntil polls cond until it's true or a second elapses, for
// synchronizing with a goroutine-backed thread's internal state without
// an arbitrary fixed sleep.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}
