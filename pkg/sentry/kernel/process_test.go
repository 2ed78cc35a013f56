package kernel

import (
	"testing"
	"time"

	"github.com/syndtr/gocapability/capability"

	"github.com/aejsmith/vireo/pkg/sentry/kernel/waitq"
)

func TestProcessExitTearsDownAfterLastThread(t *testing.T) {
	sched := newRunnableScheduler(t)
	proc := CreateProcess("p", 0, 0, nil, 8)

	detached := make(chan int, 1)
	proc.NotifyOnDeath(func(p *Process, status int) { detached <- status })

	ready := make(chan struct{})
	var self *Thread
	self = CreateThread(sched, proc, "main", 1, func(any) {
		close(ready)
		proc.Exit(self, 42)
	}, nil)
	self.Run()

	select {
	case status := <-detached:
		if status != 42 {
			t.Fatalf("exit status = %d, want 42", status)
		}
	case <-time.After(time.Second):
		t.Fatalf("process was never detached")
	}
}

func TestProcessExitKillsOtherThreadsFirst(t *testing.T) {
	sched := newRunnableScheduler(t)
	proc := CreateProcess("p", 0, 0, nil, 8)

	workerStarted := make(chan struct{})
	q := waitq.New()
	var worker *Thread
	worker = CreateThread(sched, proc, "worker", 1, func(any) {
		close(workerStarted)
		worker.Sleep(q, true, -1)
	}, nil)
	worker.Run()
	<-workerStarted
	waitUntil(t, func() bool { return worker.State() == Sleeping })

	var self *Thread
	self = CreateThread(sched, proc, "main", 1, func(any) {
		proc.Exit(self, 0)
	}, nil)

	detached := make(chan struct{})
	proc.NotifyOnDeath(func(*Process, int) { close(detached) })
	self.Run()

	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatalf("process exit did not complete")
	}
	if worker.State() != Dead {
		t.Fatalf("worker state = %s, want dead", worker.State())
	}
}

func TestForkDuplicatesIdentityNotThreads(t *testing.T) {
	parent := CreateProcess("parent", 1, 0, nil, 16)
	parent.UID, parent.GID = 1000, 1000
	parent.Caps.Grant(capability.CAP_KILL)

	child := parent.Fork("child")
	if child.ID == parent.ID {
		t.Fatalf("expected a fresh process ID")
	}
	if child.UID != parent.UID || child.GID != parent.GID {
		t.Fatalf("expected uid/gid to be duplicated")
	}
	if !child.Caps.Has(capability.CAP_KILL) {
		t.Fatalf("expected capabilities to be duplicated")
	}
	if len(child.Threads()) != 0 {
		t.Fatalf("expected the child to start with no threads")
	}

	child.Caps.Revoke(capability.CAP_KILL)
	if !parent.Caps.Has(capability.CAP_KILL) {
		t.Fatalf("expected the parent's capability set to be independent of the child's")
	}
}
