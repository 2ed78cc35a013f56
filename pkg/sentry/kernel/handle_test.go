package kernel

import (
	"testing"

	"github.com/aejsmith/vireo/pkg/kernerr"
)

type fakeObject struct {
	typ       string
	refCount  int32
	closed    int
	closeErrs []error
}

func (o *fakeObject) Type() string { return o.typ }
func (o *fakeObject) IncRef() int32 {
	o.refCount++
	return o.refCount
}
func (o *fakeObject) DecRef() int32 {
	o.refCount--
	return o.refCount
}
func (o *fakeObject) Close() error {
	o.closed++
	if len(o.closeErrs) > 0 {
		err := o.closeErrs[0]
		o.closeErrs = o.closeErrs[1:]
		return err
	}
	return nil
}

func TestHandleCloseRunsHookAtZeroRefcount(t *testing.T) {
	table := NewHandleTable(4)
	obj := &fakeObject{typ: "thread", refCount: 1}

	h, err := table.Alloc(obj, "thread")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := table.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if obj.closed != 1 {
		t.Fatalf("expected the close hook to run once refcount reached zero, closed = %d", obj.closed)
	}

	if _, err := table.Get(h, "thread"); !kernerr.Equals(kernerr.NotFound, err) {
		t.Fatalf("Get after Close = %v, want NotFound", err)
	}
	if err := table.Close(h); !kernerr.Equals(kernerr.NotFound, err) {
		t.Fatalf("Close on a freed handle = %v, want NotFound", err)
	}
}

func TestHandleCloseDropsOnlyTheHandlesOwnReference(t *testing.T) {
	table := NewHandleTable(4)
	obj := &fakeObject{typ: "thread", refCount: 1}
	h, _ := table.Alloc(obj, "thread")

	// A caller that Gets the object takes an extra reference it owns
	// independently of this handle.
	if _, err := table.Get(h, "thread"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.refCount != 2 {
		t.Fatalf("expected Get to add a reference, refCount = %d", obj.refCount)
	}

	// Closing the handle drops only the handle's own reference; the
	// object survives (and the close hook doesn't run) because the
	// caller's Get reference is still outstanding.
	if err := table.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if obj.refCount != 1 {
		t.Fatalf("expected Close to drop exactly one reference, refCount = %d", obj.refCount)
	}
	if obj.closed != 0 {
		t.Fatalf("expected the close hook not to run while the caller's reference remains")
	}
	if _, err := table.Get(h, "thread"); !kernerr.Equals(kernerr.NotFound, err) {
		t.Fatalf("Get after Close = %v, want NotFound (the handle is gone)", err)
	}
}

func TestHandleGetWrongTypeIsNotFound(t *testing.T) {
	table := NewHandleTable(4)
	obj := &fakeObject{typ: "thread"}
	h, _ := table.Alloc(obj, "thread")

	if _, err := table.Get(h, "process"); !kernerr.Equals(kernerr.NotFound, err) {
		t.Fatalf("Get with wrong type = %v, want NotFound", err)
	}
}

func TestHandleTableExhaustionIsNoMemory(t *testing.T) {
	table := NewHandleTable(2)
	table.Alloc(&fakeObject{typ: "t"}, "t")
	table.Alloc(&fakeObject{typ: "t"}, "t")

	if _, err := table.Alloc(&fakeObject{typ: "t"}, "t"); !kernerr.Equals(kernerr.NoMemory, err) {
		t.Fatalf("Alloc past max = %v, want NoMemory", err)
	}
}

func TestHandleSlotReusedAfterClose(t *testing.T) {
	table := NewHandleTable(2)
	h1, _ := table.Alloc(&fakeObject{typ: "t"}, "t")
	table.Close(h1)

	h2, err := table.Alloc(&fakeObject{typ: "t"}, "t")
	if err != nil {
		t.Fatalf("Alloc after Close: %v", err)
	}
	if h2 != h1 {
		t.Fatalf("expected the freed slot %d to be reused, got %d", h1, h2)
	}
}

func TestHandleCloseRetainedOnCloseHookFailure(t *testing.T) {
	table := NewHandleTable(2)
	boom := kernerr.InvalidArg
	obj := &fakeObject{typ: "t", refCount: 1, closeErrs: []error{boom}}
	h, _ := table.Alloc(obj, "t")

	if err := table.Close(h); err != boom {
		t.Fatalf("Close = %v, want the close hook's error", err)
	}
	// The handle slot must still be allocated: a second Close retries the
	// close hook rather than returning NotFound.
	if err := table.Close(h); err != nil {
		t.Fatalf("retried Close: %v", err)
	}
	if obj.closed != 2 {
		t.Fatalf("expected the close hook to have been retried, closed = %d", obj.closed)
	}
}

func TestCloseAllClosesEveryHandle(t *testing.T) {
	table := NewHandleTable(4)
	a := &fakeObject{typ: "t", refCount: 1}
	b := &fakeObject{typ: "t", refCount: 1}
	table.Alloc(a, "t")
	table.Alloc(b, "t")

	table.CloseAll()
	if a.closed != 1 || b.closed != 1 {
		t.Fatalf("expected both handles closed, got %d and %d", a.closed, b.closed)
	}
}

// TestThreadAsHandleObject exercises a live kernel.Thread through the
// generic Object contract, rather than a fake, confirming Thread really
// does implement it.
func TestThreadAsHandleObject(t *testing.T) {
	sched := newRunnableScheduler(t)
	proc := CreateProcess("p", 0, 0, nil, 8)
	ran := make(chan struct{})
	th := CreateThread(sched, proc, "t", 1, func(any) { close(ran) }, nil)
	th.IncRef()

	table := NewHandleTable(4)
	h, err := table.Alloc(th, th.Type())
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	th.Run()
	<-ran

	if err := table.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if th.State() != Dead {
		t.Fatalf("expected closing the thread's handle to reap it, state = %s", th.State())
	}
}
