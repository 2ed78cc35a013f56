package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/aejsmith/vireo/pkg/klog"
	"github.com/aejsmith/vireo/pkg/sentry/mm"
)

// ProcessFlags are boot/creation-time behavioral bits for a process
//.
type ProcessFlags uint32

const (
	// Critical marks a process whose death is a fatal system error
	// rather than ordinary cleanup: Detach panics for it whatever the
	// cause, a controlled Exit included.
	Critical ProcessFlags = 1 << iota
	// FixedPriority exempts a process's threads from the scheduler's
	// curr_prio decay/boost (not yet consulted by raisePrio/lowerPrio;
	// recorded for a scheduler policy this simulation doesn't need to
	// enforce to satisfy the priority-tiebreak scenario).
	FixedPriority
)

// Process is a container of threads sharing an address space, handle
// table and identity.
type Process struct {
	ID   uint64
	Name string

	AddressSpace  *mm.AddressSpace
	PriorityClass int
	Flags         ProcessFlags

	UID, GID uint32
	Caps     CapSet

	Handles *HandleTable

	mu        sync.Mutex
	threads   []*Thread
	notifiers []func(*Process, int)
	detached  bool

	exitStatus int
	refCount   atomic.Int32
}

var nextProcessID atomic.Uint64

// CreateProcess constructs a process with an empty handle table and no
// threads. The caller creates and Runs the process's
// initial thread with CreateThread/Thread.Run.
func CreateProcess(name string, priorityClass int, flags ProcessFlags, as *mm.AddressSpace, maxHandles int) *Process {
	if as != nil {
		as.IncRef()
	}
	return &Process{
		ID:            nextProcessID.Add(1),
		Name:          name,
		AddressSpace:  as,
		PriorityClass: priorityClass,
		Flags:         flags,
		Handles:       NewHandleTable(maxHandles),
	}
}

// addThread registers a freshly created thread. Called by CreateThread.
func (p *Process) addThread(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads = append(p.threads, t)
}

// removeThread unregisters a thread that has exited. Reports whether it
// was the process's last thread.
func (p *Process) removeThread(t *Thread) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.threads {
		if cand == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			break
		}
	}
	return len(p.threads) == 0
}

// Threads returns a snapshot of the process's current thread list.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

// NotifyOnDeath registers fn to run (with the process's exit status)
// once the process is fully torn down.
func (p *Process) NotifyOnDeath(fn func(proc *Process, status int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifiers = append(p.notifiers, fn)
}

// Exit kills every thread other than self, then exits self, which
// eventually drives Detach once self is the last thread reaped. self
// must be one of p's own threads, currently running on its own
// goroutine.
func (p *Process) Exit(self *Thread, status int) {
	p.mu.Lock()
	p.exitStatus = status
	others := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		if t != self {
			others = append(others, t)
		}
	}
	p.mu.Unlock()

	for _, t := range others {
		t.Kill()
	}
	for _, t := range others {
		t.Wait()
	}
	self.Exit(status)
}

// Detach runs once, when the process's last thread has been reaped: it
// tears down the address space and handle table and fires death
// notifiers. A Critical process detaching is treated as
// a fatal kernel error, since nothing should have been able to kill it.
func (p *Process) Detach() {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return
	}
	p.detached = true
	p.mu.Unlock()

	if p.Flags&Critical != 0 {
		klog.Panic("kernel: critical process %q (pid %d) exited", p.Name, p.ID)
	}

	if p.Handles != nil {
		p.Handles.CloseAll()
	}
	if p.AddressSpace != nil && p.AddressSpace.DecRef() == 0 {
		if err := p.AddressSpace.Destroy(); err != nil {
			klog.Panic("kernel: process %d address space teardown: %v", p.ID, err)
		}
	}

	p.mu.Lock()
	notifiers := p.notifiers
	status := p.exitStatus
	p.mu.Unlock()
	for _, fn := range notifiers {
		fn(p, status)
	}
}

// Fork duplicates a process's identity and capability set into a new,
// threadless process container. There is no copy-on-write address space
// duplication here, so Fork does not attempt to replicate memory
// contents — callers establish the child's address space and initial
// thread separately. Identity fields are copied by plain assignment;
// CapSet is a value type, so the child gets an independent copy of the
// parent's set.
func (p *Process) Fork(name string) *Process {
	p.mu.Lock()
	priorityClass := p.PriorityClass
	flags := p.Flags
	uid, gid := p.UID, p.GID
	caps := p.Caps
	maxHandles := p.Handles.max
	p.mu.Unlock()

	child := &Process{
		ID:            nextProcessID.Add(1),
		Name:          name,
		PriorityClass: priorityClass,
		Flags:         flags,
		UID:           uid,
		GID:           gid,
		Caps:          caps,
		Handles:       NewHandleTable(maxHandles),
	}
	return child
}

// Type/IncRef/DecRef/Close implement Object, letting a process be held
// by another process's handle table. Closing a process handle
// force-kills every thread it currently has and waits for them to exit;
// the last one reaped drives Detach as usual.
func (p *Process) Type() string  { return "process" }
func (p *Process) IncRef() int32 { return p.refCount.Add(1) }
func (p *Process) DecRef() int32 { return p.refCount.Add(-1) }

func (p *Process) Close() error {
	threads := p.Threads()
	for _, t := range threads {
		t.Kill()
	}
	for _, t := range threads {
		t.Wait()
	}
	return nil
}
