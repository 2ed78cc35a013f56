// Package soft is the one concrete MMU adapter this repo ships:
// a software translation table keyed by virtual address, with a bounded
// TLB invalidation queue and ASID bookkeeping. It exists to give
// pkg/sentry/mm and pkg/sentry/kernel something real to drive through
// the platform.Context interface without depending on actual hardware
// page tables, the same role the teacher's systrap/ptrace platforms play
// for gVisor's sentry (a Context here is a software simulation standing
// in for hardware page tables, not a different backend strategy for the
// same hardware).
package soft

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/aejsmith/vireo/pkg/hostarch"
	"github.com/aejsmith/vireo/pkg/kernerr"
	"github.com/aejsmith/vireo/pkg/klog"
	"github.com/aejsmith/vireo/pkg/sentry/platform"
)

// maxQueuedInvalidations bounds a context's per-flush invalidation
// batch; beyond this a user context degrades to a whole-ASID flush
//.
const maxQueuedInvalidations = 64

// BroadcastFunc simulates the cross-CPU IPI step of a TLB shootdown:
// invalidate addrs (or the whole ASID, if wholeASID) on every other CPU
// that might have this context loaded. A nil BroadcastFunc means this
// is the only CPU, so there's nothing to broadcast to.
type BroadcastFunc func(asid uint32, addrs []hostarch.Addr, wholeASID bool) error

type pte struct {
	phys   uint64
	access hostarch.AccessType
}

// Context is a software MMU context: one process's page tables, or the
// global kernel context.
type Context struct {
	mu      sync.Mutex
	entries map[hostarch.Addr]pte

	invalidate []hostarch.Addr
	wholeASID  bool

	asid      uint32
	global    bool // true for the kernel context: reserved ASID, global entries.
	broadcast BroadcastFunc
}

func newContext(asid uint32, global bool, broadcast BroadcastFunc) *Context {
	return &Context{
		entries:   make(map[hostarch.Addr]pte),
		asid:      asid,
		global:    global,
		broadcast: broadcast,
	}
}

// Map installs a leaf mapping. Fatal if virt is already mapped.
func (c *Context) Map(virt hostarch.Addr, phys uint64, access hostarch.AccessType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[virt]; ok {
		klog.Panic("platform/soft: Map of already-mapped address %#x", uint64(virt))
	}
	c.entries[virt] = pte{phys: phys, access: access}
	return nil
}

// Remap changes protection bits on an existing mapping.
func (c *Context) Remap(virt hostarch.Addr, size uint64, access hostarch.AccessType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr := virt; addr < virt+hostarch.Addr(size); addr += hostarch.PageSize {
		e, ok := c.entries[addr]
		if !ok {
			return kernerr.NotFound
		}
		e.access = access
		c.entries[addr] = e
		c.queueInvalidateLocked(addr)
	}
	return nil
}

// Unmap clears the leaf entry at virt and queues a TLB invalidation.
func (c *Context) Unmap(virt hostarch.Addr) (bool, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[virt]
	if ok {
		delete(c.entries, virt)
		c.queueInvalidateLocked(virt)
	}
	return ok, e.phys, nil
}

// Query reads back the mapping at virt without modifying it.
func (c *Context) Query(virt hostarch.Addr) (uint64, hostarch.AccessType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[virt]
	return e.phys, e.access, ok
}

// queueInvalidateLocked appends virt to the pending invalidation batch,
// degrading to a whole-ASID flush on overflow. The kernel context
// has no ASID to flush wholesale (it uses global entries), so it forces
// an immediate flush of the batch instead of ever setting wholeASID.
func (c *Context) queueInvalidateLocked(virt hostarch.Addr) {
	c.invalidate = append(c.invalidate, virt)
	if len(c.invalidate) <= maxQueuedInvalidations {
		return
	}
	if c.global {
		batch := c.invalidate
		c.invalidate = nil
		c.mu.Unlock()
		c.doFlush(batch, false)
		c.mu.Lock()
		return
	}
	c.invalidate = nil
	c.wholeASID = true
}

// Flush drains the queued invalidations: DSB, broadcast invalidate, DSB
//.
func (c *Context) Flush() {
	c.mu.Lock()
	batch := c.invalidate
	whole := c.wholeASID
	c.invalidate = nil
	c.wholeASID = false
	c.mu.Unlock()
	if len(batch) == 0 && !whole {
		return
	}
	c.doFlush(batch, whole)
}

func (c *Context) doFlush(batch []hostarch.Addr, whole bool) {
	klog.Printf(klog.Debug, "platform/soft: dsb (pre-invalidate), asid=%d", c.asid)
	if c.broadcast != nil {
		op := func() error { return c.broadcast(c.asid, batch, whole) }
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = time.Second
		if err := backoff.Retry(op, b); err != nil {
			klog.Panic("platform/soft: TLB shootdown broadcast never succeeded: %v", err)
		}
	}
	klog.Printf(klog.Debug, "platform/soft: dsb (post-invalidate), asid=%d", c.asid)
}

// Load installs this context on the current CPU. The simulated kernel
// doesn't have real per-CPU page table base registers to reprogram;
// Load/Unload exist as explicit lifecycle hooks for callers (the
// scheduler) that need to know when a context becomes/stops being live,
// and as the seam a real architecture backend would use to reload a
// page-table-base register.
func (c *Context) Load() {}

// Unload uninstalls this context from the current CPU.
func (c *Context) Unload() {}

// ASID returns the context's address-space identifier (0 for the kernel
// context, which is reserved and uses global entries).
func (c *Context) ASID() uint32 { return c.asid }

// Destroy releases the context's page tables.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// Factory allocates ASIDs and constructs contexts sharing one broadcast
// hook (standing in for the system's IPI mechanism).
type Factory struct {
	mu        sync.Mutex
	nextASID  uint32
	freeASIDs []uint32
	broadcast BroadcastFunc
}

// NewFactory creates a context factory. broadcast may be nil on a
// single-CPU configuration.
func NewFactory(broadcast BroadcastFunc) *Factory {
	return &Factory{nextASID: 1, broadcast: broadcast} // ASID 0 is reserved for the kernel context.
}

// NewKernelContext returns the one global kernel context (reserved ASID
// 0, global entries).
func (f *Factory) NewKernelContext() platform.Context {
	return newContext(0, true, f.broadcast)
}

// NewUserContext allocates a fresh ASID and returns a new user context.
func (f *Factory) NewUserContext() (platform.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var asid uint32
	if n := len(f.freeASIDs); n > 0 {
		asid = f.freeASIDs[n-1]
		f.freeASIDs = f.freeASIDs[:n-1]
	} else {
		if f.nextASID == 0 {
			return nil, kernerr.NoMemory
		}
		asid = f.nextASID
		f.nextASID++
	}
	return newContext(asid, false, f.broadcast), nil
}

// ReleaseASID returns a user context's ASID to the free pool. Callers
// must have already called Destroy on the context.
func (f *Factory) ReleaseASID(asid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeASIDs = append(f.freeASIDs, asid)
}
