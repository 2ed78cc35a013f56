package kernel

import (
	"math/bits"

	"github.com/aejsmith/vireo/pkg/kernerr"
	"github.com/aejsmith/vireo/pkg/klog"
	"github.com/aejsmith/vireo/pkg/ksync"
)

// Object is anything a handle can refer to: a thread, a process, a
// wait queue, a mapped region, etc..
type Object interface {
	// Type names the object's kind, checked by Get against the caller's
	// expected type.
	Type() string
	// IncRef/DecRef track handle-table references; DecRef returns the
	// count after decrementing.
	IncRef() int32
	DecRef() int32
	// Close runs once, when a handle's final reference is released. An
	// error leaves the handle allocated so a caller can retry.
	Close() error
}

type handleEntry struct {
	lock ksync.EntryLock
	obj  Object
	typ  string
	// closing marks an entry whose reference has already been dropped
	// and whose close hook is pending a (possibly retried) call; set the
	// first time Close's DecRef reaches zero, so a retry after a failed
	// close hook does not double-decrement the object.
	closing bool
}

// HandleTable is a process's numeric-handle object table: a bitmap for
// O(1) first-free allocation up to a configured maximum, and one
// reader/writer lock per entry.
type HandleTable struct {
	mu      ksync.TableMutex
	entries []*handleEntry
	bitmap  []uint64 // 1 bit per entry: set means free.
	max     int
}

// NewHandleTable creates a table that can hold up to max live handles.
func NewHandleTable(max int) *HandleTable {
	return &HandleTable{max: max}
}

// grow extends the table to include index i, called with mu held.
func (t *HandleTable) grow(i int) {
	for len(t.entries) <= i {
		t.entries = append(t.entries, &handleEntry{})
	}
	words := (len(t.entries) + 63) / 64
	for len(t.bitmap) < words {
		t.bitmap = append(t.bitmap, ^uint64(0))
	}
}

// Alloc installs obj under a fresh handle tagged typ and returns the
// handle number, found via a per-table bitmap giving O(1) first-free
// search up to the table's configured maximum.
func (t *HandleTable) Alloc(obj Object, typ string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for w, word := range t.bitmap {
		if word == 0 {
			continue
		}
		bit := bits.TrailingZeros64(word)
		cand := w*64 + bit
		if cand < t.max {
			idx = cand
		}
		break
	}
	if idx < 0 {
		if len(t.entries) >= t.max {
			return 0, kernerr.NoMemory
		}
		idx = len(t.entries)
	}
	t.grow(idx)
	t.bitmap[idx/64] &^= 1 << uint(idx%64)

	e := t.entries[idx]
	e.lock.Lock()
	e.obj = obj
	e.typ = typ
	e.lock.Unlock()
	return idx, nil
}

func (t *HandleTable) entryAt(handle int) (*handleEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if handle < 0 || handle >= len(t.entries) {
		return nil, false
	}
	return t.entries[handle], true
}

// Get looks up handle, checks its type tag matches typ, and returns the
// object with an extra reference held on the caller's behalf.
func (t *HandleTable) Get(handle int, typ string) (Object, error) {
	e, ok := t.entryAt(handle)
	if !ok {
		return nil, kernerr.NotFound
	}
	e.lock.RLock()
	defer e.lock.RUnlock()
	if e.obj == nil || e.typ != typ {
		return nil, kernerr.NotFound
	}
	e.obj.IncRef()
	return e.obj, nil
}

// Close releases handle: decrements the referenced object's refcount
// and, if it reaches zero, invokes its close hook. A failed close hook
// retains the handle rather than freeing it, leaving the slot allocated
// (still pointing at the same, now-refcount-zero object) so a retry can
// call Close again; it does not restore the reference Close already
// dropped.
func (t *HandleTable) Close(handle int) error {
	e, ok := t.entryAt(handle)
	if !ok {
		return kernerr.NotFound
	}

	e.lock.Lock()
	obj := e.obj
	if obj == nil {
		e.lock.Unlock()
		return kernerr.NotFound
	}
	alreadyClosing := e.closing
	e.lock.Unlock()

	if !alreadyClosing {
		if obj.DecRef() != 0 {
			// Other references remain live; this handle's own reference
			// is simply gone, with no close hook to run.
			t.freeSlot(handle)
			return nil
		}
		e.lock.Lock()
		e.closing = true
		e.lock.Unlock()
	}

	if err := obj.Close(); err != nil {
		return err
	}
	t.freeSlot(handle)
	return nil
}

// freeSlot clears an entry and marks its handle number free for reuse.
func (t *HandleTable) freeSlot(handle int) {
	t.mu.Lock()
	e := t.entries[handle]
	e.lock.Lock()
	e.obj = nil
	e.typ = ""
	e.closing = false
	e.lock.Unlock()
	t.bitmap[handle/64] |= 1 << uint(handle%64)
	t.mu.Unlock()
}

// CloseAll closes every currently allocated handle, best-effort, since
// destroying a table closes all its remaining handles. Close hook
// failures are logged rather than propagated: there is no caller left
// to retry once the owning process is torn down.
func (t *HandleTable) CloseAll() {
	t.mu.Lock()
	n := len(t.entries)
	t.mu.Unlock()

	for i := 0; i < n; i++ {
		e, ok := t.entryAt(i)
		if !ok {
			continue
		}
		e.lock.RLock()
		allocated := e.obj != nil
		e.lock.RUnlock()
		if !allocated {
			continue
		}
		if err := t.Close(i); err != nil {
			klog.Printf(klog.Warning, "kernel: handle table teardown: closing handle %d: %v", i, err)
		}
	}
}
