// Package pgalloc implements the physical page allocator and the page
// frame database backing it: a bounded pool of page-sized frames,
// each tracked by a Page struct, doled out from a range arena
// (pkg/sentry/arena). Physical memory itself is simulated by an
// anonymous mmap obtained at NewMemoryFile time (golang.org/x/sys/unix),
// so "physical address" below really means "offset into that mapping" —
// the same indirection biscuit's Dmaplen gives the direct map, just
// without needing a second address space to get there.
package pgalloc

import (
	"sync/atomic"

	"github.com/aejsmith/vireo/pkg/hostarch"
)

// QueueTag is the queue a physical page currently belongs to. It stays
// consistent with the page's reference count and modified flag.
type QueueTag int32

const (
	QueueFree QueueTag = iota
	QueueAllocated
	QueueModified
	QueueCached
	QueuePageable
)

func (q QueueTag) String() string {
	switch q {
	case QueueFree:
		return "free"
	case QueueAllocated:
		return "allocated"
	case QueueModified:
		return "modified"
	case QueueCached:
		return "cached"
	case QueuePageable:
		return "pageable"
	default:
		return "unknown"
	}
}

// Page is one page-sized frame of simulated physical memory. The zero
// value is not meaningful; Pages are only ever handed out embedded in a
// MemoryFile's frame table.
type Page struct {
	mf   *MemoryFile
	Addr uint64 // physical address: byte offset into mf.mem.

	refCount atomic.Int32
	modified atomic.Bool
	queue    atomic.Int32 // QueueTag

	// cacheID/cacheOffset are the nullable back-pointer to the cache
	// that owns this page. pgalloc never dereferences these:
	// they exist purely so pkg/sentry/pgcache (which imports pgalloc,
	// not the other way around) can stash its own identity here without
	// pgalloc needing to import pgcache and create a cycle.
	cacheID     atomic.Uint64
	cacheOffset atomic.Uint64
}

// RefCount returns the page's current reference count.
func (p *Page) RefCount() int32 { return p.refCount.Load() }

// IncRef increments the page's reference count. Used by the cache on
// lookup and by page-table insertion.
func (p *Page) IncRef() int32 { return p.refCount.Add(1) }

// DecRef decrements the page's reference count and returns the new
// value. Used by the cache on release and by page-table removal.
func (p *Page) DecRef() int32 { return p.refCount.Add(-1) }

// Modified reports the page's modified flag.
func (p *Page) Modified() bool { return p.modified.Load() }

// SetModified sets the page's modified flag.
func (p *Page) SetModified(m bool) { p.modified.Store(m) }

// Queue returns the page's current queue tag.
func (p *Page) Queue() QueueTag { return QueueTag(p.queue.Load()) }

// SetQueue moves the page to a new queue. Callers (pgalloc itself for
// Free/Allocated, pgcache for Modified/Cached/Pageable) are responsible
// for only calling this when the transition is consistent with the
// page's refcount and modified flag.
func (p *Page) SetQueue(q QueueTag) { p.queue.Store(int32(q)) }

// SetCacheRef records the (nullable) owning cache identity and the
// cache-relative offset this page is attached at. Pass id==0 to clear it.
func (p *Page) SetCacheRef(id, offset uint64) {
	p.cacheID.Store(id)
	p.cacheOffset.Store(offset)
}

// CacheRef returns the owning cache identity (0 if none) and offset.
func (p *Page) CacheRef() (id, offset uint64) {
	return p.cacheID.Load(), p.cacheOffset.Load()
}

// MapInternal returns a slice view of this page's bytes, standing in for
// a kernel-virtual mapping of the frame (the simulated physical memory is
// already directly addressable Go memory, so "mapping" it is just
// slicing). Callers that need the real scoped-temporary-mapping
// semantics, with the caller thread wired for the duration, should
// Wire() their thread around the use of the returned slice.
func (p *Page) MapInternal() []byte {
	return p.mf.mem[p.Addr : p.Addr+hostarch.PageSize]
}
