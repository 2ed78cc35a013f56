// Package pgcache implements the page cache: a map from file
// offset to physical page, with single-writer-per-page flushing and lazy
// materialization on first access. It sits between a page source backend
// (read_page/write_page, both optional) and the address space's fault
// path, which is the only caller that ever sees a raw *pgalloc.Page.
package pgcache

import (
	"sync/atomic"

	"github.com/aejsmith/vireo/pkg/hostarch"
	"github.com/aejsmith/vireo/pkg/kernerr"
	"github.com/aejsmith/vireo/pkg/klog"
	"github.com/aejsmith/vireo/pkg/ksync"
	"github.com/aejsmith/vireo/pkg/sentry/pgalloc"
)

// ReadPageFunc fills dst (exactly one page) with the contents at offset.
// WritePageFunc writes src (exactly one page) back to offset. Either may
// be nil: backends are free to support only reads, only writes, or
// neither (a purely anonymous cache).
type ReadPageFunc func(offset uint64, dst []byte) error
type WritePageFunc func(offset uint64, src []byte) error

var nextCacheID atomic.Uint64

// Cache is a page cache over one backend, keyed by page-aligned offset.
type Cache struct {
	id uint64

	mf   *pgalloc.MemoryFile
	size atomic.Uint64

	mu      ksync.CacheMutex
	pages   map[uint64]*pgalloc.Page
	deleted atomic.Bool

	read  ReadPageFunc
	write WritePageFunc

	// BackendData is opaque storage for whatever the backend needs to
	// remember (e.g. a file descriptor or a node reference). The cache
	// never interprets it.
	BackendData any
}

// New creates a page cache of the given size (in bytes, need not be
// page-aligned; the last page is partial).
func New(mf *pgalloc.MemoryFile, size uint64, read ReadPageFunc, write WritePageFunc) *Cache {
	c := &Cache{
		id:    nextCacheID.Add(1),
		mf:    mf,
		pages: make(map[uint64]*pgalloc.Page),
		read:  read,
		write: write,
	}
	c.size.Store(size)
	return c
}

// Size returns the cache's current size in bytes.
func (c *Cache) Size() uint64 { return c.size.Load() }

// Deleted reports whether Destroy has been called. Concurrent
// flush/evict helpers use this as a post-destroy beacon to bail out
// safely if they raced with destruction.
func (c *Cache) Deleted() bool { return c.deleted.Load() }

// Get returns the physical page backing offset, materializing it on
// first access. If overwrite is true the page's prior contents (if any
// need fetching) are skipped entirely — the caller is about to overwrite
// the whole page, so there's no point reading it first. w is wired
// around the zero-fill path when there is no read backend: it may be
// nil in the overwrite or has-backend cases, where no thread wiring is
// needed.
func (c *Cache) Get(offset uint64, overwrite bool, w pgalloc.Wirer) (*pgalloc.Page, error) {
	if offset >= c.Size() {
		return nil, kernerr.InvalidAddr
	}
	offset = uint64(hostarch.PageRoundDown(hostarch.Addr(offset)))

	c.mu.Lock()
	if p, ok := c.pages[offset]; ok {
		if p.IncRef() == 1 {
			p.SetQueue(pgalloc.QueueAllocated)
		}
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	pages, err := c.mf.Alloc(1, pgalloc.Constraints{}, false, false)
	if err != nil {
		return nil, err
	}
	p := pages[0]

	if !overwrite {
		if c.read != nil {
			// The backend may run on another CPU (e.g. a driver
			// completion routine), so no thread wiring: the mapping
			// must be usable without pinning the caller in place.
			if err := c.read(offset, p.MapInternal()); err != nil {
				c.mf.Free(pages)
				return nil, err
			}
		} else {
			c.mf.Zero(p, w)
		}
	}

	c.mu.Lock()
	if existing, ok := c.pages[offset]; ok {
		// Lost a race with a concurrent Get for the same offset.
		c.mu.Unlock()
		c.mf.Free(pages)
		if existing.IncRef() == 1 {
			existing.SetQueue(pgalloc.QueueAllocated)
		}
		return existing, nil
	}
	p.SetCacheRef(c.id, offset)
	p.IncRef()
	p.SetQueue(pgalloc.QueueAllocated)
	c.pages[offset] = p
	c.mu.Unlock()
	return p, nil
}

// Release drops a reference taken by Get. Finding no page at offset is a
// fatal ownership bug: a caller can only release what it previously got.
func (c *Cache) Release(offset uint64, dirty bool) {
	offset = uint64(hostarch.PageRoundDown(hostarch.Addr(offset)))

	c.mu.Lock()
	p, ok := c.pages[offset]
	if !ok {
		c.mu.Unlock()
		klog.Panic("pgcache: release of offset %#x with no resident page", offset)
	}
	if dirty {
		p.SetModified(true)
	}
	ref := p.DecRef()
	if ref == 0 {
		if offset >= c.Size() {
			delete(c.pages, offset)
			c.mu.Unlock()
			c.mf.Free([]*pgalloc.Page{p})
			return
		}
		if p.Modified() && c.write != nil {
			p.SetQueue(pgalloc.QueueModified)
		} else {
			p.SetModified(false)
			p.SetQueue(pgalloc.QueueCached)
		}
	}
	c.mu.Unlock()
}

// Resize changes the cache's size. Shrinking drops pages at or beyond
// newSize that are currently unreferenced; referenced pages linger and
// are dropped on their next Release.
func (c *Cache) Resize(newSize uint64) {
	old := c.size.Swap(newSize)
	if newSize >= old {
		return
	}
	var toFree []*pgalloc.Page
	c.mu.Lock()
	for offset, p := range c.pages {
		if offset >= newSize && p.RefCount() == 0 {
			delete(c.pages, offset)
			toFree = append(toFree, p)
		}
	}
	c.mu.Unlock()
	if len(toFree) > 0 {
		for _, p := range toFree {
			c.mf.Free([]*pgalloc.Page{p})
		}
	}
}

// Destroy tears the cache down: deleted is set first so racing
// flush/evict helpers can bail out, then every page is checked (a
// nonzero refcount at this point is a fatal ownership bug), optionally
// flushed, and freed. discard, if true, skips writing back modified
// pages.
func (c *Cache) Destroy(discard bool) error {
	c.deleted.Store(true)

	c.mu.Lock()
	pages := make(map[uint64]*pgalloc.Page, len(c.pages))
	for k, v := range c.pages {
		pages[k] = v
	}
	c.mu.Unlock()

	for offset, p := range pages {
		if p.RefCount() != 0 {
			klog.Panic("pgcache: destroy of cache with a live page at offset %#x", offset)
		}
		if !discard && p.Modified() && c.write != nil {
			if err := c.write(offset, p.MapInternal()); err != nil {
				return err
			}
		}
		c.mu.Lock()
		delete(c.pages, offset)
		c.mu.Unlock()
		c.mf.Free([]*pgalloc.Page{p})
	}

	// Give any concurrent flusher/evictor a chance to observe deleted.
	c.mu.Lock()
	c.mu.Unlock() //nolint:staticcheck // deliberate re-acquire to fence concurrent readers of Deleted.
	return nil
}
