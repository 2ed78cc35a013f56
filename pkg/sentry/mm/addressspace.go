package mm

import (
	"sort"
	"sync/atomic"

	"github.com/aejsmith/vireo/pkg/hostarch"
	"github.com/aejsmith/vireo/pkg/kernerr"
	"github.com/aejsmith/vireo/pkg/klog"
	"github.com/aejsmith/vireo/pkg/ksync"
	"github.com/aejsmith/vireo/pkg/sentry/memmap"
	"github.com/aejsmith/vireo/pkg/sentry/pgalloc"
	"github.com/aejsmith/vireo/pkg/sentry/platform"
)

// AddressSpace is a per-process mapping of regions plus an MMU context
//.
//
// Lock order: AddressSpace.mu, then any Source/cache lock a region's
// backend takes internally — never the reverse, so Fault (which holds
// mu while calling into a source) can't deadlock against a concurrent
// cache flush.
type AddressSpace struct {
	mu ksync.AspaceMutex

	base, limit hostarch.Addr
	regions     []*Region // sorted by Start, disjoint.
	findCache   *Region

	ctx       platform.Context
	destroyed bool
	refCount  atomic.Int32
}

// Create sets up a new address space over [base,limit) backed by ctx
//.
func Create(ctx platform.Context, base, limit hostarch.Addr) *AddressSpace {
	return &AddressSpace{base: base, limit: limit, ctx: ctx}
}

// IncRef/DecRef track how many live users (typically processes) reference
// this address space; Destroy refuses to run while the count is nonzero.
func (as *AddressSpace) IncRef() int32 { return as.refCount.Add(1) }
func (as *AddressSpace) DecRef() int32 { return as.refCount.Add(-1) }

// Destroy tears down the MMU context. Refuses a live space: it must not
// run while the reference count is nonzero.
func (as *AddressSpace) Destroy() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.refCount.Load() != 0 {
		return kernerr.InvalidArg
	}
	if as.destroyed {
		return nil
	}
	for _, r := range as.regions {
		as.releaseRegion(r, r.Start, r.End)
	}
	as.regions = nil
	as.findCache = nil
	as.ctx.Destroy()
	as.destroyed = true
	return nil
}

// Switch swaps the live address space on the current CPU. Lock-free: it
// only touches the MMU context, never as.mu, so the scheduler can call
// it on every context switch without contending on a sleeping mutex.
func (as *AddressSpace) Switch() {
	as.ctx.Load()
}

func (as *AddressSpace) indexOf(addr hostarch.Addr) int {
	return sort.Search(len(as.regions), func(i int) bool { return as.regions[i].End > addr })
}

// findRegion returns the region containing addr, consulting and then
// refreshing the find-cache, a pointer optimized for faults clustering
// in a newly mapped region.
func (as *AddressSpace) findRegion(addr hostarch.Addr) *Region {
	if as.findCache != nil && as.findCache.contains(addr) {
		return as.findCache
	}
	i := as.indexOf(addr)
	if i < len(as.regions) && as.regions[i].contains(addr) {
		as.findCache = as.regions[i]
		return as.regions[i]
	}
	return nil
}

func (as *AddressSpace) overlapsAny(start, end hostarch.Addr) bool {
	i := as.indexOf(start)
	return i < len(as.regions) && as.regions[i].overlaps(start, end)
}

// findHole performs the first-fit scan used by non-fixed map_* calls
//.
func (as *AddressSpace) findHole(size uint64) (hostarch.Addr, error) {
	cursor := as.base
	for _, r := range as.regions {
		if uint64(r.Start-cursor) >= size {
			return cursor, nil
		}
		if r.End > cursor {
			cursor = r.End
		}
	}
	if uint64(as.limit-cursor) >= size {
		return cursor, nil
	}
	return 0, kernerr.NoMemory
}

func (as *AddressSpace) insert(r *Region) {
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Start >= r.Start })
	as.regions = append(as.regions, nil)
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r
	as.findCache = nil
}

// Reserve carves out [start,start+size) with no source, so later faults
// in that range are reported rather than silently materialized.
func (as *AddressSpace) Reserve(start hostarch.Addr, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := start + hostarch.Addr(size)
	if as.overlapsAny(start, end) {
		return kernerr.InvalidAddr
	}
	as.insert(&Region{Start: start, End: end, Reserved: true})
	return nil
}

// MapAnon maps size bytes of anonymous memory. If fixed is false, start
// is a hint and a hole is chosen by first-fit scan instead.
func (as *AddressSpace) MapAnon(mf *pgalloc.MemoryFile, start hostarch.Addr, size uint64, access hostarch.AccessType, fixed bool) (hostarch.Addr, error) {
	src := memmap.NewSource("anon", memmap.Anonymous, memmap.NewAnonBackend(mf, size))
	return as.mapSource(start, size, access, fixed, src, 0)
}

// MapFile maps size bytes of src (a file-backed source) starting at
// source offset offset.
func (as *AddressSpace) MapFile(start hostarch.Addr, size uint64, access hostarch.AccessType, fixed bool, src *memmap.Source, offset uint64) (hostarch.Addr, error) {
	if err := src.CheckMap(access.Write); err != nil {
		return 0, err
	}
	return as.mapSource(start, size, access, fixed, src, offset)
}

func (as *AddressSpace) mapSource(start hostarch.Addr, size uint64, access hostarch.AccessType, fixed bool, src *memmap.Source, offset uint64) (hostarch.Addr, error) {
	if size == 0 || !hostarch.IsPageAligned(hostarch.Addr(size)) {
		return 0, kernerr.InvalidArg
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	var err error
	if fixed {
		if !hostarch.IsPageAligned(start) {
			return 0, kernerr.InvalidArg
		}
		if as.overlapsAny(start, start+hostarch.Addr(size)) {
			return 0, kernerr.InvalidAddr
		}
	} else {
		start, err = as.findHole(size)
		if err != nil {
			return 0, err
		}
	}

	src.IncRef()
	as.insert(&Region{
		Start:        start,
		End:          start + hostarch.Addr(size),
		Access:       access,
		Source:       src,
		SourceOffset: offset,
	})
	return start, nil
}

// Unmap removes [start,start+size) from the address space, releasing
// pages and decrementing source references along the way, splitting or
// shrinking regions as needed.
func (as *AddressSpace) Unmap(start hostarch.Addr, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := start + hostarch.Addr(size)

	i := as.indexOf(start)
	for i < len(as.regions) {
		r := as.regions[i]
		if r.Start >= end {
			break
		}
		if !r.overlaps(start, end) {
			i++
			continue
		}

		switch {
		case start <= r.Start && end >= r.End:
			// Fully covered: drop the region entirely.
			as.releaseRegion(r, r.Start, r.End)
			as.regions = append(as.regions[:i], as.regions[i+1:]...)
			continue // don't advance i; the next region shifted down.

		case start <= r.Start:
			// Unmap a prefix: shrink from the left.
			as.releaseRegion(r, r.Start, end)
			if !r.Reserved {
				r.SourceOffset += uint64(end - r.Start)
			}
			r.Start = end
			i++

		case end >= r.End:
			// Unmap a suffix: shrink from the right.
			as.releaseRegion(r, start, r.End)
			r.End = start
			i++

		default:
			// Split: punch a hole in the middle, creating a new region
			// for the right half that shares the same source.
			as.releaseRegion(r, start, end)
			right := &Region{
				Start:        end,
				End:          r.End,
				Access:       r.Access,
				Reserved:     r.Reserved,
				Source:       r.Source,
				SourceOffset: r.SourceOffset,
			}
			if !r.Reserved {
				right.SourceOffset += uint64(end - r.Start)
				r.Source.IncRef()
			}
			r.End = start
			as.regions = append(as.regions, nil)
			copy(as.regions[i+2:], as.regions[i+1:])
			as.regions[i+1] = right
			i += 2
		}
	}
	as.findCache = nil
	return nil
}

// releaseRegion releases pages and MMU mappings for [lo,hi) within r,
// and drops r's source reference if this is the region's full extent
// (the caller is responsible for removing r from the region set).
func (as *AddressSpace) releaseRegion(r *Region, lo, hi hostarch.Addr) {
	if !r.Reserved {
		for addr := lo; addr < hi; addr += hostarch.PageSize {
			present, _, err := as.ctx.Unmap(addr)
			if err != nil {
				klog.Panic("mm: unmap of %#x failed: %v", uint64(addr), err)
			}
			if present {
				r.Source.Release(r.offsetFor(addr), r.Access.Write)
			}
		}
		if lo == r.Start && hi == r.End {
			if err := r.Source.DecRef(); err != nil {
				klog.Panic("mm: source refcount underflow releasing region %#x-%#x: %v", uint64(r.Start), uint64(r.End), err)
			}
		}
	}
}

// Fault handles a page fault at addr for the given access, called from
// the architecture fault handler.
func (as *AddressSpace) Fault(addr hostarch.Addr, access hostarch.AccessType, w pgalloc.Wirer) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	r := as.findRegion(addr)
	if r == nil || r.Reserved {
		return kernerr.InvalidAddr
	}
	if !r.Access.SupersetOf(access) {
		return kernerr.PermDenied
	}

	pageAddr := hostarch.PageRoundDown(addr)
	sourceOffset := r.offsetFor(pageAddr)
	overwrite := access.Write && !access.Read

	page, err := r.Source.Get(sourceOffset, overwrite, w)
	if err != nil {
		return err
	}
	if err := as.ctx.Map(pageAddr, page.Addr, r.Access); err != nil {
		r.Source.Release(sourceOffset, false)
		return err
	}
	return nil
}
