package pgalloc

import (
	"golang.org/x/sys/unix"

	"github.com/aejsmith/vireo/pkg/hostarch"
	"github.com/aejsmith/vireo/pkg/kernerr"
	"github.com/aejsmith/vireo/pkg/sentry/arena"
)

// Wirer is the subset of kernel.Thread's contract pgalloc needs for
// Zero/Copy's "wire the current thread for the duration" step.
// Accepting this interface instead of importing pkg/sentry/kernel avoids
// a pgalloc <-> kernel import cycle, since kernel already imports
// pgalloc (through mm).
type Wirer interface {
	Wire()
	Unwire()
}

// Constraints mirrors arena.Constraints for an Alloc caller that wants
// alignment, a no-cross-boundary guarantee, or a bounded address range.
type Constraints = arena.Constraints

// MemoryFile is the physical page allocator: a fixed-size simulated RAM
// backing store, sliced into page frames, doled out via a range arena.
type MemoryFile struct {
	mem    []byte
	frames []Page
	arena  *arena.Arena
}

// NewMemoryFile allocates a simulated physical memory pool of the given
// size (must be a multiple of hostarch.PageSize) by mmap'ing anonymous
// memory from the host OS.
func NewMemoryFile(size uint64) (*MemoryFile, error) {
	if size == 0 || size%hostarch.PageSize != 0 {
		return nil, kernerr.InvalidArg
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, kernerr.NoMemory
	}
	mf := &MemoryFile{
		mem:    mem,
		frames: make([]Page, size/hostarch.PageSize),
		arena:  arena.New("pgalloc", hostarch.PageSize, 0),
	}
	for i := range mf.frames {
		mf.frames[i].mf = mf
		mf.frames[i].Addr = uint64(i) * hostarch.PageSize
		mf.frames[i].SetQueue(QueueAllocated) // not yet handed to the arena; see RangeAdd.
	}
	return mf, nil
}

// Close releases the simulated physical memory back to the host OS.
func (mf *MemoryFile) Close() error {
	return unix.Munmap(mf.mem)
}

// RangeAdd registers [start,end) as physical memory the allocator knows
// about, without yet making it available. Pages in
// the range remain in QueueAllocated until MarkReclaimable or a later
// ReleaseReserved call admits them to the arena.
func (mf *MemoryFile) RangeAdd(start, end uint64) error {
	if start >= end || start%hostarch.PageSize != 0 || end%hostarch.PageSize != 0 {
		return kernerr.InvalidArg
	}
	if end > uint64(len(mf.mem)) {
		return kernerr.InvalidArg
	}
	return nil
}

// MarkReclaimable admits [start,end) to the arena immediately: it becomes
// available for Alloc right away (memory free at boot).
func (mf *MemoryFile) MarkReclaimable(start, end uint64) error {
	if err := mf.RangeAdd(start, end); err != nil {
		return err
	}
	for a := start; a < end; a += hostarch.PageSize {
		mf.frameAt(a).SetQueue(QueueFree)
	}
	return mf.arena.Add(start, end-start)
}

// MarkReserved pins [start,end) as in-use (e.g. the kernel image or boot
// structures): the range is registered but withheld from the arena.
// ReleaseReserved admits it later, once the boot-time user is done with
// it: pinning a region that's in use but will be released after init.
func (mf *MemoryFile) MarkReserved(start, end uint64) error {
	return mf.RangeAdd(start, end)
}

// ReleaseReserved admits a previously MarkReserved range to the arena. It
// is a boot-time-only operation, called once whatever pinned the range
// (e.g. the bootloader's own data structures) no longer needs it.
func (mf *MemoryFile) ReleaseReserved(start, end uint64) error {
	return mf.MarkReclaimable(start, end)
}

func (mf *MemoryFile) frameAt(addr uint64) *Page {
	return &mf.frames[addr/hostarch.PageSize]
}

// Alloc reserves count contiguous pages. mustSucceed turns exhaustion
// into a fatal panic instead of an error return. If zero is
// true the pages are zero-filled before being returned.
func (mf *MemoryFile) Alloc(count uint64, c Constraints, mustSucceed, zero bool) ([]*Page, error) {
	if count == 0 {
		return nil, kernerr.InvalidArg
	}
	base, err := mf.arena.Alloc(count*hostarch.PageSize, c, mustSucceed)
	if err != nil {
		return nil, err
	}
	pages := make([]*Page, count)
	for i := uint64(0); i < count; i++ {
		p := mf.frameAt(base + i*hostarch.PageSize)
		p.refCount.Store(0)
		p.SetModified(false)
		p.SetCacheRef(0, 0)
		p.SetQueue(QueueAllocated)
		pages[i] = p
	}
	if zero {
		for _, p := range pages {
			mf.zeroPage(p)
		}
	}
	return pages, nil
}

// Free releases pages, which must be exactly the slice one prior Alloc
// returned (same first page, same count).
func (mf *MemoryFile) Free(pages []*Page) {
	if len(pages) == 0 {
		return
	}
	base := pages[0].Addr
	mf.arena.Free(base, uint64(len(pages))*hostarch.PageSize)
	for _, p := range pages {
		p.SetQueue(QueueFree)
		p.SetCacheRef(0, 0)
	}
}

func (mf *MemoryFile) zeroPage(p *Page) {
	b := p.MapInternal()
	for i := range b {
		b[i] = 0
	}
}

// Zero zero-fills a single page, wiring w (typically the calling thread)
// for the duration so the page can't be stolen from under the caller by
// migration while it holds a direct mapping of simulated physical
// memory.
func (mf *MemoryFile) Zero(p *Page, w Wirer) {
	if w != nil {
		w.Wire()
		defer w.Unwire()
	}
	mf.zeroPage(p)
}

// Copy copies the contents of src into dst, one page at a time, wiring w
// for the duration.
func (mf *MemoryFile) Copy(dst, src *Page, w Wirer) {
	if w != nil {
		w.Wire()
		defer w.Unwire()
	}
	copy(dst.MapInternal(), src.MapInternal())
}
