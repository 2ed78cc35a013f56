// Package arena implements the generic power-of-two-freelist range
// allocator: a [base,size) integer-range allocator, quantum
// aligned, with instant-fit/best-fit search, split-on-alloc and
// coalesce-on-free, optional quantum caches for small sizes, and optional
// import/release against a parent arena. It backs both the physical page
// allocator (pkg/sentry/pgalloc) and any other range-shaped resource a
// caller wants to manage the same way (e.g. process IDs).
//
// The span/segment index is a github.com/google/btree.BTreeG ordered by
// base address, standing in for the boundary-tag AVL tree of the
// original design; free segments additionally thread an intrusive
// doubly-linked list per size bucket so instant-fit pops are O(1).
package arena

import (
	"math/bits"
	"sort"

	"github.com/google/btree"

	"github.com/aejsmith/vireo/pkg/kernerr"
	"github.com/aejsmith/vireo/pkg/klog"
	"github.com/aejsmith/vireo/pkg/ksync"
)

const numBuckets = 64

// Constraints narrows an allocation beyond "give me size units somewhere".
// When all fields are zero, the arena uses its instant-fit fast path;
// otherwise it falls back to a best-fit linear scan within qualifying
// buckets.
type Constraints struct {
	Align        uint64 // must divide the base; 0 means arena quantum.
	Phase        uint64 // base % Align must equal Phase.
	NoCrossBound uint64 // if nonzero, [base, base+size) must not cross a multiple of this.
	MinAddr      uint64 // inclusive lower bound on base.
	MaxAddr      uint64 // exclusive upper bound on base+size; 0 means unbounded.
}

func (c Constraints) isZero() bool {
	return c == Constraints{}
}

// segment is one boundary-tagged range, free or allocated, living under a
// span. The segments btree covers every unit of every span exactly once.
type segment struct {
	base, size uint64
	allocated  bool
	span       *span

	// Intrusive freelist links within the bucket it currently occupies.
	// Only meaningful when !allocated.
	freePrev, freeNext *segment
}

func (s *segment) end() uint64 { return s.base + s.size }

func segLess(a, b *segment) bool { return a.base < b.base }

// span is one imported or boot-provided contiguous range the arena owns.
type span struct {
	base, size uint64
	imported   bool // eligible for release-to-parent once fully free.
}

// ImportFunc asks a parent arena for size units and reports the base it
// was given. ReleaseFunc gives a previously imported span back.
type ImportFunc func(size uint64) (base uint64, ok bool)
type ReleaseFunc func(base, size uint64)

// Arena is a quantum-aligned range allocator.
type Arena struct {
	mu ksync.ArenaMutex

	name    string
	quantum uint64

	segments *btree.BTreeG[*segment]
	spans    []*span

	freeHeads  [numBuckets]*segment
	freeBitmap uint64

	allocated map[uint64]*segment // base -> segment, allocated only.

	qcacheMax uint64
	qcaches   map[uint64]*quantumCache

	importFn    ImportFunc
	releaseFn   ReleaseFunc
	importQuant uint64 // size requested per import, rounded up to this.
}

// New creates an empty arena. quantum is the alignment unit for every
// base and size (must be a power of two). qcacheMax enables quantum
// caching for allocations of size <= qcacheMax (0 disables it).
func New(name string, quantum, qcacheMax uint64) *Arena {
	if quantum == 0 {
		quantum = 1
	}
	a := &Arena{
		name:      name,
		quantum:   quantum,
		segments:  btree.NewG(32, segLess),
		allocated: make(map[uint64]*segment),
		qcacheMax: qcacheMax,
	}
	if qcacheMax > 0 {
		a.qcaches = make(map[uint64]*quantumCache)
	}
	return a
}

// SetSource configures a parent arena: a failed local search imports a
// span via importFn (rounded up to importQuantum, which defaults to
// quantum if zero), and a span is released via releaseFn once every
// segment under it becomes free again.
func (a *Arena) SetSource(importFn ImportFunc, releaseFn ReleaseFunc, importQuantum uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.importFn = importFn
	a.releaseFn = releaseFn
	a.importQuant = importQuantum
	if a.importQuant == 0 {
		a.importQuant = a.quantum
	}
}

// Add adds a new span [base, base+size) to the arena. It must not overlap
// any existing span.
func (a *Arena) Add(base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addSpanLocked(base, size, false)
}

func (a *Arena) addSpanLocked(base, size uint64, imported bool) error {
	if size == 0 || base%a.quantum != 0 || size%a.quantum != 0 {
		return kernerr.InvalidArg
	}
	newEnd := base + size
	overlap := false
	for _, sp := range a.spans {
		if base < sp.base+sp.size && sp.base < newEnd {
			overlap = true
			break
		}
	}
	if overlap {
		return kernerr.InvalidArg
	}
	sp := &span{base: base, size: size, imported: imported}
	a.spans = append(a.spans, sp)
	seg := &segment{base: base, size: size, span: sp}
	a.segments.ReplaceOrInsert(seg)
	a.linkFree(seg)
	return nil
}

func bucketOf(size uint64) int {
	if size == 0 {
		return 0
	}
	return bits.Len64(size) - 1 // floor(log2(size))
}

// searchBucket returns the lowest bucket guaranteed to hold a segment
// that fits `size`: ceil(log2(size)).
func searchBucket(size uint64) int {
	if size <= 1 {
		return 0
	}
	return bits.Len64(size - 1)
}

func (a *Arena) linkFree(s *segment) {
	s.allocated = false
	b := bucketOf(s.size)
	s.freeNext = a.freeHeads[b]
	s.freePrev = nil
	if a.freeHeads[b] != nil {
		a.freeHeads[b].freePrev = s
	}
	a.freeHeads[b] = s
	a.freeBitmap |= 1 << uint(b)
}

func (a *Arena) unlinkFree(s *segment) {
	b := bucketOf(s.size)
	if s.freePrev != nil {
		s.freePrev.freeNext = s.freeNext
	} else {
		a.freeHeads[b] = s.freeNext
	}
	if s.freeNext != nil {
		s.freeNext.freePrev = s.freePrev
	}
	s.freePrev, s.freeNext = nil, nil
	if a.freeHeads[b] == nil {
		a.freeBitmap &^= 1 << uint(b)
	}
}

// Alloc reserves a size-unit range. mustSucceed, if true, turns any
// failure (including refill exhaustion) into a fatal panic instead of an
// error return.
func (a *Arena) Alloc(size uint64, c Constraints, mustSucceed bool) (uint64, error) {
	if size == 0 {
		return 0, kernerr.InvalidArg
	}
	size = roundUp(size, a.quantum)

	if a.qcaches != nil && size <= a.qcacheMax && c.isZero() {
		if qc := a.qcacheFor(size); qc != nil {
			if base, ok := qc.pop(); ok {
				return base, nil
			}
		}
	}

	a.mu.Lock()
	base, err := a.allocLocked(size, c)
	a.mu.Unlock()
	if err != nil {
		if a.tryImport(size) {
			a.mu.Lock()
			base, err = a.allocLocked(size, c)
			a.mu.Unlock()
		}
	}
	if err != nil {
		if mustSucceed {
			panicExhausted(a.name)
		}
		return 0, err
	}
	return base, nil
}

func panicExhausted(name string) {
	klog.Panic("arena: %s exhausted on a must-succeed allocation", name)
}

func (a *Arena) tryImport(size uint64) bool {
	a.mu.Lock()
	importFn, quant := a.importFn, a.importQuant
	a.mu.Unlock()
	if importFn == nil {
		return false
	}
	want := roundUp(size, quant)
	if want < quant {
		want = quant
	}
	base, ok := importFn(want)
	if !ok {
		return false
	}
	a.mu.Lock()
	err := a.addSpanLocked(base, want, true)
	a.mu.Unlock()
	return err == nil
}

func (a *Arena) allocLocked(size uint64, c Constraints) (uint64, error) {
	if c.isZero() {
		seg := a.instantFitLocked(size)
		if seg == nil {
			return 0, kernerr.NoMemory
		}
		return a.carveLocked(seg, seg.base, size), nil
	}
	seg, base := a.bestFitLocked(size, c)
	if seg == nil {
		return 0, kernerr.NoMemory
	}
	return a.carveLocked(seg, base, size), nil
}

func (a *Arena) instantFitLocked(size uint64) *segment {
	start := searchBucket(size)
	mask := a.freeBitmap &^ ((uint64(1) << uint(start)) - 1)
	for mask != 0 {
		b := bits.TrailingZeros64(mask)
		for seg := a.freeHeads[b]; seg != nil; seg = seg.freeNext {
			if seg.size >= size {
				return seg
			}
		}
		mask &^= 1 << uint(b)
	}
	return nil
}

// bestFitLocked linearly scans free segments in every bucket that could
// satisfy the constraints, returning the smallest usable segment and the
// aligned base within it (best-fit, used whenever Constraints is
// non-zero).
func (a *Arena) bestFitLocked(size uint64, c Constraints) (*segment, uint64) {
	align := c.Align
	if align == 0 {
		align = a.quantum
	}
	var best *segment
	var bestBase uint64
	startBucket := 0
	for b := startBucket; b < numBuckets; b++ {
		for seg := a.freeHeads[b]; seg != nil; seg = seg.freeNext {
			base, ok := fitWithin(seg, size, align, c)
			if !ok {
				continue
			}
			if best == nil || seg.size < best.size {
				best, bestBase = seg, base
			}
		}
	}
	return best, bestBase
}

func fitWithin(seg *segment, size, align uint64, c Constraints) (uint64, bool) {
	base := seg.base
	if c.MinAddr > base {
		base = c.MinAddr
	}
	base = alignUp(base, align, c.Phase)
	end := base + size
	if end > seg.end() {
		return 0, false
	}
	if c.MaxAddr != 0 && end > c.MaxAddr {
		return 0, false
	}
	if c.NoCrossBound != 0 {
		if base/c.NoCrossBound != (end-1)/c.NoCrossBound {
			return 0, false
		}
	}
	return base, true
}

func alignUp(v, align, phase uint64) uint64 {
	if align <= 1 {
		return v
	}
	rem := (v - phase) % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

func roundUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	if v%align == 0 {
		return v
	}
	return v + (align - v%align)
}

// carveLocked splits seg so that exactly [base, base+size) becomes an
// allocated segment, returning the allocated base. seg must currently be
// free and must contain [base, base+size).
func (a *Arena) carveLocked(seg *segment, base, size uint64) uint64 {
	a.unlinkFree(seg)
	a.segments.Delete(seg)

	if seg.base < base {
		lead := &segment{base: seg.base, size: base - seg.base, span: seg.span}
		a.segments.ReplaceOrInsert(lead)
		a.linkFree(lead)
	}
	if seg.end() > base+size {
		trail := &segment{base: base + size, size: seg.end() - (base + size), span: seg.span}
		a.segments.ReplaceOrInsert(trail)
		a.linkFree(trail)
	}

	alloc := &segment{base: base, size: size, allocated: true, span: seg.span}
	a.segments.ReplaceOrInsert(alloc)
	a.allocated[base] = alloc
	return base
}

// Free releases a [base, base+size) range previously returned by Alloc.
// base and size must exactly match a prior allocation.
func (a *Arena) Free(base, size uint64) {
	size = roundUp(size, a.quantum)

	if a.qcaches != nil && size <= a.qcacheMax {
		if qc := a.qcacheFor(size); qc != nil && qc.push(base) {
			return
		}
	}

	a.mu.Lock()
	a.freeLocked(base, size)
	a.mu.Unlock()
}

func (a *Arena) freeLocked(base, size uint64) {
	seg, ok := a.allocated[base]
	if !ok || seg.size != size {
		klog.Panic("arena: free of an address/size that does not match a prior allocation")
	}
	delete(a.allocated, base)
	sp := seg.span
	a.segments.Delete(seg)

	free := &segment{base: seg.base, size: seg.size, span: sp}
	a.segments.ReplaceOrInsert(free)
	a.linkFree(free)

	free = a.coalesceLocked(free)

	if sp.imported && free.base == sp.base && free.size == sp.size && a.releaseFn != nil {
		a.unlinkFree(free)
		a.segments.Delete(free)
		a.spans = removeSpan(a.spans, sp)
		a.releaseFn(sp.base, sp.size)
	}
}

// coalesceLocked merges free with any adjacent free segment(s) under the
// same span, maintaining the invariant that free segments never abut.
func (a *Arena) coalesceLocked(free *segment) *segment {
	// Merge with predecessor.
	var prev *segment
	a.segments.DescendLessOrEqual(free, func(s *segment) bool {
		if s == free {
			return true
		}
		prev = s
		return false
	})
	if prev != nil && !prev.allocated && prev.span == free.span && prev.end() == free.base {
		a.unlinkFree(prev)
		a.unlinkFree(free)
		a.segments.Delete(prev)
		a.segments.Delete(free)
		merged := &segment{base: prev.base, size: prev.size + free.size, span: free.span}
		a.segments.ReplaceOrInsert(merged)
		a.linkFree(merged)
		free = merged
	}

	// Merge with successor.
	var next *segment
	a.segments.AscendGreaterOrEqual(free, func(s *segment) bool {
		if s != free {
			next = s
			return false
		}
		return true
	})
	if next != nil && !next.allocated && next.span == free.span && free.end() == next.base {
		a.unlinkFree(next)
		a.unlinkFree(free)
		a.segments.Delete(next)
		a.segments.Delete(free)
		merged := &segment{base: free.base, size: free.size + next.size, span: free.span}
		a.segments.ReplaceOrInsert(merged)
		a.linkFree(merged)
		free = merged
	}

	return free
}

func removeSpan(spans []*span, target *span) []*span {
	out := spans[:0]
	for _, s := range spans {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Dump returns a description of every span's segment layout in base
// order, for tests and cmd/ksim.
func (a *Arena) Dump() []SpanInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SpanInfo, 0, len(a.spans))
	sorted := append([]*span(nil), a.spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].base < sorted[j].base })
	for _, sp := range sorted {
		info := SpanInfo{Base: sp.base, Size: sp.size}
		a.segments.AscendRange(&segment{base: sp.base}, &segment{base: sp.base + sp.size},
			func(s *segment) bool {
				info.Segments = append(info.Segments, SegmentInfo{Base: s.base, Size: s.size, Allocated: s.allocated})
				return true
			})
		out = append(out, info)
	}
	return out
}

// SpanInfo and SegmentInfo describe an arena's layout for diagnostics.
type SpanInfo struct {
	Base, Size uint64
	Segments   []SegmentInfo
}

type SegmentInfo struct {
	Base, Size uint64
	Allocated  bool
}
