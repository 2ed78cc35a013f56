package mm

import (
	"testing"

	"github.com/aejsmith/vireo/pkg/hostarch"
	"github.com/aejsmith/vireo/pkg/kernerr"
	"github.com/aejsmith/vireo/pkg/sentry/memmap"
	"github.com/aejsmith/vireo/pkg/sentry/pgalloc"
)

// fakeContext is a software stand-in for platform.Context that just
// tracks mappings in a map, for exercising the address space in
// isolation from any real MMU adapter.
type fakeContext struct {
	mapped map[hostarch.Addr]uint64
	loads  int
}

func newFakeContext() *fakeContext { return &fakeContext{mapped: make(map[hostarch.Addr]uint64)} }

func (c *fakeContext) Map(virt hostarch.Addr, phys uint64, access hostarch.AccessType) error {
	if _, ok := c.mapped[virt]; ok {
		panic("double map")
	}
	c.mapped[virt] = phys
	return nil
}

func (c *fakeContext) Remap(virt hostarch.Addr, size uint64, access hostarch.AccessType) error {
	return nil
}

func (c *fakeContext) Unmap(virt hostarch.Addr) (bool, uint64, error) {
	phys, ok := c.mapped[virt]
	delete(c.mapped, virt)
	return ok, phys, nil
}

func (c *fakeContext) Query(virt hostarch.Addr) (uint64, hostarch.AccessType, bool) {
	phys, ok := c.mapped[virt]
	return phys, hostarch.AnyAccess, ok
}

func (c *fakeContext) Flush()   {}
func (c *fakeContext) Load()    { c.loads++ }
func (c *fakeContext) Unload()  {}
func (c *fakeContext) Destroy() {}

func newTestMemoryFile(t *testing.T, pages int) *pgalloc.MemoryFile {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(uint64(pages) * hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	t.Cleanup(func() { mf.Close() })
	if err := mf.MarkReclaimable(0, uint64(pages)*hostarch.PageSize); err != nil {
		t.Fatalf("MarkReclaimable: %v", err)
	}
	return mf
}

func TestMapAnonFaultRoundTrip(t *testing.T) {
	mf := newTestMemoryFile(t, 4)
	ctx := newFakeContext()
	as := Create(ctx, 0, 1<<20)

	addr, err := as.MapAnon(mf, 0, 2*hostarch.PageSize, hostarch.ReadWrite, false)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	if err := as.Fault(addr, hostarch.Read, nil); err != nil {
		t.Fatalf("Fault: %v", err)
	}
	if len(ctx.mapped) != 1 {
		t.Fatalf("expected one MMU mapping installed, got %d", len(ctx.mapped))
	}
}

func TestFaultOnReservedRegionFails(t *testing.T) {
	ctx := newFakeContext()
	as := Create(ctx, 0, 1<<20)
	if err := as.Reserve(0, hostarch.PageSize); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := as.Fault(0, hostarch.Read, nil); err != kernerr.InvalidAddr {
		t.Fatalf("expected InvalidAddr faulting a reserved region, got %v", err)
	}
}

func TestFaultProtectionMismatch(t *testing.T) {
	mf := newTestMemoryFile(t, 1)
	ctx := newFakeContext()
	as := Create(ctx, 0, 1<<20)
	addr, err := as.MapAnon(mf, 0, hostarch.PageSize, hostarch.Read, false)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	if err := as.Fault(addr, hostarch.Write, nil); err != kernerr.PermDenied {
		t.Fatalf("expected PermDenied writing a read-only region, got %v", err)
	}
}

// TestUnmapSplitsRegion verifies that unmapping the middle of a mapped
// range splits it into two regions sharing the same source.
func TestUnmapSplitsRegion(t *testing.T) {
	mf := newTestMemoryFile(t, 4)
	ctx := newFakeContext()
	as := Create(ctx, 0, 1<<20)

	addr, err := as.MapAnon(mf, 0, 4*hostarch.PageSize, hostarch.ReadWrite, true)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	src := as.regions[0].Source
	src.IncRef() // the test's own reference, held across the checks below.

	if err := as.Unmap(addr+hostarch.PageSize, hostarch.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if len(as.regions) != 2 {
		t.Fatalf("expected split into two regions, got %d", len(as.regions))
	}
	left, right := as.regions[0], as.regions[1]
	if left.End != addr+hostarch.PageSize {
		t.Fatalf("left region end wrong: %#x", uint64(left.End))
	}
	if right.Start != addr+2*hostarch.PageSize {
		t.Fatalf("right region start wrong: %#x", uint64(right.Start))
	}
	if right.Source != src {
		t.Fatalf("expected right half to share the original source")
	}
	if right.SourceOffset != uint64(2*hostarch.PageSize) {
		t.Fatalf("right region source offset wrong: %d", right.SourceOffset)
	}
	// One reference per region half, plus the test's own.
	if got := src.RefCount(); got != 3 {
		t.Fatalf("expected source refcount 3 after the split, got %d", got)
	}
}

func TestDestroyRefusesLiveSpace(t *testing.T) {
	ctx := newFakeContext()
	as := Create(ctx, 0, 1<<20)
	as.IncRef()
	if err := as.Destroy(); err == nil {
		t.Fatalf("expected Destroy to refuse a live address space")
	}
	as.DecRef()
	if err := as.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestFixedMapRejectsOverlap(t *testing.T) {
	mf := newTestMemoryFile(t, 4)
	ctx := newFakeContext()
	as := Create(ctx, 0, 1<<20)

	if _, err := as.MapAnon(mf, 0, hostarch.PageSize, hostarch.ReadWrite, true); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	if _, err := as.MapAnon(mf, 0, hostarch.PageSize, hostarch.ReadWrite, true); err != kernerr.InvalidAddr {
		t.Fatalf("expected InvalidAddr on overlapping fixed map, got %v", err)
	}
}

func TestMapFileRejectsWritableOnReadOnlySource(t *testing.T) {
	mf := newTestMemoryFile(t, 1)
	ctx := newFakeContext()
	as := Create(ctx, 0, 1<<20)

	src := memmap.NewSource("file", memmap.FileShared, memmap.NewFileSharedBackend(nil, true))
	if _, err := as.MapFile(0, hostarch.PageSize, hostarch.ReadWrite, true, src, 0); err != kernerr.ReadOnly {
		t.Fatalf("expected ReadOnly, got %v", err)
	}
}
