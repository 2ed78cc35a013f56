package memmap

import (
	"testing"

	"github.com/aejsmith/vireo/pkg/hostarch"
	"github.com/aejsmith/vireo/pkg/kernerr"
	"github.com/aejsmith/vireo/pkg/sentry/pgalloc"
	"github.com/aejsmith/vireo/pkg/sentry/pgcache"
)

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

func TestAnonSourceZeroFillAndDestroy(t *testing.T) {
	mf := newTestMemoryFile(t, 2)
	src := NewSource("anon", Anonymous, NewAnonBackend(mf, 2*hostarch.PageSize))
	src.IncRef()

	p, err := src.Get(0, false, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.MapInternal()[0] != 0 {
		t.Fatalf("expected zero-filled page")
	}
	src.Release(0, false)

	if err := src.DecRef(); err != nil {
		t.Fatalf("DecRef: %v", err)
	}
}

func TestFileSharedCheckMapRejectsWriteOnReadOnly(t *testing.T) {
	mf := newTestMemoryFile(t, 1)
	cache := pgcache.New(mf, hostarch.PageSize, nil, nil)
	src := NewSource("file", FileShared, NewFileSharedBackend(cache, true))

	if err := src.CheckMap(false); err != nil {
		t.Fatalf("read-only map of read-only file should be allowed: %v", err)
	}
	if err := src.CheckMap(true); err != kernerr.ReadOnly {
		t.Fatalf("expected ReadOnly, got %v", err)
	}
}

func TestFileSharedDestroyLeavesCacheAlive(t *testing.T) {
	mf := newTestMemoryFile(t, 1)
	cache := pgcache.New(mf, hostarch.PageSize, nil, nil)
	src := NewSource("file", FileShared, NewFileSharedBackend(cache, false))
	src.IncRef()

	if err := src.DecRef(); err != nil {
		t.Fatalf("DecRef: %v", err)
	}
	// The cache outlives the source; a fresh Get must still work.
	if _, err := cache.Get(0, true, nil); err != nil {
		t.Fatalf("cache should survive source teardown: %v", err)
	}
}

func TestFilePrivateWritesDoNotPropagate(t *testing.T) {
	backingData := make([]byte, hostarch.PageSize)
	backingData[0] = 5

	mf := newTestMemoryFile(t, 1)
	backend := NewFilePrivateBackend(mf, hostarch.PageSize, func(offset uint64, dst []byte) error {
		copy(dst, backingData[offset:])
		return nil
	})
	src := NewSource("private", FilePrivate, backend)
	src.IncRef()

	p, err := src.Get(0, false, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.MapInternal()[0] != 5 {
		t.Fatalf("expected private copy to read through once")
	}
	p.MapInternal()[0] = 99
	src.Release(0, true)

	if backingData[0] != 5 {
		t.Fatalf("file-private write must not propagate to the backing file")
	}
}
