package memmap

import (
	"github.com/aejsmith/vireo/pkg/kernerr"
	"github.com/aejsmith/vireo/pkg/sentry/pgalloc"
	"github.com/aejsmith/vireo/pkg/sentry/pgcache"
)

// AnonBackend owns a private cache with no read/write backend: get
// allocates zero-filled pages; release drops the reference and leaves
// the page resident in the cache. Pages are not freed on release, only
// when the source is destroyed.
type AnonBackend struct {
	cache *pgcache.Cache
}

// NewAnonBackend creates an anonymous source of the given size.
func NewAnonBackend(mf *pgalloc.MemoryFile, size uint64) *AnonBackend {
	return &AnonBackend{cache: pgcache.New(mf, size, nil, nil)}
}

func (b *AnonBackend) Get(offset uint64, overwrite bool, w pgalloc.Wirer) (*pgalloc.Page, error) {
	return b.cache.Get(offset, overwrite, w)
}

func (b *AnonBackend) Release(offset uint64, dirty bool) { b.cache.Release(offset, dirty) }

func (b *AnonBackend) CheckMap(writable bool) error { return nil }

func (b *AnonBackend) Destroy() error { return b.cache.Destroy(true) }

// FileSharedBackend holds a reference to a file's cache; get/release
// forward straight through, and writable mappings of a read-only file
// are rejected at CheckMap.
type FileSharedBackend struct {
	cache    *pgcache.Cache
	readOnly bool
}

// NewFileSharedBackend wraps an existing, file-owned cache. The cache's
// lifetime is the file's, not this backend's: Destroy is a no-op here,
// since other sources (and the file itself) may still reference it.
func NewFileSharedBackend(cache *pgcache.Cache, readOnly bool) *FileSharedBackend {
	return &FileSharedBackend{cache: cache, readOnly: readOnly}
}

func (b *FileSharedBackend) Get(offset uint64, overwrite bool, w pgalloc.Wirer) (*pgalloc.Page, error) {
	return b.cache.Get(offset, overwrite, w)
}

func (b *FileSharedBackend) Release(offset uint64, dirty bool) { b.cache.Release(offset, dirty) }

func (b *FileSharedBackend) CheckMap(writable bool) error {
	if writable && b.readOnly {
		return kernerr.ReadOnly
	}
	return nil
}

func (b *FileSharedBackend) Destroy() error { return nil }

// FilePrivateBackend holds its own cache seeded by the same read path as
// the shared case, but writes never propagate: the cache is constructed
// with no write_page, so dirtied pages only ever live in this backend's
// private copy.
type FilePrivateBackend struct {
	cache *pgcache.Cache
}

// NewFilePrivateBackend creates a private copy-on-fault source that
// reads through readPage but never writes back.
func NewFilePrivateBackend(mf *pgalloc.MemoryFile, size uint64, readPage pgcache.ReadPageFunc) *FilePrivateBackend {
	return &FilePrivateBackend{cache: pgcache.New(mf, size, readPage, nil)}
}

func (b *FilePrivateBackend) Get(offset uint64, overwrite bool, w pgalloc.Wirer) (*pgalloc.Page, error) {
	return b.cache.Get(offset, overwrite, w)
}

func (b *FilePrivateBackend) Release(offset uint64, dirty bool) { b.cache.Release(offset, dirty) }

func (b *FilePrivateBackend) CheckMap(writable bool) error { return nil }

func (b *FilePrivateBackend) Destroy() error { return b.cache.Destroy(true) }
