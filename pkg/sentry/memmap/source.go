// Package memmap defines the page source contract that regions map
// through. A source is the thing a region's
// faults are satisfied against: anonymous memory, a shared file cache,
// or a private copy of one. mm imports this package; this package never
// imports mm, mirroring the teacher's memmap/mm split where
// memmap.Mappable is the vtable vm.AddressSpace consumes without
// depending on its implementations.
package memmap

import (
	"sync/atomic"

	"github.com/aejsmith/vireo/pkg/kernerr"
	"github.com/aejsmith/vireo/pkg/sentry/pgalloc"
)

// Backend is the vtable a Source dispatches to, grounded in
// frontend_mmap.go's Mappable methods (Translate/AddMapping/...)
// collapsed to the operations a page source actually needs: get,
// release, map-check, destroy.
type Backend interface {
	// Get returns the physical page backing sourceOffset, materializing
	// it if necessary. overwrite skips reading prior contents when the
	// caller is about to fully overwrite the page.
	Get(sourceOffset uint64, overwrite bool, w pgalloc.Wirer) (*pgalloc.Page, error)

	// Release returns a reference taken by Get.
	Release(sourceOffset uint64, dirty bool)

	// CheckMap rejects mapping attempts the backend doesn't support
	// (e.g. a writable mapping of a read-only file source).
	CheckMap(writable bool) error

	// Destroy tears the backend down. Called once the source's
	// reference count reaches zero.
	Destroy() error
}

// Kind distinguishes the three page source variants.
type Kind int

const (
	Anonymous Kind = iota
	FileShared
	FilePrivate
)

func (k Kind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case FileShared:
		return "file-shared"
	case FilePrivate:
		return "file-private"
	default:
		return "unknown"
	}
}

// Source is a reference-counted page source a region maps through.
type Source struct {
	Name    string
	Kind    Kind
	Backend Backend

	refCount atomic.Int32
}

// NewSource wraps a backend with the reference-counting wrapper regions
// share. The initial reference count is zero; callers that keep a Source
// alive must IncRef it (region creation does so immediately).
func NewSource(name string, kind Kind, backend Backend) *Source {
	return &Source{Name: name, Kind: kind, Backend: backend}
}

// RefCount returns the number of regions currently referencing this
// source.
func (s *Source) RefCount() int32 { return s.refCount.Load() }

// IncRef adds a reference, taken when a region attaches to this source
// (initial creation, or a region split that shares the source).
func (s *Source) IncRef() int32 { return s.refCount.Add(1) }

// DecRef drops a reference. When the count reaches zero the backend's
// Destroy runs.
func (s *Source) DecRef() error {
	if n := s.refCount.Add(-1); n == 0 {
		return s.Backend.Destroy()
	} else if n < 0 {
		return kernerr.InvalidArg
	}
	return nil
}

// Get/Release/CheckMap forward to the backend; kept as methods on Source
// so region.go never needs to reach into Backend directly.
func (s *Source) Get(sourceOffset uint64, overwrite bool, w pgalloc.Wirer) (*pgalloc.Page, error) {
	return s.Backend.Get(sourceOffset, overwrite, w)
}

func (s *Source) Release(sourceOffset uint64, dirty bool) {
	s.Backend.Release(sourceOffset, dirty)
}

func (s *Source) CheckMap(writable bool) error {
	return s.Backend.CheckMap(writable)
}
