// Package mm implements the per-process address space: an
// ordered set of disjoint regions over page sources, plus the fault path
// that ties a source's pages into an MMU context. Structurally this
// plays the role the teacher's pkg/sentry/mm.MemoryManager.vmas set
// plays, but region storage is a sorted slice rather than the teacher's
// generated vma B-tree (see DESIGN.md: region counts per process in
// this kernel are small enough that a slice scan beats carrying a
// second generated-container dependency for the same concern arena.go
// already covers with google/btree).
package mm

import (
	"github.com/aejsmith/vireo/pkg/hostarch"
	"github.com/aejsmith/vireo/pkg/sentry/memmap"
)

// Region is a contiguous range of an address space's virtual addresses
//.
type Region struct {
	Start, End hostarch.Addr
	Access     hostarch.AccessType
	Reserved   bool

	Source       *memmap.Source
	SourceOffset uint64 // source offset corresponding to Start.
}

func (r *Region) contains(addr hostarch.Addr) bool { return addr >= r.Start && addr < r.End }

func (r *Region) overlaps(start, end hostarch.Addr) bool { return r.Start < end && start < r.End }

func (r *Region) length() uint64 { return uint64(r.End - r.Start) }

// offsetFor returns the source offset corresponding to addr, which must
// lie within r.
func (r *Region) offsetFor(addr hostarch.Addr) uint64 {
	return uint64(addr-r.Start) + r.SourceOffset
}
