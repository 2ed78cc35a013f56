// Package platform defines the architecture adapter contract: a
// thin vtable the address space and scheduler drive without knowing
// which concrete MMU is underneath. pkg/sentry/platform/soft supplies
// the one concrete implementation this repo ships, but mm and kernel
// only ever see this interface, matching the teacher's own
// sentry/platform split (mm.MemoryManager holds a platform.Platform, not
// a concrete arch backend).
package platform

import "github.com/aejsmith/vireo/pkg/hostarch"

// Context is a single MMU context: one process's page tables, or the
// shared kernel context. Every method takes the context it targets
// implicitly (it's the receiver).
type Context interface {
	// Map installs a leaf mapping. Fatal if virt is already mapped
	//.
	Map(virt hostarch.Addr, phys uint64, access hostarch.AccessType) error

	// Remap changes protection bits on an existing range.
	Remap(virt hostarch.Addr, size uint64, access hostarch.AccessType) error

	// Unmap clears the leaf entry at virt, returning whether one was
	// present and the physical address it held, and queues a TLB
	// invalidation for virt.
	Unmap(virt hostarch.Addr) (present bool, phys uint64, err error)

	// Query reads back the mapping at virt without modifying it.
	Query(virt hostarch.Addr) (phys uint64, access hostarch.AccessType, present bool)

	// Flush drains the queued TLB invalidations: DSB, broadcast
	// invalidate, DSB.
	Flush()

	// Load installs this context on the current CPU.
	Load()

	// Unload uninstalls this context from the current CPU.
	Unload()

	// Destroy releases the context's page tables. Called only once the
	// context is no longer loaded anywhere.
	Destroy()
}

// Factory creates new MMU contexts. The kernel context (ASID 0, global
// entries) is created once at boot; every process gets its own user
// context from the same factory.
type Factory interface {
	NewKernelContext() Context
	NewUserContext() (Context, error)
}
