package kernel

import (
	"github.com/syndtr/gocapability/capability"

	"github.com/aejsmith/vireo/pkg/kernerr"
)

// CapSet is a process's capability bitmap. It reuses
// github.com/syndtr/gocapability's capability.Cap enumeration purely as a
// vocabulary of named bit positions (CAP_KILL, CAP_SETPCAP, ...); unlike
// gocapability's own Capabilities type it never calls into the host's
// capget/capset syscalls; a simulated kernel's own processes have no
// corresponding real Linux process to apply capabilities to; the methods
// here operate on an in-memory bitmap only.
type CapSet struct {
	bits uint64
}

// Has reports whether cap is present in the set.
func (c CapSet) Has(cap capability.Cap) bool {
	return c.bits&(1<<uint(cap)) != 0
}

// Grant adds caps to the set.
func (c *CapSet) Grant(caps ...capability.Cap) {
	for _, cp := range caps {
		c.bits |= 1 << uint(cp)
	}
}

// Revoke removes cap from the set.
func (c *CapSet) Revoke(cap capability.Cap) {
	c.bits &^= 1 << uint(cap)
}

// Check returns kernerr.PermDenied if required is not held.
func (c CapSet) Check(required capability.Cap) error {
	if !c.Has(required) {
		return kernerr.PermDenied
	}
	return nil
}

// FullCapSet returns a set with every capability gocapability knows
// about granted, the set a boot-time init process is given.
func FullCapSet() CapSet {
	var c CapSet
	for cp := capability.Cap(0); cp <= capability.CAP_LAST_CAP; cp++ {
		c.Grant(cp)
	}
	return c
}
