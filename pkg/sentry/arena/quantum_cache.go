package arena

import "github.com/aejsmith/vireo/pkg/ksync"

// maxCachedPerSize bounds how many freed objects of one size a quantum
// cache holds onto before giving the rest back to the general arena path,
// so a cache of short-lived, varying-size allocations can't pin
// unbounded memory in per-size stacks.
const maxCachedPerSize = 64

// quantumCache is a per-size object cache layered over the arena for
// allocations <= qcacheMax. Exact-size frees return here instead
// of going through split/coalesce.
type quantumCache struct {
	mu   ksync.ArenaMutex
	size uint64
	free []uint64
}

func (a *Arena) qcacheFor(size uint64) *quantumCache {
	a.mu.Lock()
	qc, ok := a.qcaches[size]
	if !ok {
		qc = &quantumCache{size: size}
		a.qcaches[size] = qc
	}
	a.mu.Unlock()
	return qc
}

func (qc *quantumCache) pop() (uint64, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if len(qc.free) == 0 {
		return 0, false
	}
	n := len(qc.free) - 1
	base := qc.free[n]
	qc.free = qc.free[:n]
	return base, true
}

func (qc *quantumCache) push(base uint64) bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if len(qc.free) >= maxCachedPerSize {
		return false
	}
	qc.free = append(qc.free, base)
	return true
}
