package ksync

import "sync"

// The types below are thin, named wrappers around sync.Mutex/sync.RWMutex.
// Each carries the lock-ordering role it plays, documented at the
// declaration site, in the same spirit as the teacher's generated
// mappingRWMutex / activeRWMutex / metadataMutex wrapper types (see
// mm.MemoryManager's field comments): a plain sync.Mutex tells a reader
// nothing about where it sits in the ordering, a named type does.

// AspaceMutex serializes region lookup, map, unmap and the page-fault
// path for one address space.
type AspaceMutex struct{ sync.Mutex }

// CacheMutex serializes access to one page cache's page map. It is never
// held across a call into a page source backend that could recurse back
// into the same cache.
type CacheMutex struct{ sync.Mutex }

// ArenaMutex serializes access to one range arena, including its span
// list, freelist bitmap and quantum caches.
type ArenaMutex struct{ sync.Mutex }

// TableMutex serializes handle allocation/closure bookkeeping in a handle
// table.
type TableMutex struct{ sync.Mutex }

// EntryLock is the per-handle-entry readers/writer lock: many concurrent
// lookups, exclusive close.
type EntryLock struct{ sync.RWMutex }

// RunQueueLock guards one per-CPU scheduler run-queue pair, held only
// across list splice.
type RunQueueLock struct{ SpinLock }
