// Package spinlock implements the priority-level-disciplined spinlock
// spec.md §3 and §4.10 describe. It is split out of the rest of C10
// (internal/ksync) because the run queues, DPC queues, and IPI slot arrays
// all need a plain spinlock before the scheduler exists to block a waiter
// against — ksync's Mutex/Semaphore/RWLock depend on the scheduler, but the
// scheduler's own run-queue locking depends only on this package.
package spinlock

import (
	"sync/atomic"

	"github.com/sq8vps/system-sub001/internal/arch"
)

// Spinlock is a simple test-and-set lock raised to a priority level while
// held, per spec.md §4.10.
type Spinlock struct {
	word uint32
}

// held tracks, per CPU, which spinlocks that CPU currently holds, so a
// same-CPU reacquire of an already-held lock can be detected and panicked
// on (spec.md §4.10 BUSY_MUTEX_ACQUIRED) rather than spinning forever.
var heldByCPU [arch.MaxCPUs]map[*Spinlock]bool

func init() {
	for i := range heldByCPU {
		heldByCPU[i] = make(map[*Spinlock]bool)
	}
}

// Acquire raises the caller to spinlock priority and spins until the lock
// is free, per spec.md §4.10. Returns the guard to pass to Release.
func (s *Spinlock) Acquire() arch.PriorityGuard {
	return s.acquire(arch.PrioSpinlock)
}

// AcquireDPCLevel is identical to Acquire but raises only to DPC priority,
// for use within regions where spinlock-equivalent exclusion is already in
// effect (spec.md §4.10).
func (s *Spinlock) AcquireDPCLevel() arch.PriorityGuard {
	return s.acquire(arch.PrioDPC)
}

func (s *Spinlock) acquire(level arch.Priority) arch.PriorityGuard {
	cpu := arch.CurrentCPUID()
	if heldByCPU[cpu][s] {
		panic("BUSY_MUTEX_ACQUIRED")
	}
	g := arch.RaiseTo(level)
	for !atomic.CompareAndSwapUint32(&s.word, 0, 1) {
		arch.Relax()
	}
	heldByCPU[cpu][s] = true
	return g
}

// Release stores 0 into the lock word and restores the caller's prior
// priority. Panics if the lock was not held, per spec.md §4.10
// UNACQUIRED_MUTEX_RELEASED (the same invariant applies to a bare
// spinlock: releasing one you never acquired is unreachable in correct
// code).
func (s *Spinlock) Release(g arch.PriorityGuard) {
	cpu := arch.CurrentCPUID()
	if !heldByCPU[cpu][s] {
		panic("UNACQUIRED_MUTEX_RELEASED")
	}
	delete(heldByCPU[cpu], s)
	if !atomic.CompareAndSwapUint32(&s.word, 1, 0) {
		panic("UNACQUIRED_MUTEX_RELEASED")
	}
	g.Release()
}

// TryAcquire attempts a non-blocking acquire, returning (guard, true) on
// success. On failure it returns a zero guard and false, having raised
// nothing.
func (s *Spinlock) TryAcquire() (arch.PriorityGuard, bool) {
	cpu := arch.CurrentCPUID()
	if heldByCPU[cpu][s] {
		panic("BUSY_MUTEX_ACQUIRED")
	}
	g := arch.RaiseTo(arch.PrioSpinlock)
	if atomic.CompareAndSwapUint32(&s.word, 0, 1) {
		heldByCPU[cpu][s] = true
		return g, true
	}
	g.Release()
	return arch.PriorityGuard{}, false
}
