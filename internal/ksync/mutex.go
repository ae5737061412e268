// Package ksync implements the C10 synchronization primitives that need
// the scheduler's block/unblock machinery: the recursive mutex, the
// head-of-line counting semaphore, and the writer-priority reader/writer
// lock spec.md §4.10 describes. The plain spinlock that these primitives
// and the scheduler itself both depend on lives in internal/spinlock to
// avoid an import cycle (sched needs a spinlock for run-queue locking
// before any of these higher-level primitives can exist).
//
// Grounded on original_source/kernel32/ke/sync/mutex.c,
// original_source/kernel32/ke/sync/semaphore.c and
// original_source/kernel32/ke/sync/rwlock.c.
package ksync

import (
	"github.com/sq8vps/system-sub001/internal/sched"
	"github.com/sq8vps/system-sub001/internal/spinlock"
	"github.com/sq8vps/system-sub001/internal/task"
)

// Mutex is a recursive, FIFO-fair mutex with ownership-transfer release,
// per spec.md §4.10. Acquire/Release must be called from the owning TCB's
// own goroutine.
type Mutex struct {
	guard     spinlock.Spinlock
	owner     *task.TCB
	recursion int
	waiters   []*task.TCB
	sched     *sched.Scheduler
}

// NewMutex returns an unlocked mutex driven by s.
func NewMutex(s *sched.Scheduler) *Mutex {
	return &Mutex{sched: s}
}

// Acquire blocks t until the mutex is held, recursing if t already owns
// it.
func (m *Mutex) Acquire(t *task.TCB) {
	m.acquire(t, -1)
}

// AcquireTimeout is Acquire bounded by timeoutNanos. Returns false if the
// timeout elapsed before the mutex became available.
func (m *Mutex) AcquireTimeout(t *task.TCB, timeoutNanos int64) bool {
	return m.acquire(t, timeoutNanos)
}

func (m *Mutex) acquire(t *task.TCB, timeoutNanos int64) bool {
	g := m.guard.Acquire()
	if m.owner == nil {
		m.owner = t
		m.recursion = 1
		m.guard.Release(g)
		return true
	}
	if m.owner == t {
		m.recursion++
		m.guard.Release(g)
		return true
	}
	m.waiters = append(m.waiters, t)
	m.guard.Release(g)

	if timeoutNanos < 0 {
		m.sched.Block(t, task.BlockMutex)
		// Release() transfers ownership directly to the waiter it wakes,
		// so there is nothing left to check here.
		return true
	}
	timedOut := m.sched.TimedWait(t, task.BlockMutex, timeoutNanos)
	if !timedOut {
		return true
	}
	g = m.guard.Acquire()
	if m.owner == t {
		// granted concurrently with the timeout firing; honor the grant
		// rather than discard it.
		m.guard.Release(g)
		return true
	}
	m.removeWaiterLocked(t)
	m.guard.Release(g)
	return false
}

func (m *Mutex) removeWaiterLocked(t *task.TCB) {
	for i, w := range m.waiters {
		if w == t {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// Release drops one recursion level; once it reaches zero, ownership
// passes directly to the head of the FIFO wait list, if any. Panics if t
// does not hold the mutex.
func (m *Mutex) Release(t *task.TCB) {
	g := m.guard.Acquire()
	if m.owner != t {
		m.guard.Release(g)
		panic("ksync: mutex released by non-owner")
	}
	m.recursion--
	if m.recursion > 0 {
		m.guard.Release(g)
		return
	}
	if len(m.waiters) == 0 {
		m.owner = nil
		m.guard.Release(g)
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.owner = next
	m.recursion = 1
	m.guard.Release(g)
	m.sched.Unblock(next)
}

// Owner returns the current owning TCB, or nil if unlocked. For
// diagnostics only.
func (m *Mutex) Owner() *task.TCB {
	g := m.guard.Acquire()
	defer m.guard.Release(g)
	return m.owner
}
