package ksync

import (
	"github.com/sq8vps/system-sub001/internal/sched"
	"github.com/sq8vps/system-sub001/internal/spinlock"
	"github.com/sq8vps/system-sub001/internal/task"
)

type semWaiter struct {
	t       *task.TCB
	need    uint32
	granted bool
}

// Semaphore is a head-of-line counting semaphore. A waiter asking for N
// units either receives all N in a single grant or none; original_source's
// per-unit timeout loop (granting units one at a time and re-looping on
// each partial timeout) is the Open Question spec.md flags as buggy, and
// is deliberately not reproduced here.
type Semaphore struct {
	guard   spinlock.Spinlock
	count   uint32
	waiters []*semWaiter
	sched   *sched.Scheduler
}

// NewSemaphore returns a semaphore initialized with initial units.
func NewSemaphore(s *sched.Scheduler, initial uint32) *Semaphore {
	return &Semaphore{sched: s, count: initial}
}

// Acquire blocks t until units are available, head-of-line: a waiter ahead
// of t in the queue that cannot yet be satisfied blocks every waiter
// behind it, even if their own request could currently be met.
func (s *Semaphore) Acquire(t *task.TCB, units uint32) {
	s.acquire(t, units, -1)
}

// AcquireTimeout is Acquire bounded by timeoutNanos. Returns false if the
// timeout elapsed before t reached the head of the line and was fully
// granted.
func (s *Semaphore) AcquireTimeout(t *task.TCB, units uint32, timeoutNanos int64) bool {
	return s.acquire(t, units, timeoutNanos)
}

func (s *Semaphore) acquire(t *task.TCB, units uint32, timeoutNanos int64) bool {
	g := s.guard.Acquire()
	if len(s.waiters) == 0 && s.count >= units {
		s.count -= units
		s.guard.Release(g)
		return true
	}
	w := &semWaiter{t: t, need: units}
	s.waiters = append(s.waiters, w)
	s.guard.Release(g)

	if timeoutNanos < 0 {
		s.sched.Block(t, task.BlockSemaphore)
		return true
	}
	timedOut := s.sched.TimedWait(t, task.BlockSemaphore, timeoutNanos)
	if !timedOut {
		return true
	}
	g = s.guard.Acquire()
	if w.granted {
		s.guard.Release(g)
		return true
	}
	s.removeWaiterLocked(w)
	s.guard.Release(g)
	return false
}

func (s *Semaphore) removeWaiterLocked(target *semWaiter) {
	for i, w := range s.waiters {
		if w == target {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Release returns units to the semaphore and wakes every head-of-line
// waiter whose full request can now be satisfied, in FIFO order, stopping
// at the first waiter that still cannot be fully granted.
func (s *Semaphore) Release(units uint32) {
	g := s.guard.Acquire()
	s.count += units
	var toWake []*task.TCB
	for len(s.waiters) > 0 {
		head := s.waiters[0]
		if s.count < head.need {
			break
		}
		s.count -= head.need
		head.granted = true
		s.waiters = s.waiters[1:]
		toWake = append(toWake, head.t)
	}
	s.guard.Release(g)
	for _, t := range toWake {
		s.sched.Unblock(t)
	}
}

// Available returns the current unit count, for diagnostics.
func (s *Semaphore) Available() uint32 {
	g := s.guard.Acquire()
	defer s.guard.Release(g)
	return s.count
}
