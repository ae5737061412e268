package ksync

import (
	"github.com/sq8vps/system-sub001/internal/sched"
	"github.com/sq8vps/system-sub001/internal/spinlock"
	"github.com/sq8vps/system-sub001/internal/task"
)

type rwWaiter struct {
	t       *task.TCB
	write   bool
	granted bool
}

// RWLock is a writer-priority reader/writer lock: once a writer is queued,
// no reader queued behind it is admitted ahead of it, preventing writer
// starvation under a steady stream of readers, per spec.md §4.10.
type RWLock struct {
	guard        spinlock.Spinlock
	readers      int
	writerActive bool
	waiters      []*rwWaiter
	sched        *sched.Scheduler
}

// NewRWLock returns an unlocked reader/writer lock driven by s.
func NewRWLock(s *sched.Scheduler) *RWLock {
	return &RWLock{sched: s}
}

// AcquireRead blocks t until a shared (read) hold is granted.
func (l *RWLock) AcquireRead(t *task.TCB) {
	l.acquire(t, false)
}

// AcquireWrite blocks t until an exclusive (write) hold is granted.
func (l *RWLock) AcquireWrite(t *task.TCB) {
	l.acquire(t, true)
}

func (l *RWLock) acquire(t *task.TCB, write bool) {
	g := l.guard.Acquire()
	w := &rwWaiter{t: t, write: write}
	l.waiters = append(l.waiters, w)
	toWake := l.admitLocked()
	l.guard.Release(g)

	for _, wt := range toWake {
		if wt != t {
			l.sched.Unblock(wt)
		}
	}
	if w.granted {
		return
	}
	l.sched.Block(t, task.BlockRWLock)
}

// admitLocked must be called with l.guard held. It walks the wait queue
// from the front, granting every entry the current state permits and
// stopping at the first it cannot, preserving FIFO order and writer
// priority: a queued writer blocks every reader behind it until it is
// itself granted.
func (l *RWLock) admitLocked() []*task.TCB {
	var toWake []*task.TCB
	for len(l.waiters) > 0 {
		front := l.waiters[0]
		if front.write {
			if l.writerActive || l.readers > 0 {
				break
			}
			l.writerActive = true
			front.granted = true
			l.waiters = l.waiters[1:]
			toWake = append(toWake, front.t)
			break // only one writer admitted per pass
		}
		if l.writerActive {
			break
		}
		l.readers++
		front.granted = true
		l.waiters = l.waiters[1:]
		toWake = append(toWake, front.t)
	}
	return toWake
}

// ReleaseRead ends one shared hold.
func (l *RWLock) ReleaseRead() {
	g := l.guard.Acquire()
	if l.readers == 0 {
		l.guard.Release(g)
		panic("ksync: rwlock read-released with no readers held")
	}
	l.readers--
	toWake := l.admitLocked()
	l.guard.Release(g)
	for _, t := range toWake {
		l.sched.Unblock(t)
	}
}

// ReleaseWrite ends the exclusive hold.
func (l *RWLock) ReleaseWrite() {
	g := l.guard.Acquire()
	if !l.writerActive {
		l.guard.Release(g)
		panic("ksync: rwlock write-released with no writer held")
	}
	l.writerActive = false
	toWake := l.admitLocked()
	l.guard.Release(g)
	for _, t := range toWake {
		l.sched.Unblock(t)
	}
}
