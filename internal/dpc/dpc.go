// Package dpc implements the three-priority deferred-procedure-call queue
// spec.md §4.11 describes. Grounded on original_source/kernel32/ke/core/dpc.c.
package dpc

import (
	"container/list"
	"sync"

	"github.com/sq8vps/system-sub001/internal/arch"
)

// Level selects one of the three FIFO queues, checked highest-first on
// drain.
type Level int

const (
	Low Level = iota
	Normal
	High
	numLevels
)

type entry struct {
	fn  func()
	lvl Level
}

// Queue is the three-priority DPC queue. There is one Queue per CPU in a
// real deployment; nothing here assumes that, so tests can share one Queue
// across simulated CPUs to exercise cross-CPU enqueue.
type Queue struct {
	mu    sync.Mutex
	lists [numLevels]*list.List
}

// New returns an empty DPC queue.
func New() *Queue {
	q := &Queue{}
	for i := range q.lists {
		q.lists[i] = list.New()
	}
	return q
}

// Enqueue raises the current CPU to DPC priority (or leaves it at whatever
// higher level it already holds), appends fn to lvl's queue, then lowers
// back — draining strictly highest-priority-first, per spec.md §4.11. If
// Enqueue is called while already at or above DPC level (e.g. from within
// another DPC), the drain is deferred to whoever lowers priority past DPC
// last, matching "the lowering of priority at the end of a non-nested
// section drains the queues."
func (q *Queue) Enqueue(lvl Level, fn func()) {
	if lvl < Low || lvl >= numLevels {
		panic("dpc: bad level")
	}
	nested := arch.CurrentLevel() >= arch.PrioDPC
	g := arch.RaiseTo(arch.PrioDPC)

	q.mu.Lock()
	q.lists[lvl].PushBack(entry{fn: fn, lvl: lvl})
	q.mu.Unlock()

	if nested {
		// an outer section is already draining at DPC level or above;
		// it will reach this entry.
		g.Release()
		return
	}
	q.drain()
	g.Release()
}

// drain pops and runs queue heads, highest level first, until all three
// queues are empty. It drops the queue lock before calling each callback
// and retakes it afterward, per spec.md §4.11's "strict loop" contract, so
// a callback that itself calls Enqueue does not deadlock.
func (q *Queue) drain() {
	for {
		fn, ok := q.popHighest()
		if !ok {
			return
		}
		fn()
	}
}

func (q *Queue) popHighest() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for lvl := numLevels - 1; lvl >= 0; lvl-- {
		l := q.lists[lvl]
		if e := l.Front(); e != nil {
			l.Remove(e)
			return e.Value.(entry).fn, true
		}
	}
	return nil, false
}

// Empty reports whether all three queues are currently empty.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, l := range q.lists {
		if l.Len() != 0 {
			return false
		}
	}
	return true
}
