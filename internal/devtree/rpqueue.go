package devtree

import (
	"sync"

	"github.com/sq8vps/system-sub001/internal/kernelerr"
)

// ProcessFunc is a device's RP-queue processing callback: given the new
// head RP, begin working on it. It may finalize the RP inline (calling
// FinalizeRP itself) or return immediately and finalize later from
// elsewhere (an interrupt handler, a completion callback), per spec.md
// §4.13.
type ProcessFunc func(rp *RP)

// RPQueue is one device's FIFO request queue: spec.md §4.13's "RP queue
// processing". Only the head RP is ever "executing"; start_rp/finalize_rp
// maintain that invariant under a single spinlock-equivalent mutex.
type RPQueue struct {
	mu      sync.Mutex
	busy    bool
	head    *RP
	tail    *RP
	process ProcessFunc
}

// NewRPQueue returns an empty, idle RP queue.
func NewRPQueue() *RPQueue {
	return &RPQueue{}
}

// SetProcess installs the queue's process callback. Devices call this
// once, typically from their driver's init, before any StartRP.
func (q *RPQueue) SetProcess(fn ProcessFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.process = fn
}

func (q *RPQueue) appendLocked(rp *RP) {
	rp.qNext = nil
	rp.qPrev = q.tail
	if q.tail != nil {
		q.tail.qNext = rp
	} else {
		q.head = rp
	}
	q.tail = rp
}

func (q *RPQueue) removeLocked(rp *RP) {
	if rp.qPrev != nil {
		rp.qPrev.qNext = rp.qNext
	} else if q.head == rp {
		q.head = rp.qNext
	}
	if rp.qNext != nil {
		rp.qNext.qPrev = rp.qPrev
	} else if q.tail == rp {
		q.tail = rp.qPrev
	}
	rp.qNext, rp.qPrev = nil, nil
}

// StartRP appends rp to q's tail under the queue lock. rp.cancel is
// stashed for a later CancelRP to call. If the queue was idle, it becomes
// busy and the process callback is invoked on rp (now the head) outside
// the lock, per spec.md §4.13 start_rp.
func (q *RPQueue) StartRP(rp *RP, cancelCB func(*RP)) {
	rp.cancel = cancelCB

	q.mu.Lock()
	q.appendLocked(rp)
	wasBusy := q.busy
	q.busy = true
	process := q.process
	q.mu.Unlock()

	if !wasBusy && process != nil {
		process(rp)
	}
}

// FinalizeRP may only be called for the current head of q. It invokes
// rp's completion callback (if any), removes rp from the queue, and
// either marks the queue idle or dispatches the new head, per spec.md
// §4.13 finalize_rp. If rp.Task is set and rp was pending, it is
// unblocked via unblock.
func (q *RPQueue) FinalizeRP(rp *RP, unblock func(rp *RP)) error {
	q.mu.Lock()
	if q.head != rp {
		q.mu.Unlock()
		panic("devtree: finalize_rp called out of line")
	}
	completion := rp.completion
	q.removeLocked(rp)
	var next *RP
	if q.head != nil {
		next = q.head
	} else {
		q.busy = false
	}
	process := q.process
	q.mu.Unlock()

	wasPending := rp.pending
	rp.pending = false
	if completion != nil {
		completion(rp)
	}
	if wasPending && rp.Task != nil && unblock != nil {
		unblock(rp)
	}

	if next != nil && process != nil {
		process(next)
	}
	return nil
}

// SetCompletion installs rp's completion callback, consulted by
// FinalizeRP. Per spec.md §4.13, a set completion callback means the
// queue (not the original sender) frees rp once finalized; this
// implementation's analogue is simply "the queue stops referencing it",
// since Go reclaims unreferenced RPs itself.
func (rp *RP) SetCompletion(fn func(*RP)) {
	rp.completion = fn
}

// CancelRP refuses to cancel the head of q (it is executing); for any
// other position it unlinks rp and invokes its cancel callback outside
// any lock, per spec.md §4.13 cancel_rp and §8 property 2.
func (q *RPQueue) CancelRP(rp *RP) error {
	q.mu.Lock()
	if q.head == rp {
		q.mu.Unlock()
		return kernelerr.New(kernelerr.ErrRPNotCancellable)
	}
	found := false
	for r := q.head; r != nil; r = r.qNext {
		if r == rp {
			found = true
			break
		}
	}
	if !found {
		q.mu.Unlock()
		return kernelerr.New(kernelerr.ErrRPNotCancellable)
	}
	q.removeLocked(rp)
	cb := rp.cancel
	q.mu.Unlock()

	if cb != nil {
		cb(rp)
	}
	return nil
}
