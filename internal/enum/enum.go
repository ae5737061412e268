// Package enum implements the single-worker device enumeration loop
// spec.md §4.15 describes: newly registered nodes land on an
// enumeration queue, failed stack builds move to a retry queue, and the
// worker sleeps between wakeups. Grounded on
// original_source/kernel32/io/enum.c.
//
// The real kernel's worker calls event_sleep/wake (internal/sched's
// notified-flag primitive) to park between rounds. This package's Worker
// instead parks on a buffered Go channel that Notify sends to — the same
// substitution internal/sched makes for context switches, scoped here to
// one subsystem's single dedicated thread rather than the general
// task-blocking path, since the enumeration worker never competes for a
// CPU with other tasks in any topology this spec's Non-goals describe.
package enum

import (
	"sync"

	"github.com/sq8vps/system-sub001/internal/devtree"
)

// StackBuilder builds a device node's full driver stack: collecting
// device IDs, looking up matching drivers, and invoking each driver's
// add_device in attachment order. The topmost resulting device becomes
// the node's MDO, per spec.md §4.15 step 1.
type StackBuilder interface {
	BuildStack(node *devtree.Node) error
}

// EnumerateDispatcher sends a synthetic ENUMERATE RP to a bus-capable
// node's MDO and waits for completion, per spec.md §4.15 step 2.
type EnumerateDispatcher interface {
	// IsEnumerationCapable reports whether node's MDO is a bus or other
	// enumeration-capable device (spec.md §4.15 step 2's precondition).
	IsEnumerationCapable(node *devtree.Node) bool
	Enumerate(node *devtree.Node) error
}

// Worker is the kernel's single enumeration thread.
type Worker struct {
	builder    StackBuilder
	dispatcher EnumerateDispatcher

	mu      sync.Mutex
	pending []*devtree.Node
	retry   []*devtree.Node

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New returns a Worker that is not yet running; call Run to start its
// loop (normally in its own goroutine from cmd/kernel).
func New(builder StackBuilder, dispatcher EnumerateDispatcher) *Worker {
	return &Worker{
		builder:    builder,
		dispatcher: dispatcher,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// NotifyEnumerator enqueues node for this round and wakes the worker, per
// spec.md §4.13's register_device and §4.15's notify_enumerator.
func (w *Worker) NotifyEnumerator(node *devtree.Node) {
	w.mu.Lock()
	w.pending = append(w.pending, node)
	w.mu.Unlock()
	w.signal()
}

// TriggerRetry wakes the worker to reprocess the retry queue without
// adding a new node, per spec.md §4.15 step 4's "explicit retry trigger".
func (w *Worker) TriggerRetry() {
	w.signal()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run processes rounds until Stop is called. Each round drains whatever
// is pending (freshly registered nodes plus the retry queue) before
// parking again, per spec.md §4.15's 4-step loop.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		w.processRound()
		select {
		case <-w.stop:
			return
		case <-w.wake:
		}
	}
}

// Stop asks Run to exit after its current round and blocks until it has.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) processRound() {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	retryBatch := w.retry
	w.retry = nil
	w.mu.Unlock()

	work := append(retryBatch, batch...)
	var stillFailing []*devtree.Node

	for _, node := range work {
		if err := w.builder.BuildStack(node); err != nil {
			node.InitFailed = true
			stillFailing = append(stillFailing, node)
			continue
		}
		node.Ready = true
		node.InitFailed = false

		if w.dispatcher != nil && w.dispatcher.IsEnumerationCapable(node) {
			// A failed synthetic ENUMERATE does not prevent the node
			// itself from being usable; spec.md §4.15 step 2 says only
			// that the failure is recorded, not retried via this path.
			if err := w.dispatcher.Enumerate(node); err != nil {
				node.InitFailed = true
			}
		}
	}

	if len(stillFailing) > 0 {
		w.mu.Lock()
		w.retry = append(w.retry, stillFailing...)
		w.mu.Unlock()
	}
}

// PendingCount and RetryCount are diagnostic accessors for tests and
// introspection tooling.
func (w *Worker) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Worker) RetryCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.retry)
}
