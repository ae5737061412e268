// Package sched implements the preemptive, strictly priority-ordered
// dispatcher spec.md §4.9 describes: per-CPU run queues banded by
// [major][minor] priority, a shared deadline-sorted timed-wait queue, and
// the block/unblock/yield/timed-wait primitives every C10 synchronization
// primitive is built on. Grounded on original_source/kernel32/ke/core/sched.c.
//
// There is no patched Go runtime here, so a "CPU" does not literally run a
// TCB's machine registers. Each TCB owns a goroutine, parked on a channel
// between dispatches; Schedule picks the next TCB for a given simulated
// CPU and unparks it. The run queue splicing, priority scan, and
// NO_EXECUTABLE_TASK panic all match spec.md §4.9 exactly regardless of
// that substitution.
package sched

import (
	"sort"
	"sync"

	"github.com/sq8vps/system-sub001/internal/arch"
	"github.com/sq8vps/system-sub001/internal/dpc"
	"github.com/sq8vps/system-sub001/internal/spinlock"
	"github.com/sq8vps/system-sub001/internal/task"
	"github.com/sq8vps/system-sub001/internal/timer"
)

const (
	numMajor = 5
	numMinor = 16
)

// LowestMajor and LowestMinor are the run queue's lowest-priority band
// indices. Priority increases toward (0,0) per spec.md §4.9 ("a ready
// task at (major=0, minor=0) ... is chosen over any (major>0, *) task"),
// so a CPU's idle task belongs at (LowestMajor, LowestMinor), not (0,0).
const (
	LowestMajor = numMajor - 1
	LowestMinor = numMinor - 1
)

type band struct {
	head, tail *task.TCB
}

func (b *band) attachLast(t *task.TCB) {
	t.QNext = nil
	t.QPrev = b.tail
	if b.tail != nil {
		b.tail.QNext = t
	} else {
		b.head = t
	}
	b.tail = t
}

func (b *band) detach(t *task.TCB) {
	if t.QPrev != nil {
		t.QPrev.QNext = t.QNext
	} else if b.head == t {
		b.head = t.QNext
	}
	if t.QNext != nil {
		t.QNext.QPrev = t.QPrev
	} else if b.tail == t {
		b.tail = t.QPrev
	}
	t.QNext = nil
	t.QPrev = nil
}

type runQueue struct {
	lock  spinlock.Spinlock
	bands [numMajor][numMinor]band
}

type timedWaiter struct {
	tcb      *task.TCB
	cpu      int
	deadline int64
	timedOut bool
}

// Scheduler is one kernel-wide dispatcher instance serving up to MaxCPUs
// simulated CPUs. A real boot image owns exactly one.
type Scheduler struct {
	cpus   int
	queues []*runQueue
	dpcs   []*dpc.Queue

	curMu   sync.Mutex
	current []*task.TCB
	homeCPU map[*task.TCB]int

	waitMu  sync.Mutex
	waiters []*timedWaiter
}

// New returns a Scheduler with cpus per-CPU run queues and DPC queues
// initialized.
func New(cpus int) *Scheduler {
	s := &Scheduler{
		cpus:    cpus,
		queues:  make([]*runQueue, cpus),
		dpcs:    make([]*dpc.Queue, cpus),
		current: make([]*task.TCB, cpus),
		homeCPU: make(map[*task.TCB]int),
	}
	for i := 0; i < cpus; i++ {
		s.queues[i] = &runQueue{}
		s.dpcs[i] = dpc.New()
	}
	return s
}

// DPCQueue returns cpu's deferred-procedure-call queue.
func (s *Scheduler) DPCQueue(cpu int) *dpc.Queue { return s.dpcs[cpu] }

// Current returns the TCB currently dispatched on cpu, or nil.
func (s *Scheduler) Current(cpu int) *task.TCB {
	s.curMu.Lock()
	defer s.curMu.Unlock()
	return s.current[cpu]
}

func (s *Scheduler) attach(cpu int, t *task.TCB) {
	q := s.queues[cpu]
	g := q.lock.Acquire()
	q.bands[t.MajorPriority][t.MinorPriority].attachLast(t)
	q.lock.Release(g)

	s.curMu.Lock()
	s.homeCPU[t] = cpu
	s.curMu.Unlock()
}

// SetIdle registers t as cpu's idle task, the task scheduled when nothing
// else in cpu's run queue is executable. Every CPU must have one or
// Schedule panics per spec.md §4.9 NO_EXECUTABLE_TASK.
func (s *Scheduler) SetIdle(cpu int, t *task.TCB) {
	s.Enable(cpu, t)
}

// Enable transitions t to Ready and attaches it to cpu's run queue at its
// priority band's tail, launching its backing goroutine the first time t
// is ever enabled, per spec.md §4.8/§4.9.
func (s *Scheduler) Enable(cpu int, t *task.TCB) {
	if t.State() == task.Uninitialized {
		s.launch(t)
	}
	t.SetState(task.Ready)
	t.RequestedState = task.Ready
	s.attach(cpu, t)
}

func (s *Scheduler) launch(t *task.TCB) {
	entry := t.Entry()
	go func() {
		<-t.WakeChan()
		arch.BindCPU(s.homeCPUOf(t))
		if entry != nil {
			entry(t)
		}
		s.FinishCurrent(t)
	}()
}

// refreshTimedWait pops every waiter whose deadline has passed as of now
// and re-attaches it to its home CPU's run queue with timedOut set, per
// spec.md §4.9's "refresh the timed-wait queue" step.
func (s *Scheduler) refreshTimedWait(now int64) {
	s.waitMu.Lock()
	var expired, remain []*timedWaiter
	for _, w := range s.waiters {
		if w.deadline <= now {
			expired = append(expired, w)
		} else {
			remain = append(remain, w)
		}
	}
	sort.Slice(remain, func(i, j int) bool { return remain[i].deadline < remain[j].deadline })
	s.waiters = remain
	s.waitMu.Unlock()

	for _, w := range expired {
		w.timedOut = true
		w.tcb.Block.Acquired = false
		w.tcb.SetState(task.Ready)
		w.tcb.RequestedState = task.Ready
		s.attach(w.cpu, w.tcb)
	}
}

// Schedule picks the next runnable task for cpu and transfers control to
// it, per spec.md §4.9 step 2: scan priority bands in strict ascending
// order from (0,0) to (numMajor-1,numMinor-1) — lower (major,minor) is
// higher priority. At each slot, before touching its queue, check whether
// the task cpu was already running still dominates it (its major is ≤ the
// slot's major and its minor is strictly less than the slot's minor) and
// still wants to keep running; if so, keep it without any detach or
// requeue and stop scanning. Otherwise take the slot's queue head, if any,
// and stop. If the scan exhausts every slot empty-handed, current keeps
// running if it still can (step 3); otherwise this panics
// NO_EXECUTABLE_TASK — a configuration bug, since the idle task is
// affinity-all and always ready whenever nothing else is.
//
// Schedule itself performs the "attach_last_task" postcondition spec.md
// §4.9 describes for whatever task it displaces: a displaced task whose
// RequestedState is still Ready is reinserted at its band's tail; Waiting
// or Finished tasks are left off every run queue, already handled by
// Block/TimedWait/FinishCurrent before they called Schedule. Callers
// voluntarily giving up the CPU (Yield, Preempt) therefore only need to
// set the outgoing task's state before calling Schedule, not requeue it
// themselves.
//
// Schedule returns whether a cross-goroutine handoff actually happened. If
// the task it picks is the very one that was already running on cpu (the
// degenerate case where a task yields or is preempted but remains the only
// — or still highest-priority — runnable entry), there is nothing to hand
// off: the calling goroutine already IS that task, so sending on its own
// wake channel before it has reached the receive would deadlock. Callers
// that park themselves afterward (Yield) must check this before waiting.
func (s *Scheduler) Schedule(cpu int) bool {
	s.refreshTimedWait(timer.Now())

	s.curMu.Lock()
	prevCurrent := s.current[cpu]
	s.curMu.Unlock()

	q := s.queues[cpu]
	g := q.lock.Acquire()

	canContinue := prevCurrent != nil && prevCurrent.Affinity.Includes(cpu) &&
		(prevCurrent.RequestedState == task.Running || prevCurrent.RequestedState == task.Ready)

	var next *task.TCB
scan:
	for major := 0; major < numMajor; major++ {
		for minor := 0; minor < numMinor; minor++ {
			if canContinue && prevCurrent.MajorPriority <= major && prevCurrent.MinorPriority < minor {
				next = prevCurrent
				break scan
			}
			b := &q.bands[major][minor]
			found := (*task.TCB)(nil)
			for t := b.head; t != nil; t = t.QNext {
				if t.Affinity.Includes(cpu) {
					found = t
					break
				}
			}
			if found != nil {
				b.detach(found)
				next = found
				break scan
			}
		}
	}
	if next == nil && canContinue {
		next = prevCurrent
	}
	q.lock.Release(g)

	if next == nil {
		panic("NO_EXECUTABLE_TASK")
	}

	if prevCurrent != nil && next != prevCurrent && prevCurrent.RequestedState == task.Ready {
		s.attach(cpu, prevCurrent)
	}

	next.SetState(task.Running)
	next.RequestedState = task.Running
	s.curMu.Lock()
	s.current[cpu] = next
	s.homeCPU[next] = cpu
	s.curMu.Unlock()

	if next == prevCurrent {
		return false
	}
	next.WakeChan() <- struct{}{}
	return true
}

// Preempt forces a reschedule of cpu (no timer calls it; callers invoke
// it directly): if cpu's current task is still Running
// (was not already blocked or finished), it is marked ready to continue;
// Schedule requeues it at its priority band's tail only if it is actually
// displaced, giving round-robin fairness among equal-priority tasks and
// letting the "still dominates" fast path keep it running untouched
// otherwise, per spec.md §4.9.
func (s *Scheduler) Preempt(cpu int) {
	s.curMu.Lock()
	t := s.current[cpu]
	s.curMu.Unlock()
	if t != nil && t.State() == task.Running {
		t.SetState(task.Ready)
		t.RequestedState = task.Ready
	}
	s.Schedule(cpu)
}

func (s *Scheduler) homeCPUOf(t *task.TCB) int {
	s.curMu.Lock()
	defer s.curMu.Unlock()
	return s.homeCPU[t]
}

// Yield voluntarily releases cpu, marking t ready to continue (Schedule
// requeues it at its priority band's tail only if another task displaces
// it), then parks until t is dispatched again.
func (s *Scheduler) Yield(t *task.TCB) {
	cpu := s.homeCPUOf(t)
	t.SetState(task.Ready)
	t.RequestedState = task.Ready
	if s.Schedule(cpu) {
		<-t.WakeChan()
		arch.BindCPU(s.homeCPUOf(t))
	}
}

// Block parks t indefinitely with the given reason, until a matching
// Unblock call. Used by C10 primitives that have no timeout.
func (s *Scheduler) Block(t *task.TCB, reason task.BlockReason) {
	cpu := s.homeCPUOf(t)
	t.Block.Reason = reason
	t.SetState(task.Waiting)
	t.RequestedState = task.Waiting
	s.Schedule(cpu)
	<-t.WakeChan()
	arch.BindCPU(s.homeCPUOf(t))
}

// TimedWait parks t with the given reason and a deadline timeoutNanos from
// now, registering it on the shared timed-wait queue. Returns true if the
// wait expired before an Unblock call canceled it, per spec.md §4.9/§8's
// timed-sleep lower-bound property.
func (s *Scheduler) TimedWait(t *task.TCB, reason task.BlockReason, timeoutNanos int64) bool {
	cpu := s.homeCPUOf(t)
	deadline := timer.Now() + timeoutNanos
	w := &timedWaiter{tcb: t, cpu: cpu, deadline: deadline}

	t.Block.Reason = reason
	t.Block.TimeoutUntil = deadline
	t.SetState(task.Waiting)
	t.RequestedState = task.Waiting

	s.waitMu.Lock()
	s.waiters = append(s.waiters, w)
	s.waitMu.Unlock()

	s.Schedule(cpu)
	<-t.WakeChan()
	arch.BindCPU(s.homeCPUOf(t))
	return w.timedOut
}

func (s *Scheduler) cancelTimedWait(t *task.TCB) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	for i, w := range s.waiters {
		if w.tcb == t {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Unblock transitions a Waiting task back to Ready and reattaches it to
// its home CPU's run queue, canceling any pending timed-wait registration.
// Callers that grant a resource (mutex, semaphore units, rwlock slot) set
// the relevant BlockInfo fields on t before calling Unblock.
func (s *Scheduler) Unblock(t *task.TCB) {
	if t.State() != task.Waiting {
		return
	}
	s.cancelTimedWait(t)
	t.SetState(task.Ready)
	t.RequestedState = task.Ready
	cpu := s.homeCPUOf(t)
	s.attach(cpu, t)
}

// FinishCurrent marks t Finished and reschedules cpu. Called once a task's
// entry function returns.
func (s *Scheduler) FinishCurrent(t *task.TCB) {
	t.SetState(task.Finished)
	t.RequestedState = task.Finished
	cpu := s.homeCPUOf(t)
	s.Schedule(cpu)
}
