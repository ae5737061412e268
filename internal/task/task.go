// Package task implements the TCB/PCB data model spec.md §3 and §4.8
// describe. Grounded on BiscuitOS's common.Proc_t (thread-ID pool, fd
// table shape, memory-layout fields) and original_source/api/ke/task/task.h.
//
// There is no real context switch here: BiscuitOS runs on a patched Go
// runtime where a TCB's "kernel stack" and "cpu context" are the actual
// machine registers saved by a trap handler. This module models the same
// fields spec.md §3 names (kernel stack top/size, an opaque context
// bundle, math state) but a TCB's executable unit is an ordinary Go
// function run on a goroutine the scheduler parks and unparks; see
// internal/sched for how that goroutine is driven.
package task

import (
	"github.com/sq8vps/system-sub001/internal/object"
)

// State is a TCB's lifecycle state (spec.md §3).
type State int

const (
	Uninitialized State = iota
	Ready
	Running
	Waiting
	Finished
)

// BlockReason names why a TCB is in the Waiting state (spec.md §3).
type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockMutex
	BlockSemaphore
	BlockRWLock
	BlockTimedSleep
	BlockEventSleep
	BlockIO
)

// Affinity is a bitmap of allowed CPUs (spec.md §3), up to arch.MaxCPUs bits.
type Affinity uint64

// AffinityAll permits every CPU the build supports.
const AffinityAll Affinity = ^Affinity(0)

// Includes reports whether cpu is permitted by the affinity mask.
func (a Affinity) Includes(cpu int) bool {
	if cpu < 0 || cpu >= 64 {
		return false
	}
	return a&(1<<uint(cpu)) != 0
}

// BlockInfo captures the state a blocked TCB needs to resume correctly,
// mirroring spec.md §3's "block.{...}" group.
type BlockInfo struct {
	Reason       BlockReason
	TimeoutUntil int64 // nanoseconds; 0 = no timeout
	Count        uint32
	WriteFlag    bool
	Acquired     bool
}

// KernelStack describes a TCB's kernel stack allocation.
type KernelStack struct {
	Top  uintptr
	Size uintptr
}

// Flags are the small boolean attributes spec.md §3 lists on a TCB.
type Flags uint32

const (
	FlagMainThread Flags = 1 << iota
	FlagIdle
)

// TCB is the task control block (spec.md §3).
type TCB struct {
	object.Header

	PCB  *PCB
	Name string

	MajorPriority int // 0..4
	MinorPriority int // 0..15

	state         State
	RequestedState State

	Block BlockInfo

	Stack     KernelStack
	UserStack *KernelStack // nil for kernel-only threads

	Affinity Affinity
	Flags    Flags

	Notified bool

	// run-queue linkage; exported for package sched, which owns all
	// run-queue splicing. Not safe to touch outside sched's queue locks.
	QNext, QPrev *TCB

	// wake is how the scheduler's goroutine-backed simulation parks and
	// resumes this TCB's execution; see internal/sched.
	wake chan struct{}

	entry func(*TCB)
}

// NewTCB allocates an uninitialized TCB (spec.md §4.8 prepare_tcb). entry is
// the function the task runs once the scheduler first dispatches it.
func NewTCB(name string, major, minor int, entry func(*TCB)) *TCB {
	t := &TCB{
		Name:          name,
		MajorPriority: major,
		MinorPriority: minor,
		Affinity:      AffinityAll,
		wake:          make(chan struct{}),
		entry:         entry,
	}
	t.Header.Init(object.TypeTCB)
	t.state = Uninitialized
	t.RequestedState = Uninitialized
	return t
}

// State returns the TCB's current lifecycle state.
func (t *TCB) State() State { return t.state }

// SetState is used by package sched to transition a TCB's state. It takes
// no lock, and sched does not hold the TCB's object lock when calling it.
func (t *TCB) SetState(s State) { t.state = s }

// Entry returns the task's entry function, used by sched to launch the
// backing goroutine the first time the TCB runs.
func (t *TCB) Entry() func(*TCB) { return t.entry }

// WakeChan exposes the park/resume channel to package sched only by
// convention (Go has no sub-package-private visibility finer than this);
// no other package should touch it.
func (t *TCB) WakeChan() chan struct{} { return t.wake }

// IDPool hands out the 16 thread-ID slots spec.md §3 gives each PCB.
type IDPool struct {
	used [16]bool
}

// Alloc returns the lowest free ID in [0,16), or -1 if exhausted.
func (p *IDPool) Alloc() int {
	for i := range p.used {
		if !p.used[i] {
			p.used[i] = true
			return i
		}
	}
	return -1
}

// Free returns id to the pool.
func (p *IDPool) Free(id int) {
	if id >= 0 && id < len(p.used) {
		p.used[id] = false
	}
}

// PCB is the process control block (spec.md §3).
type PCB struct {
	object.Header

	Path           string
	PrivilegeLevel int
	AddressSpace   uintptr // arch.AddressSpace.Root(); avoids an import cycle on arch here
	Threads        []*TCB
	Parent         *PCB
	Children       []*PCB

	IDs IDPool
}

// NewPCB allocates a PCB (spec.md §4.8 prepare_pcb).
func NewPCB(path string, privilegeLevel int, addressSpaceRoot uintptr) *PCB {
	p := &PCB{Path: path, PrivilegeLevel: privilegeLevel, AddressSpace: addressSpaceRoot}
	p.Header.Init(object.TypePCB)
	return p
}

// Associate attaches tcb to pcb, consuming a thread-ID slot, per spec.md
// §4.8 associate(pcb, tcb).
func Associate(pcb *PCB, tcb *TCB) int {
	id := pcb.IDs.Alloc()
	if id < 0 {
		return -1
	}
	tcb.PCB = pcb
	pcb.Threads = append(pcb.Threads, tcb)
	return id
}
