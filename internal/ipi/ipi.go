// Package ipi implements the inter-processor-interrupt and TLB-shootdown
// protocol spec.md §4.6 describes: per-CPU message-slot arrays with
// reserved/filled bitmaps, a fixed shootdown vector, and ack-counted
// delivery. Grounded on original_source/kernel32/hal/ipi.c.
package ipi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sq8vps/system-sub001/internal/arch"
)

// slotsPerCPU is the fixed inter-processor message-slot count spec.md
// §4.6 names as "e.g., 16".
const slotsPerCPU = 16

// pageSize matches internal/arch's hosted page granularity (4 KiB, the
// same assumption internal/phys and internal/vmm make).
const pageSize = 4096

// MessageType distinguishes the two payload kinds spec.md §4.6 defines.
type MessageType int

const (
	TLBShootdown MessageType = iota
	CPUShutdown
)

// Payload is a TLB-shootdown message body; unused fields are zero for
// CPUShutdown slots.
type Payload struct {
	Start        uintptr
	PageCount    int
	AddressSpace *arch.AddressSpace
	KernelScope  bool
}

type slot struct {
	typ           MessageType
	sourceCPU     int
	payload       Payload
	remainingAcks *int32
}

type perCPU struct {
	reserved uint32 // bitmap, bit i == slot i reserved
	filled   uint32 // bitmap, bit i == slot i ready to drain
	mu       sync.Mutex
	slots    [slotsPerCPU]slot
}

// DeliverFunc sends a hardware IPI carrying the fixed shootdown vector to
// target and returns once the local controller's delivery-status bit has
// cleared, or an error on timeout. Production wiring backs this with the
// local APIC; tests substitute an immediate-delivery stub that invokes the
// target's Drain directly, simulating the receiver's interrupt handler.
type DeliverFunc func(target int) error

// Hub coordinates shootdowns across a fixed number of simulated CPUs.
type Hub struct {
	cpus    int
	slotsOf []*perCPU
	deliver DeliverFunc
}

// New returns a Hub for the given CPU count. deliver is called once per
// target CPU per Shootdown/Shutdown call; the caller wires it to whatever
// actually signals that CPU's handler (an IPI controller, or — in the
// hosted build — a direct call to (*Hub).Drain on that target's behalf).
func New(cpus int, deliver DeliverFunc) *Hub {
	h := &Hub{cpus: cpus, slotsOf: make([]*perCPU, cpus), deliver: deliver}
	for i := range h.slotsOf {
		h.slotsOf[i] = &perCPU{}
	}
	return h
}

func popcount(mask uint64) int {
	n := 0
	for mask != 0 {
		n += int(mask & 1)
		mask >>= 1
	}
	return n
}

// reserveSlot spins (test-and-set) on target's reserved bitmap until it
// wins a free bit, per spec.md §4.6 step 3, then returns that slot index.
func (h *Hub) reserveSlot(target int) int {
	pc := h.slotsOf[target]
	for {
		for i := 0; i < slotsPerCPU; i++ {
			bit := uint32(1) << uint(i)
			for {
				old := atomic.LoadUint32(&pc.reserved)
				if old&bit != 0 {
					break // taken, try next index
				}
				if atomic.CompareAndSwapUint32(&pc.reserved, old, old|bit) {
					return i
				}
			}
		}
		arch.Relax()
	}
}

// Shootdown invalidates [start, start+pageCount*pageSize) on every CPU in
// targets except the caller's own, per spec.md §4.6's 6-step protocol.
// kernelScope, if true, uses the "all but self" shorthand and forces
// unconditional invalidation regardless of the receiver's current address
// space, matching a kernel-half mapping change that is globally visible.
func (h *Hub) Shootdown(targets uint64, as *arch.AddressSpace, start uintptr, pageCount int, kernelScope bool) {
	g := arch.RaiseToDPC()
	defer g.Release()

	self := arch.CurrentCPUID()
	if kernelScope {
		targets = allBut(h.cpus, self)
	} else {
		targets &^= 1 << uint(self)
	}

	remaining := int32(popcount(targets))
	if remaining == 0 {
		return
	}

	for target := 0; target < h.cpus; target++ {
		if targets&(1<<uint(target)) == 0 {
			continue
		}
		idx := h.reserveSlot(target)
		pc := h.slotsOf[target]
		pc.mu.Lock()
		pc.slots[idx] = slot{
			typ:           TLBShootdown,
			sourceCPU:     self,
			payload:       Payload{Start: start, PageCount: pageCount, AddressSpace: as, KernelScope: kernelScope},
			remainingAcks: &remaining,
		}
		pc.mu.Unlock()
		for {
			old := atomic.LoadUint32(&pc.filled)
			if atomic.CompareAndSwapUint32(&pc.filled, old, old|(1<<uint(idx))) {
				break
			}
		}

		if err := h.deliverWithTimeout(target); err != nil {
			panic(fmt.Sprintf("ipi: shootdown delivery to cpu %d timed out: %v", target, err))
		}
	}

	for atomic.LoadInt32(&remaining) != 0 {
		arch.Relax()
	}
}

// Shutdown halts every CPU except the caller, using the kernel-scope
// "all but self" shorthand and the CPUShutdown message type.
func (h *Hub) Shutdown(onShutdown func()) {
	g := arch.RaiseToDPC()
	defer g.Release()

	self := arch.CurrentCPUID()
	targets := allBut(h.cpus, self)
	remaining := int32(popcount(targets))
	if remaining == 0 {
		return
	}
	for target := 0; target < h.cpus; target++ {
		if targets&(1<<uint(target)) == 0 {
			continue
		}
		idx := h.reserveSlot(target)
		pc := h.slotsOf[target]
		pc.mu.Lock()
		pc.slots[idx] = slot{typ: CPUShutdown, sourceCPU: self, remainingAcks: &remaining}
		pc.mu.Unlock()
		for {
			old := atomic.LoadUint32(&pc.filled)
			if atomic.CompareAndSwapUint32(&pc.filled, old, old|(1<<uint(idx))) {
				break
			}
		}
		if err := h.deliverWithTimeout(target); err != nil {
			panic(fmt.Sprintf("ipi: shutdown delivery to cpu %d timed out: %v", target, err))
		}
	}
	for atomic.LoadInt32(&remaining) != 0 {
		arch.Relax()
	}
	_ = onShutdown
}

// deliverWithTimeout waits up to 100us for h.deliver to report the local
// controller's delivery-status bit clearing, per spec.md §4.6 step 4.
func (h *Hub) deliverWithTimeout(target int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Microsecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.deliver(target) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func allBut(cpus, self int) uint64 {
	var mask uint64
	for c := 0; c < cpus; c++ {
		if c != self {
			mask |= 1 << uint(c)
		}
	}
	return mask
}

// Drain is this CPU's IPI-handler side: it drains every set bit in its
// own filled bitmap, per spec.md §4.6 step 5. cpu identifies which
// perCPU slot array to drain (normally arch.CurrentCPUID(), but callers
// simulating a remote receiver from the sender's goroutine pass the
// target explicitly). currentRoot is the receiver's own address-space
// root, used to skip invalidation for a non-matching, non-kernel-scope
// shootdown.
func (h *Hub) Drain(cpu int, currentRoot func() uintptr) {
	pc := h.slotsOf[cpu]
	for {
		filled := atomic.LoadUint32(&pc.filled)
		if filled == 0 {
			return
		}
		idx := firstSetBit(filled)

		pc.mu.Lock()
		s := pc.slots[idx]
		pc.mu.Unlock()

		if s.typ == TLBShootdown {
			if s.payload.KernelScope || currentRoot == nil || currentRoot() == s.payload.AddressSpace.Root() {
				for i := 0; i < s.payload.PageCount; i++ {
					arch.InvalidateLocal(s.payload.Start + uintptr(i)*pageSize)
				}
			}
		}
		if s.remainingAcks != nil {
			atomic.AddInt32(s.remainingAcks, -1)
		}

		bit := uint32(1) << uint(idx)
		for {
			old := atomic.LoadUint32(&pc.filled)
			if atomic.CompareAndSwapUint32(&pc.filled, old, old&^bit) {
				break
			}
		}
		for {
			old := atomic.LoadUint32(&pc.reserved)
			if atomic.CompareAndSwapUint32(&pc.reserved, old, old&^bit) {
				break
			}
		}
	}
}

func firstSetBit(m uint32) int {
	for i := 0; i < slotsPerCPU; i++ {
		if m&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}
