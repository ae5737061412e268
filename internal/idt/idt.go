// Package idt implements the interrupt-table/dispatcher spec.md §4.4
// describes: a per-CPU logical view over a shared 256-entry vector space,
// exception routing (panic, or lazy TLB reconciliation for page faults),
// and external-vector reservation for drivers and kernel subsystems.
// Grounded on original_source/kernel32/hal/idt.c.
package idt

import (
	"fmt"
	"sync"

	"github.com/sq8vps/system-sub001/internal/arch"
	"github.com/sq8vps/system-sub001/internal/kernelerr"
)

const (
	exceptionVectors = 32
	reservedVectors  = 48 // 32..47 reserved, drivers/kernel start at 48
	totalVectors     = 256
)

// Exception identifies one of the fixed low exception vectors (spec.md
// §4.4); only PageFault gets special lazy-TLB handling, the rest panic.
type Exception int

const (
	ExceptionDivide Exception = iota
	ExceptionInvalidOpcode
	ExceptionDoubleFault
	ExceptionGeneralProtection
	ExceptionStackFault
	ExceptionPageFault
	ExceptionMachineCheck
	ExceptionUnknownTrap
)

// Handler is installed at a vector; context is architecture-opaque (the
// trapped register frame), not modeled further here (spec.md §1 excludes
// the arch-specific trap-frame layout from the core's contract).
type Handler func(vector int, context interface{})

type gate struct {
	reserved bool
	fn       Handler
	context  interface{}
	enabled  bool
}

// Table is the shared 256-vector IDT. A real kernel has a small per-CPU
// view over shared exception/driver entries (distinct TSS/GDT selectors);
// that distinction does not affect dispatch semantics here, so one Table
// instance is shared across however many simulated CPUs the build uses.
type Table struct {
	mu    sync.Mutex
	gates [totalVectors]gate

	// onPanic is invoked, instead of a real panic(), for every exception
	// vector that is not reconciled. Tests substitute a recording stub;
	// production wiring (cmd/kernel) installs a halt-all-CPUs handler.
	onPanic func(vector int, msg string)

	pageFaultSpace func(vaddr uintptr) (present bool)
}

// New returns a Table with the exception range reserved and onPanic as the
// terminal handler for unreconciled exceptions.
func New(onPanic func(vector int, msg string)) *Table {
	t := &Table{onPanic: onPanic}
	for v := 0; v < exceptionVectors; v++ {
		t.gates[v].reserved = true
	}
	return t
}

// ReserveVector marks v used; idempotent per spec.md §4.4.
func (t *Table) ReserveVector(v int) error {
	if v < 0 || v >= totalVectors {
		return kernelerr.New(kernelerr.ErrBadVector)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gates[v].reserved = true
	return nil
}

// FindFreeVector returns the lowest unreserved vector at or above
// reservedVectors (48), or an error if none remain.
func (t *Table) FindFreeVector() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for v := reservedVectors; v < totalVectors; v++ {
		if !t.gates[v].reserved {
			return v, nil
		}
	}
	return 0, kernelerr.New(kernelerr.ErrNoFreeVectors)
}

// InstallHandler writes fn into v's gate, reserving it if not already.
// privilege is recorded but not enforced (no real ring transitions in this
// hosted model); it documents which privilege level may trigger vector v.
func (t *Table) InstallHandler(v int, fn Handler, context interface{}, privilege int) error {
	if v < 0 || v >= totalVectors {
		return kernelerr.New(kernelerr.ErrBadVector)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gates[v].fn != nil && t.gates[v].reserved && v >= reservedVectors {
		return kernelerr.New(kernelerr.ErrAlreadyRegistered)
	}
	t.gates[v].reserved = true
	t.gates[v].fn = fn
	t.gates[v].context = context
	t.gates[v].enabled = true
	return nil
}

// SetEnable masks or unmasks the handler at v without removing it.
func (t *Table) SetEnable(v int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gates[v].fn == nil {
		return kernelerr.New(kernelerr.ErrNotRegistered)
	}
	t.gates[v].enabled = on
	return nil
}

// Dispatch simulates vector v firing with the given trap context. External
// (>=48) vectors call their installed handler if enabled. Exception
// vectors route through routeException.
func (t *Table) Dispatch(v int, context interface{}) {
	if v < exceptionVectors {
		t.routeException(Exception(v), context)
		return
	}
	t.mu.Lock()
	g := t.gates[v]
	t.mu.Unlock()
	if g.fn != nil && g.enabled {
		g.fn(v, context)
	}
}

// PageFaultInfo is the trap context a page-fault dispatch carries: what
// the faulting access wanted, and what the address space's page table
// actually has mapped. The lazy-TLB-reconciliation contract in spec.md
// §4.4 needs both sides of that comparison.
type PageFaultInfo struct {
	VAddr         uintptr
	WantWrite     bool
	WantUser      bool
	AddressSpace  *arch.AddressSpace
}

// routeException panics (via onPanic) for every exception except page
// fault, which first attempts lazy TLB reconciliation per spec.md §4.4 and
// §8 property 8: a fault that reconciles must never fall through to
// panic, and must never let the caller observe a stale read.
func (t *Table) routeException(e Exception, context interface{}) {
	if e == ExceptionPageFault {
		if info, ok := context.(PageFaultInfo); ok && info.AddressSpace != nil {
			if arch.ReconcileStaleTLB(info.AddressSpace, info.VAddr, false, info.WantWrite, info.WantUser) {
				return
			}
		}
	}
	t.onPanic(int(e), fmt.Sprintf("unhandled exception %d", e))
}
