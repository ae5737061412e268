// Package arch is the kernel core's hardware facade: page tables, priority
// levels, and per-CPU identity (spec.md §4.1). It is deliberately small and
// opaque — every other package in this module depends on arch, arch depends
// on nothing in this module — mirroring how BiscuitOS isolates inline
// assembly and raw memory access behind small helpers (lap_id, kpmap,
// pmap_lookup) that the rest of main.go treats as a black box.
//
// There is no real x86 hardware backing this facade: it models the MMU
// contract spec.md §4.1 describes (map/unmap, flags, self-referencing
// address-space clone, lazy local TLB invalidate) entirely in Go so the
// core above it — scheduler, sync primitives, device tree — can be
// exercised and tested without a hypervisor.
package arch

import (
	"sync"

	"github.com/sq8vps/system-sub001/internal/kernelerr"
)

// Flags is the page-table entry flag set spec.md §4.1 names.
type Flags uint32

const (
	FlagPresent      Flags = 1 << iota
	FlagWritable
	FlagUser
	FlagWriteThrough
	FlagCacheDisable
	FlagReadOnly // overrides Writable
	FlagNoExecute
	FlagLargeHint // may be ignored
)

func (f Flags) effectiveWritable() bool {
	return f&FlagWritable != 0 && f&FlagReadOnly == 0
}

type pte struct {
	paddr uintptr
	flags Flags
}

// AddressSpace is an ownership-opaque handle to a page-table root (spec.md
// §3). The kernel half (addresses >= KernelBase) is shared by construction:
// every AddressSpace's table delegates kernel-half lookups to a single
// shared map, so a kernel mapping installed through any address space is
// immediately visible through all of them.
type AddressSpace struct {
	root      uintptr
	mu        sync.RWMutex
	userTable map[uintptr]pte
}

// KernelBase is the lowest virtual address considered part of the shared
// kernel half of every address space (spec.md §3 "kernel half").
const KernelBase uintptr = 0xFFFF800000000000

var (
	kernelMu    sync.RWMutex
	kernelTable = make(map[uintptr]pte)
	rootCounter uintptr = 1
)

func half(vaddr uintptr) (*sync.RWMutex, map[uintptr]pte) {
	if vaddr >= KernelBase {
		return &kernelMu, kernelTable
	}
	return nil, nil // caller supplies the user table + its lock
}

// CreateAddressSpace allocates a new root and clones the kernel half
// verbatim from the currently shared kernel table, installing the
// self-reference entry conceptually (modeled here as the AddressSpace
// struct itself, since there is no recursive hardware page directory to
// install it into in this simulation). Spec.md §4.1 create_address_space.
func CreateAddressSpace() *AddressSpace {
	kernelMu.RLock()
	defer kernelMu.RUnlock()
	rootCounter++
	return &AddressSpace{
		root:      rootCounter,
		userTable: make(map[uintptr]pte),
	}
}

// DestroyAddressSpace frees only the root; unmapping any remaining user
// pages is the caller's responsibility, per spec.md §4.1.
func DestroyAddressSpace(as *AddressSpace) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.userTable = nil
}

// Root returns an opaque, comparable identity for as, used by IPI
// shootdown to compare a target CPU's current address space against the
// one being invalidated (spec.md §4.6).
func (as *AddressSpace) Root() uintptr { return as.root }

func (as *AddressSpace) tableFor(vaddr uintptr) (*sync.RWMutex, map[uintptr]pte) {
	if mu, tbl := half(vaddr); tbl != nil {
		return mu, tbl
	}
	return &as.mu, as.userTable
}

// Map installs a mapping for vaddr -> paddr with flags. Fails with
// ErrMemoryAlreadyMapped if vaddr is already present (spec.md §4.1).
func (as *AddressSpace) Map(vaddr, paddr uintptr, flags Flags) error {
	mu, tbl := as.tableFor(vaddr)
	mu.Lock()
	defer mu.Unlock()
	if e, ok := tbl[vaddr]; ok && e.flags&FlagPresent != 0 {
		return kernelerr.New(kernelerr.ErrMemoryAlreadyMapped)
	}
	tbl[vaddr] = pte{paddr: paddr, flags: flags | FlagPresent}
	return nil
}

// MapRange maps a contiguous run of n pages of size pgsz starting at
// vaddr/paddr, stopping and returning an error at the first page that
// fails to map.
func (as *AddressSpace) MapRange(vaddr, paddr uintptr, n int, pgsz uintptr, flags Flags) error {
	for i := 0; i < n; i++ {
		off := uintptr(i) * pgsz
		if err := as.Map(vaddr+off, paddr+off, flags); err != nil {
			return err
		}
	}
	return nil
}

// Unmap removes the mapping for vaddr. Fails with ErrPageNotPresent if
// there was none (spec.md §4.1).
func (as *AddressSpace) Unmap(vaddr uintptr) error {
	mu, tbl := as.tableFor(vaddr)
	mu.Lock()
	defer mu.Unlock()
	e, ok := tbl[vaddr]
	if !ok || e.flags&FlagPresent == 0 {
		return kernelerr.New(kernelerr.ErrPageNotPresent)
	}
	delete(tbl, vaddr)
	return nil
}

// UnmapRange unmaps n pages of size pgsz starting at vaddr, stopping and
// returning the first error encountered (unmapped pages before the failure
// remain unmapped).
func (as *AddressSpace) UnmapRange(vaddr uintptr, n int, pgsz uintptr) error {
	for i := 0; i < n; i++ {
		if err := as.Unmap(vaddr + uintptr(i)*pgsz); err != nil {
			return err
		}
	}
	return nil
}

// GetFlags inspects the current mapping for vaddr, returning false if none
// exists.
func (as *AddressSpace) GetFlags(vaddr uintptr) (Flags, bool) {
	mu, tbl := as.tableFor(vaddr)
	mu.RLock()
	defer mu.RUnlock()
	e, ok := tbl[vaddr]
	if !ok {
		return 0, false
	}
	return e.flags, true
}

// GetPhysical returns the physical address vaddr currently resolves to.
func (as *AddressSpace) GetPhysical(vaddr uintptr) (uintptr, bool) {
	mu, tbl := as.tableFor(vaddr)
	mu.RLock()
	defer mu.RUnlock()
	e, ok := tbl[vaddr]
	if !ok || e.flags&FlagPresent == 0 {
		return 0, false
	}
	return e.paddr, true
}

// InvalidateLocal invalidates vaddr's translation on the current CPU only;
// remote CPUs are the IPI shootdown's responsibility (spec.md §4.1, §4.6).
// The simulated MMU has no per-CPU TLB cache to flush, so this is a no-op
// hook kept for call-site parity with the real contract and for lazy-TLB
// reconciliation in internal/idt's page-fault handler to call.
func InvalidateLocal(vaddr uintptr) {
	_ = vaddr
}

// ValidateUserBuffer reports whether [ptr, ptr+size) lies strictly inside
// user space (below KernelBase) with no wraparound (spec.md §4.1).
func ValidateUserBuffer(ptr, size uintptr) bool {
	if size == 0 {
		return ptr < KernelBase
	}
	end := ptr + size
	if end < ptr { // wrapped
		return false
	}
	return ptr < KernelBase && end <= KernelBase
}

// ReconcileStaleTLB implements the page-fault handler's lazy-TLB check
// (spec.md §4.4): if the page table entry is already present/writable/user
// where the fault reported absent/RO/supervisor, the fault was caused by a
// stale local TLB rather than a real protection violation. Returns true if
// reconciliation applied (and the local TLB entry was invalidated so the
// faulting instruction can retry).
func ReconcileStaleTLB(as *AddressSpace, vaddr uintptr, faultPresent, faultWrite, faultUser bool) bool {
	flags, ok := as.GetFlags(vaddr)
	if !ok {
		return false
	}
	stale := false
	if !faultPresent && flags&FlagPresent != 0 {
		stale = true
	}
	if !faultWrite && flags.effectiveWritable() {
		stale = true
	}
	if !faultUser && flags&FlagUser != 0 {
		stale = true
	}
	if stale {
		InvalidateLocal(vaddr)
	}
	return stale
}
