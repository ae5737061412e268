// Package vmm implements the kernel's virtual address allocator and heap
// (spec.md §4.3): three disjoint virtual regions, each a first-fit
// coalescing free-list allocator, plus a slab allocator for fixed-size
// object caches layered on the heap region. Grounded on BiscuitOS's
// kmalloc/dynamic-mapping helpers and original_source/api/mm/{dynmap,
// heap,valloc}.h.
package vmm

import (
	"sort"
	"sync"

	"github.com/sq8vps/system-sub001/internal/arch"
	"github.com/sq8vps/system-sub001/internal/kernelerr"
	"github.com/sq8vps/system-sub001/internal/phys"
)

type freeBlock struct {
	start, size uintptr
}

// Region is a free-list-backed virtual address range. Region.mu is taken at
// DPC-equivalent discipline by callers (map_dynamic/unmap_dynamic hold the
// kernel-memory spinlock and must not yield, per spec.md §4.3); Go's mutex
// stands in for that spinlock since region operations here never block on
// I/O.
type Region struct {
	mu    sync.Mutex
	base  uintptr
	size  uintptr
	free  []freeBlock // sorted by start, non-adjacent (coalesced)
	alloc map[uintptr]uintptr // start -> size, for reserved ranges
}

// NewRegion creates a region spanning [base, base+size).
func NewRegion(base, size uintptr) *Region {
	return &Region{
		base:  base,
		size:  size,
		free:  []freeBlock{{start: base, size: size}},
		alloc: make(map[uintptr]uintptr),
	}
}

// Reserve carves out the first free block >= size, first-fit, returning its
// start address.
func (r *Region) Reserve(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, kernelerr.New(kernelerr.ErrBadParameter)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, b := range r.free {
		if b.size < size {
			continue
		}
		start := b.start
		if b.size == size {
			r.free = append(r.free[:i], r.free[i+1:]...)
		} else {
			r.free[i] = freeBlock{start: b.start + size, size: b.size - size}
		}
		r.alloc[start] = size
		return start, nil
	}
	return 0, kernelerr.New(kernelerr.ErrOutOfResources)
}

// ReserveBestFit is identical to Reserve but picks the smallest free block
// that still fits, per spec.md §4.14's best-fit driver-region allocator.
func (r *Region) ReserveBestFit(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, kernelerr.New(kernelerr.ErrBadParameter)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	best := -1
	for i, b := range r.free {
		if b.size < size {
			continue
		}
		if best == -1 || b.size < r.free[best].size {
			best = i
		}
	}
	if best == -1 {
		return 0, kernelerr.New(kernelerr.ErrOutOfResources)
	}
	b := r.free[best]
	start := b.start
	if b.size == size {
		r.free = append(r.free[:best], r.free[best+1:]...)
	} else {
		r.free[best] = freeBlock{start: b.start + size, size: b.size - size}
	}
	r.alloc[start] = size
	return start, nil
}

// Release returns a previously reserved range to the free list, coalescing
// it with any adjacent free neighbors.
func (r *Region) Release(start uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	size, ok := r.alloc[start]
	if !ok {
		return kernelerr.New(kernelerr.ErrBadParameter)
	}
	delete(r.alloc, start)

	r.free = append(r.free, freeBlock{start: start, size: size})
	sort.Slice(r.free, func(i, j int) bool { return r.free[i].start < r.free[j].start })

	coalesced := r.free[:0]
	for _, b := range r.free {
		if n := len(coalesced); n > 0 && coalesced[n-1].start+coalesced[n-1].size == b.start {
			coalesced[n-1].size += b.size
		} else {
			coalesced = append(coalesced, b)
		}
	}
	r.free = coalesced
	return nil
}

// Kernel owns the three disjoint virtual regions spec.md §4.3 names:
// driver image, dynamic mapping, and heap.
type Kernel struct {
	DriverImage *Region
	Dynamic     *Region
	Heap        *Region

	phys *phys.Allocator
	as   *arch.AddressSpace
}

// NewKernel wires the three regions against a physical allocator and the
// kernel half of an address space.
func NewKernel(driverImage, dynamic, heap *Region, p *phys.Allocator, as *arch.AddressSpace) *Kernel {
	return &Kernel{DriverImage: driverImage, Dynamic: dynamic, Heap: heap, phys: p, as: as}
}

// MapDynamic reserves a range in the dynamic region and maps it to paddr,
// per spec.md §4.3 map_dynamic.
func (k *Kernel) MapDynamic(paddr, size uintptr, flags arch.Flags) (uintptr, error) {
	vaddr, err := k.Dynamic.Reserve(size)
	if err != nil {
		return 0, err
	}
	n := int((size + phys.PageSize - 1) / phys.PageSize)
	if err := k.as.MapRange(vaddr, paddr, n, phys.PageSize, flags); err != nil {
		_ = k.Dynamic.Release(vaddr)
		return 0, err
	}
	return vaddr, nil
}

// UnmapDynamic reverses MapDynamic: unmaps the pages and releases the
// virtual range.
func (k *Kernel) UnmapDynamic(vaddr uintptr) error {
	size, ok := k.Dynamic.alloc[vaddr]
	if !ok {
		return kernelerr.New(kernelerr.ErrBadParameter)
	}
	n := int((size + phys.PageSize - 1) / phys.PageSize)
	if err := k.as.UnmapRange(vaddr, n, phys.PageSize); err != nil {
		return err
	}
	return k.Dynamic.Release(vaddr)
}
