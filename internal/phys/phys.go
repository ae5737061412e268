// Package phys implements the pooled contiguous physical-frame allocator
// (spec.md §4.2). Grounded on BiscuitOS's physmem free-list-of-pages design
// (main.go's phys_init/pgcount), generalized from a singly-linked free list
// to a per-pool bitmap so an alignment-constrained allocation request (ISA
// DMA, a CPU bootstrap page) is a bitmap scan rather than a linked-list walk.
package phys

import (
	"sync"

	"github.com/sq8vps/system-sub001/internal/kernelerr"
)

// PageSize is the frame size every pool tracks, per spec.md §4.2.
const PageSize = 4096

// Kind distinguishes the two pools spec.md §3 names.
type Kind int

const (
	// Standard is the >=1MiB, <4GiB general-purpose pool.
	Standard Kind = iota
	// Low is the <1MiB pool reserved for ISA DMA and CPU bootstrap code.
	Low
)

// Pool is a named, bitmap-tracked run of physical frames.
type Pool struct {
	mu     sync.Mutex
	kind   Kind
	base   uintptr
	frames int
	used   []bool
}

// NewPool creates a pool covering [base, base+size), rounding size down to
// a whole number of frames.
func NewPool(kind Kind, base, size uintptr) *Pool {
	frames := int(size / PageSize)
	return &Pool{
		kind:   kind,
		base:   base,
		frames: frames,
		used:   make([]bool, frames),
	}
}

// Allocator owns the standard and low pools and is the unit a caller
// allocates from (spec.md §3 "Two pools exist").
type Allocator struct {
	pools [2]*Pool
}

// NewAllocator wires a standard and low pool together.
func NewAllocator(standard, low *Pool) *Allocator {
	return &Allocator{pools: [2]*Pool{standard, low}}
}

func (a *Allocator) pool(kind Kind) *Pool {
	return a.pools[kind]
}

// Allocate returns a contiguous physical range of at least size bytes,
// aligned to align bytes, carved out of pool. Returns (0, 0, error) on
// failure. Size is rounded up to a whole number of pages before the search.
func (a *Allocator) Allocate(size, align uintptr, kind Kind) (uintptr, uintptr, error) {
	p := a.pool(kind)
	if p == nil {
		return 0, 0, kernelerr.New(kernelerr.ErrBadParameter)
	}
	return p.allocate(size, align)
}

func (p *Pool) allocate(size, align uintptr) (uintptr, uintptr, error) {
	if size == 0 {
		return 0, 0, kernelerr.New(kernelerr.ErrBadParameter)
	}
	if align == 0 {
		align = PageSize
	}
	if align%PageSize != 0 {
		return 0, 0, kernelerr.New(kernelerr.ErrBadAlignment)
	}
	need := int((size + PageSize - 1) / PageSize)
	alignFrames := int(align / PageSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	for start := 0; start+need <= p.frames; start += alignFrames {
		if p.runFree(start, need) {
			for i := start; i < start+need; i++ {
				p.used[i] = true
			}
			paddr := p.base + uintptr(start)*PageSize
			return paddr, uintptr(need) * PageSize, nil
		}
	}
	return 0, 0, kernelerr.New(kernelerr.ErrOutOfResources)
}

func (p *Pool) runFree(start, n int) bool {
	for i := start; i < start+n; i++ {
		if p.used[i] {
			return false
		}
	}
	return true
}

// Free returns [paddr, paddr+size) to its pool. Panics if the range does
// not fall within any pool or was not fully allocated (a caller passing a
// bad range is an invariant violation, not a recoverable error).
func (a *Allocator) Free(paddr, size uintptr) {
	for _, p := range a.pools {
		if p == nil {
			continue
		}
		if paddr >= p.base && paddr < p.base+uintptr(p.frames)*PageSize {
			p.free(paddr, size)
			return
		}
	}
	panic("phys: free of address not owned by any pool")
}

func (p *Pool) free(paddr, size uintptr) {
	start := int((paddr - p.base) / PageSize)
	n := int((size + PageSize - 1) / PageSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := start; i < start+n; i++ {
		if i < 0 || i >= p.frames || !p.used[i] {
			panic("phys: freeing unallocated frame")
		}
		p.used[i] = false
	}
}

// Stats reports pool occupancy, used by diagnostics and tests.
func (p *Pool) Stats() (total, used int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.used {
		if b {
			used++
		}
	}
	return p.frames, used
}
