package vmm

import (
	"sync"
)

// SlabCache is a fixed-size object cache layered on the heap region, for
// callers that allocate and free many same-sized objects rapidly and would
// otherwise pay free-list search cost on every request (RPs and TCBs are
// ordinary Go allocations and do not use it). It hands out slots from a region reservation, tracking
// free slots with a simple stack rather than a general free-list search.
type SlabCache struct {
	mu       sync.Mutex
	heap     *Region
	objSize  uintptr
	slabSize uintptr
	slabs    []uintptr // base of each slab reserved from heap
	free     []uintptr // free object addresses
}

// NewSlabCache creates a cache of fixed-size objSize slots, grown in chunks
// of objsPerSlab objects reserved from heap.
func NewSlabCache(heap *Region, objSize uintptr, objsPerSlab int) *SlabCache {
	if objsPerSlab < 1 {
		objsPerSlab = 1
	}
	return &SlabCache{
		heap:     heap,
		objSize:  objSize,
		slabSize: objSize * uintptr(objsPerSlab),
	}
}

func (c *SlabCache) grow() error {
	base, err := c.heap.Reserve(c.slabSize)
	if err != nil {
		return err
	}
	c.slabs = append(c.slabs, base)
	n := int(c.slabSize / c.objSize)
	for i := 0; i < n; i++ {
		c.free = append(c.free, base+uintptr(i)*c.objSize)
	}
	return nil
}

// Alloc returns one object-sized address from the cache, growing the cache
// by one slab if it is empty.
func (c *SlabCache) Alloc() (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) == 0 {
		if err := c.grow(); err != nil {
			return 0, err
		}
	}
	n := len(c.free)
	addr := c.free[n-1]
	c.free = c.free[:n-1]
	return addr, nil
}

// Free returns addr to the cache's free list. It does not validate that
// addr belongs to one of this cache's slabs; a caller freeing a foreign
// address corrupts the cache, which is the same sharp edge a real slab
// allocator has.
func (c *SlabCache) Free(addr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.free = append(c.free, addr)
}

// Stats reports slab count and currently-free object count.
func (c *SlabCache) Stats() (slabs, free int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slabs), len(c.free)
}
