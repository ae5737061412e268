// Package object implements the per-object header (spec.md §3 "Object
// header", §4.12) embedded in every long-lived kernel object: TCB, PCB,
// driver, device, device node, RP.
//
// BiscuitOS gives each of these its own ad-hoc sync.Mutex field; design-notes
// §9 flags that pattern ("object headers acting as polymorphic base") and
// asks for a Lockable trait rather than inheritance-by-embedding. Header is
// that trait's data half: embed a Header, and implement Lockable by
// forwarding to it (see Lock/Unlock below), instead of embedding a shared
// base type that callers could upcast.
package object

import (
	"sync/atomic"

	"github.com/sq8vps/system-sub001/internal/arch"
)

// Type tags every kernel object the header system knows about.
type Type uint32

const (
	TypeNone Type = iota
	TypeTCB
	TypePCB
	TypeDriver
	TypeDevice
	TypeDeviceNode
	TypeRP
	TypeVolume
	TypeFileHandle
)

// Header is the embeddable state backing the Lockable interface: a type
// tag, a spinlock-equivalent guard raised to spinlock priority while held,
// and a reference count.
type Header struct {
	tag      Type
	word     uint32 // CAS word; 0 = free, 1 = held
	refcount int64
}

// Lockable is implemented by anything embedding a Header. The core never
// type-switches on concrete kernel object types to lock them — it calls
// Lock/Unlock through this interface, per design-notes §9.
type Lockable interface {
	Lock() arch.PriorityGuard
	Unlock(arch.PriorityGuard)
	Type() Type
	Refs() int64
}

// Init stamps tag onto h. Called once when a kernel object is allocated;
// mirrors BiscuitOS allocating a zeroed struct and assigning a type-specific
// identity before publishing the pointer.
func (h *Header) Init(tag Type) {
	h.tag = tag
	atomic.StoreUint32(&h.word, 0)
	atomic.StoreInt64(&h.refcount, 0)
}

// Type returns the object's type tag.
func (h *Header) Type() Type { return h.tag }

// Lock raises the current CPU to spinlock priority and takes the header's
// spinlock, returning a guard that must be passed to Unlock. "Lock the
// object" in spec.md §3 is exactly this operation.
func (h *Header) Lock() arch.PriorityGuard {
	g := arch.RaiseTo(arch.PrioSpinlock)
	for !atomic.CompareAndSwapUint32(&h.word, 0, 1) {
		arch.Relax()
	}
	return g
}

// Unlock releases the header's spinlock and restores the priority level the
// matching Lock call observed.
func (h *Header) Unlock(g arch.PriorityGuard) {
	atomic.StoreUint32(&h.word, 0)
	g.Release()
}

// AddRef atomically increments the refcount and returns the new value.
func (h *Header) AddRef() int64 {
	return atomic.AddInt64(&h.refcount, 1)
}

// DropRef atomically decrements the refcount and returns the new value.
// Callers destroy the object when this reaches zero.
func (h *Header) DropRef() int64 {
	return atomic.AddInt64(&h.refcount, -1)
}

// Refs returns the current refcount without modifying it.
func (h *Header) Refs() int64 {
	return atomic.LoadInt64(&h.refcount)
}

// Registry holds a zero-value factory for each registered Type, mirroring
// BiscuitOS's implicit per-struct `&foo_t{}` allocation sites collapsed into
// Create's single factory, per spec.md §4.12.
type Registry struct {
	factories map[Type]func() Lockable
}

// NewRegistry returns an empty object-type registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Type]func() Lockable)}
}

// Register installs the zero-value factory for tag. No package in this
// repository registers a type; task, devtree and driver allocate their
// objects directly and only stamp the Type tag.
func (r *Registry) Register(tag Type, factory func() Lockable) {
	r.factories[tag] = factory
}

// Create allocates and initializes a new kernel object of tag, per spec.md
// §4.12's create_kernel_object. Returns nil if tag was never registered.
func (r *Registry) Create(tag Type) Lockable {
	f, ok := r.factories[tag]
	if !ok {
		return nil
	}
	return f()
}

// Destroy checks that obj's refcount is zero before allowing it to be
// discarded. Panics otherwise: a nonzero-refcount destroy is the invariant
// violation spec.md §7 places in the unrecoverable/panic bucket.
func Destroy(obj Lockable) {
	if obj.Refs() != 0 {
		panic("object destroyed with nonzero refcount")
	}
}
