// Package devtree implements the device tree and Request Packet (RP)
// plumbing spec.md §4.13 describes: device objects owned by a driver,
// attachment stacks, device nodes, and per-device FIFO RP queues with
// start/finalize/cancel semantics. Grounded on
// original_source/kernel32/io/dev.c and original_source/kernel32/io/rp.c.
package devtree

import (
	"sync"

	"github.com/sq8vps/system-sub001/internal/kernelerr"
	"github.com/sq8vps/system-sub001/internal/object"
	"github.com/sq8vps/system-sub001/internal/task"
)

// RPCode is a Request Packet operation code, wire-equivalent to spec.md §6.
type RPCode uint32

const (
	RPRead  RPCode = 1
	RPWrite RPCode = 2
	RPOpen  RPCode = 3
	RPClose RPCode = 4
	RPIoctl RPCode = 5

	RPStartDevice       RPCode = 0x1000
	RPGetDeviceID       RPCode = 0x1001
	RPGetDeviceText     RPCode = 0x1002
	RPEnumerate         RPCode = 0x1003
	RPGetDeviceLocation RPCode = 0x1004
	RPGetDeviceResources RPCode = 0x1005
	RPGetConfigSpace    RPCode = 0x1006
	RPSetConfigSpace    RPCode = 0x1007

	RPStorageControl    RPCode = 0x2000
	RPFilesystemControl RPCode = 0x2001
	RPDiskControl       RPCode = 0x2002
)

// IRQDescriptor is one entry of GetDeviceResources' descriptor list.
type IRQDescriptor struct {
	BusLocation uint32
	GSI         uint32
	Pin         int
	Mode        IRQMode
}

type IRQMode struct {
	LevelTriggered bool
	ActiveLow      bool
	Wake           bool
	Shared         bool
}

// Device is a node in a driver-owned device stack. MDO (main device
// object) is the topmost device of a node's stack; lower devices are
// reached via AttachedTo.
type Device struct {
	object.Header
	Driver     *Driver
	DeviceType uint32
	Flags      uint32
	AttachedTo *Device
	Node       *Node

	mu       sync.Mutex
	queue    *RPQueue

	attachedDevice *Device // next device up the stack, nil at the top
}

// Driver is the minimal view devtree needs of a loaded driver image;
// internal/driver.Driver embeds this indirectly by implementing Dispatcher.
type Driver struct {
	object.Header
	Name    string
	Devices []*Device
	Ops     Dispatcher
}

// Dispatcher is what a loaded driver provides devtree to call into.
// internal/driver's Driver implements it once DriverEntry has run.
type Dispatcher interface {
	Dispatch(rp *RP)
	AddDevice(node *Node) (*Device, error)
}

// Node is a position in the device tree: the stack of devices attached at
// one enumeration point, plus parent/child links.
type Node struct {
	object.Header
	MDO      *Device
	Parent   *Node
	Children []*Node
	Ready    bool
	InitFailed bool
}

func init() {
	// devtree registers no object.Registry factories; it only needs the
	// Type tags to stamp headers.
}

// NewDevice allocates a device object owned by drv, linked onto the
// driver's device list, per spec.md §4.13 create_device.
func NewDevice(drv *Driver, devType uint32, flags uint32) *Device {
	d := &Device{Driver: drv, DeviceType: devType, Flags: flags, queue: NewRPQueue()}
	d.Header.Init(object.TypeDevice)
	drv.Devices = append(drv.Devices, d)
	return d
}

// AttachDevice walks target's attached-to chain to the current stack top
// and links attachee above it, inheriting the node pointer, per spec.md
// §4.13 attach_device.
func AttachDevice(attachee, target *Device) {
	top := target
	for top.attachedDevice != nil {
		top = top.attachedDevice
	}
	top.attachedDevice = attachee
	attachee.AttachedTo = top
	attachee.Node = top.Node
}

// EnumerationNotifier is called every time a node is freshly registered,
// so internal/enum's worker can wake and pick it up. Set by cmd/kernel
// wiring; nil is a valid no-op default for unit tests that drive the
// queue directly.
type EnumerationNotifier func(*Node)

// RegisterDevice creates a fresh node for bdo as a child of enumerator's
// node, sets bdo.Node, and notifies notify (if non-nil), per spec.md
// §4.13 register_device.
func RegisterDevice(bdo *Device, enumerator *Node, notify EnumerationNotifier) *Node {
	node := &Node{MDO: bdo}
	node.Header.Init(object.TypeDeviceNode)
	bdo.Node = node
	if enumerator != nil {
		node.Parent = enumerator
		enumerator.Children = append(enumerator.Children, node)
	}
	if notify != nil {
		notify(node)
	}
	return node
}

// RegisterStandaloneDevice is RegisterDevice with no parent and
// main==managing==physical device object, per spec.md §4.13.
func RegisterStandaloneDevice(dev *Device, notify EnumerationNotifier) *Node {
	return RegisterDevice(dev, nil, notify)
}

// RP is a Request Packet: the unit of I/O dispatch between a task and a
// device stack.
type RP struct {
	object.Header
	Code       RPCode
	Device     *Device
	Task       *task.TCB
	Status     error
	Payload    interface{}
	pending    bool
	completion func(*RP)
	cancel     func(*RP)

	qNext, qPrev *RP
}

// NewRP allocates an RP for code against device. The caller still owns
// the returned struct until it is finalized or completed; no pooling is
// performed (spec.md §4.13's "otherwise the RP is freed" is this
// implementation's garbage collector reclaiming an orphaned RP once
// nothing references it).
func NewRP(code RPCode, device *Device, payload interface{}) *RP {
	rp := &RP{Code: code, Device: device, Payload: payload}
	rp.Header.Init(object.TypeRP)
	return rp
}

// SendRP records the sending task and dispatches rp to device's driver,
// per spec.md §4.13 send_rp.
func SendRP(device *Device, rp *RP, current *task.TCB) {
	rp.Task = current
	rp.Device = device
	device.Driver.Ops.Dispatch(rp)
}

// SendRPDown re-dispatches rp to whatever device is attached below its
// current device, per spec.md §4.13 send_rp_down. Callers use this from
// inside a driver's Dispatch to pass an RP to the next lower stack layer.
func SendRPDown(rp *RP) error {
	if rp.Device == nil || rp.Device.AttachedTo == nil {
		return kernelerr.New(kernelerr.ErrBadParameter)
	}
	lower := rp.Device.AttachedTo
	rp.Device = lower
	lower.Driver.Ops.Dispatch(rp)
	return nil
}

// MarkPending flags rp as awaiting asynchronous completion, per spec.md
// §4.13 mark_pending.
func MarkPending(rp *RP) {
	rp.pending = true
}

// WaitForCompletion blocks current until rp is no longer pending, per
// spec.md §4.13 wait_for_completion: rechecks pending in a loop across
// wakeups, since an unrelated Unblock could otherwise race a completion.
// block parks current with reason io and returns once some Unblock call
// has woken it (internal/sched.Scheduler.Block).
func WaitForCompletion(rp *RP, current *task.TCB, block func(*task.TCB, task.BlockReason)) {
	for rp.pending {
		block(current, task.BlockIO)
	}
}
