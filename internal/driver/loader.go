// Package driver implements the driver image loader and registry spec.md
// §4.14 describes: a best-fit free-list over a driver virtual region,
// ELF header inspection, and DriverEntry invocation. Grounded on
// original_source/kernel32/io/driver.c and original_source/kernel32/io/ldr.c.
//
// There is no way to branch into machine code from an on-disk ELF image
// from hosted Go, the same substitution internal/sched makes for context
// switches. The loader parses the ELF header with debug/elf, requires a
// 32-bit relocatable object, sizes the image plus its .bss and reserves a
// best-fit block for it; it does not map or copy sections, apply
// relocations or look up symbols. What runs in place of "jump to the entry
// point" is a Go closure registered ahead of time under the image's base
// file name via EntryRegistry — cmd/kernel wires one closure per built-in driver. This
// mirrors spec.md §6's entry-point contract (`DriverEntry(driver) →
// status`) without requiring an actual x86 executor inside the host
// process.
package driver

import (
	"debug/elf"
	"io"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sq8vps/system-sub001/internal/devtree"
	"github.com/sq8vps/system-sub001/internal/kernelerr"
	"github.com/sq8vps/system-sub001/internal/object"
)

// ImageSource abstracts the filesystem a driver image is loaded from, so
// tests can supply an in-memory set of images instead of real files.
type ImageSource interface {
	ReadImage(path string) ([]byte, error)
}

// EntryRegistry maps an image's exported DriverEntry symbol (by image
// base filename) to the Go closure that stands in for it.
type EntryRegistry struct {
	mu      sync.Mutex
	entries map[string]func(*Driver) error
}

func NewEntryRegistry() *EntryRegistry {
	return &EntryRegistry{entries: make(map[string]func(*Driver) error)}
}

func (r *EntryRegistry) Register(imageName string, entry func(*Driver) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[imageName] = entry
}

func (r *EntryRegistry) lookup(imageName string) (func(*Driver) error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.entries[imageName]
	return fn, ok
}

// Driver is a loaded driver image's kernel object: the devtree.Driver
// data plus loader bookkeeping. Once DriverEntry runs successfully it
// fills the Ops fields (spec.md §6: init, dispatch, add_device, unload,
// mount, verify_fs).
type Driver struct {
	devtree.Driver
	ID          int
	ImageName   string
	Initialized bool
	regionBase  uintptr

	Init     func() error
	DispatchFn func(rp *devtree.RP)
	AddDeviceFn func(node *devtree.Node) (*devtree.Device, error)
	Unload   func()
	Mount    func(disk *devtree.Device) error
	VerifyFS func(disk *devtree.Device) bool
}

func (d *Driver) Dispatch(rp *devtree.RP) {
	if d.DispatchFn != nil {
		d.DispatchFn(rp)
	}
}

func (d *Driver) AddDevice(node *devtree.Node) (*devtree.Device, error) {
	if d.AddDeviceFn != nil {
		return d.AddDeviceFn(node)
	}
	return nil, kernelerr.New(kernelerr.ErrNotImplemented)
}

// Loader loads and caches driver images by name, per spec.md §4.14.
type Loader struct {
	mu       sync.Mutex
	loaded   map[string]*Driver
	nextID   int
	free     *FreeList
	source   ImageSource
	entries  *EntryRegistry
	group    singleflight.Group
}

// NewLoader returns a Loader whose images are mapped into the virtual
// region [regionBase, regionBase+regionSize).
func NewLoader(source ImageSource, entries *EntryRegistry, regionBase, regionSize uintptr) *Loader {
	return &Loader{
		loaded: make(map[string]*Driver),
		free:   NewFreeList(regionBase, regionSize),
		source: source,
		entries: entries,
	}
}

// Load reads the image, checks its ELF header, reserves a region block,
// and runs the registered entry closure and Init; it performs no section
// mapping or relocation. Concurrent
// Load calls for the same imageName are deduplicated via singleflight, so
// a driver referenced by two devices being enumerated at once is loaded
// exactly once.
func (l *Loader) Load(path string) (*Driver, error) {
	imageName := filepath.Base(path)

	v, err, _ := l.group.Do(imageName, func() (interface{}, error) {
		l.mu.Lock()
		if d, ok := l.loaded[imageName]; ok && d.Initialized {
			l.mu.Unlock()
			return d, nil
		}
		l.mu.Unlock()

		raw, err := l.source.ReadImage(path)
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.ErrFileNotFound, err)
		}

		ef, err := elf.NewFile(byteReaderAt(raw))
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.ErrFileBroken, err)
		}
		if ef.Class != elf.ELFCLASS32 || ef.Type != elf.ET_REL {
			return nil, kernelerr.New(kernelerr.ErrNotCompatible)
		}

		var bssSize uintptr
		for _, sec := range ef.Sections {
			if sec.Name == ".bss" {
				bssSize = uintptr(sec.Size)
			}
		}
		required := alignUp(uintptr(len(raw))+bssSize, pageSize)

		base := l.free.Allocate(required)

		entryFn, ok := l.entries.lookup(imageName)
		if !ok {
			l.free.Free(base)
			return nil, kernelerr.New(kernelerr.ErrNotRegistered)
		}

		l.mu.Lock()
		l.nextID++
		id := l.nextID
		l.mu.Unlock()

		d := &Driver{ID: id, ImageName: imageName, regionBase: base}
		d.Header.Init(object.TypeDriver)
		d.Name = imageName
		d.Ops = d

		if err := entryFn(d); err != nil {
			l.free.Free(base)
			return nil, kernelerr.Wrap(kernelerr.ErrRPProcessingFailed, err)
		}
		if d.Init != nil {
			if err := d.Init(); err != nil {
				l.free.Free(base)
				return nil, err
			}
		}
		d.Initialized = true

		l.mu.Lock()
		l.loaded[imageName] = d
		l.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Driver), nil
}

// byteReaderAt adapts a byte slice to io.ReaderAt for debug/elf.NewFile.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
