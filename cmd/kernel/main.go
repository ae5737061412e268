// Command kernel boots the hosted simulation of the kernel core: it wires
// every C1-C15 component in dependency order and brings up one idle task
// per simulated CPU, the same ordering BiscuitOS's main() follows
// (hardware discovery, then memory, then interrupts, then scheduler,
// then the device tree) translated to this repo's package boundaries.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/sq8vps/system-sub001/internal/arch"
	"github.com/sq8vps/system-sub001/internal/bootcfg"
	"github.com/sq8vps/system-sub001/internal/devtree"
	"github.com/sq8vps/system-sub001/internal/driver"
	"github.com/sq8vps/system-sub001/internal/enum"
	"github.com/sq8vps/system-sub001/internal/idt"
	"github.com/sq8vps/system-sub001/internal/ipi"
	"github.com/sq8vps/system-sub001/internal/irq"
	"github.com/sq8vps/system-sub001/internal/klog"
	"github.com/sq8vps/system-sub001/internal/phys"
	"github.com/sq8vps/system-sub001/internal/sched"
	"github.com/sq8vps/system-sub001/internal/task"
)

func main() {
	cfgPath := flag.String("config", "", "path to a boot configuration TOML file (optional)")
	flag.Parse()

	cfg := bootcfg.Default()
	if *cfgPath != "" {
		loaded, err := bootcfg.Load(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "kernel: loading boot config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, _ := zap.NewProduction()
	klog.Init(logger)
	log := klog.For("boot")

	boot(cfg)
	log.Infow("boot complete", "cpus", cfg.MaxCPUs)

	// The hosted build has no console/init process to hand off to; park
	// here so the scheduler's idle tasks (and any worker goroutines) keep
	// running until the process is signaled to exit.
	select {}
}

// kernel bundles the live subsystem handles a real boot would otherwise
// leave scattered across global state, so tests and this main can both
// construct one without duplicating the wiring order.
type kernel struct {
	sched    *sched.Scheduler
	idt      *idt.Table
	irq      *irq.Manager
	ipiHub   *ipi.Hub
	phys     *phys.Allocator
	enum     *enum.Worker
	loader   *driver.Loader
	registry *driver.Registry
}

func boot(cfg bootcfg.Config) *kernel {
	arch.SetCPUCount(cfg.MaxCPUs)

	log := klog.For("boot")

	// Physical memory: one standard pool spanning a placeholder hosted
	// region, a 16 MiB low pool carved from its head (starting at 1 MiB), per
	// spec.md §4.2. A real boot parses the firmware memory map instead of
	// hardcoding these bounds.
	const hostedRAMBase = 0x100000
	const hostedRAMSize = 512 * 1024 * 1024
	lowPool := phys.NewPool(phys.Low, hostedRAMBase, 16*1024*1024)
	stdPool := phys.NewPool(phys.Standard, hostedRAMBase+16*1024*1024, hostedRAMSize-16*1024*1024)
	physAlloc := phys.NewAllocator(stdPool, lowPool)

	onPanic := func(vector int, msg string) {
		klog.Panic("idt", fmt.Sprintf("vector %d", vector), zap.String("msg", msg))
	}
	idtTable := idt.New(onPanic)

	irqMgr := irq.New(irq.NewDualPIC(0x20), idtTable, nil)

	var ipiHub *ipi.Hub
	ipiHub = ipi.New(cfg.MaxCPUs, func(target int) error {
		// Hosted build: there is no second physical core to interrupt,
		// so delivery is synchronous drain-in-place. A real HAL backs
		// this with an actual IPI send + local-APIC delivery-status
		// poll (spec.md §4.6 step 4).
		ipiHub.Drain(target, nil)
		return nil
	})

	s := sched.New(cfg.MaxCPUs)
	for cpu := 0; cpu < cfg.MaxCPUs; cpu++ {
		cpu := cpu
		idle := task.NewTCB(fmt.Sprintf("idle%d", cpu), sched.LowestMajor, sched.LowestMinor, func(self *task.TCB) {
			for {
				s.Yield(self)
			}
		})
		s.SetIdle(cpu, idle)
		s.Schedule(cpu)
	}

	entries := driver.NewEntryRegistry()
	loader := driver.NewLoader(hostedImageSource{}, entries, 0x5000_0000, 64*1024*1024)
	registry := driver.NewRegistry(hostedCatalogSource{})
	if err := registry.Open(cfg.BootDriverDatabasePath); err != nil {
		log.Warnw("boot driver database not opened", "error", err, "path", cfg.BootDriverDatabasePath)
	}

	worker := enum.New(hostedStackBuilder{loader: loader, registry: registry}, hostedEnumerateDispatcher{})
	go worker.Run()

	return &kernel{
		sched:    s,
		idt:      idtTable,
		irq:      irqMgr,
		ipiHub:   ipiHub,
		phys:     physAlloc,
		enum:     worker,
		loader:   loader,
		registry: registry,
	}
}

// hostedImageSource reads driver images from the host filesystem at the
// path the registry resolved, standing in for a ramdisk/initrd mount.
type hostedImageSource struct{}

func (hostedImageSource) ReadImage(path string) ([]byte, error) {
	return os.ReadFile(path)
}

type hostedCatalogSource struct{}

func (hostedCatalogSource) ReadDatabase(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// hostedStackBuilder adapts internal/driver's registry lookup into
// enum.StackBuilder, per spec.md §4.15 step 1.
type hostedStackBuilder struct {
	loader   *driver.Loader
	registry *driver.Registry
}

func (b hostedStackBuilder) BuildStack(node *devtree.Node) error {
	if node.MDO == nil {
		return fmt.Errorf("enum: node has no managing device object")
	}
	ids := devtree.GetDeviceID(node.MDO, func(rp *devtree.RP) { node.MDO.Driver.Ops.Dispatch(rp) })
	records := b.registry.Lookup(ids.MainID, ids.CompatibleIDs)
	if len(records) == 0 {
		return fmt.Errorf("enum: no driver matches %q", ids.MainID)
	}
	for _, rec := range records {
		if _, err := b.loader.Load(rec.ImageName); err != nil {
			return err
		}
	}
	return nil
}

type hostedEnumerateDispatcher struct{}

func (hostedEnumerateDispatcher) IsEnumerationCapable(node *devtree.Node) bool {
	return node.MDO != nil && node.MDO.Flags&deviceFlagBus != 0
}

func (hostedEnumerateDispatcher) Enumerate(node *devtree.Node) error {
	rp := devtree.NewRP(devtree.RPEnumerate, node.MDO, nil)
	devtree.SendRP(node.MDO, rp, nil)
	return rp.Status
}

// deviceFlagBus marks a device as enumeration-capable (spec.md §4.15
// step 2); the bit position is this boot image's own convention, not a
// hardware-defined one.
const deviceFlagBus = 1 << 0
