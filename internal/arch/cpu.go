package arch

import (
	"sync"

	"github.com/joeycumines/goroutineid"
)

// CPU identity has no portable equivalent in hosted Go the way lap_id()
// reads the local APIC ID in BiscuitOS (internal/arch/priority.go's
// sibling: main.go's lap_id()). Instead, a goroutine that boots or is
// dispatched to run "as" logical CPU N calls BindCPU(N) once; every later
// call on that goroutine (and anything it calls synchronously) resolves
// back to N via its stable goroutine id, the same way a real CPU's APIC ID
// is a fixed property of the executing core rather than a parameter passed
// down every call.
var (
	bindingsMu sync.RWMutex
	bindings   = make(map[int64]int)
	cpuCount   = 1
)

// BindCPU declares that the calling goroutine is logical CPU id. Boot calls
// this once per CPU (BSP and each AP) before running any kernel code on
// that goroutine; tests call it to simulate multiple CPUs.
func BindCPU(id int) {
	if id < 0 || id >= MaxCPUs {
		panic("arch: cpu id out of range")
	}
	gid := goroutineid.Get()
	bindingsMu.Lock()
	bindings[gid] = id
	bindingsMu.Unlock()
}

// UnbindCPU removes the calling goroutine's CPU binding. Used by tests that
// reuse goroutines across simulated CPUs.
func UnbindCPU() {
	gid := goroutineid.Get()
	bindingsMu.Lock()
	delete(bindings, gid)
	bindingsMu.Unlock()
}

// CurrentCPUID returns the 0-based logical CPU id of the calling goroutine,
// per spec.md §4.1. A goroutine that never called BindCPU is treated as
// CPU 0 (the BSP), matching how an unbound boot-sequence goroutine runs as
// the bootstrap processor until cpus_start hands out AP identities.
func CurrentCPUID() int {
	gid := goroutineid.Get()
	bindingsMu.RLock()
	id, ok := bindings[gid]
	bindingsMu.RUnlock()
	if !ok {
		return 0
	}
	return id
}

// SetCPUCount records how many logical CPUs joined (spec.md §4.1
// cpu_count()), mirroring BiscuitOS's set_cpucount after AP bring-up
// completes (main.go's cpus_start).
func SetCPUCount(n int) {
	if n < 1 || n > MaxCPUs {
		panic("arch: cpu count out of range")
	}
	bindingsMu.Lock()
	cpuCount = n
	bindingsMu.Unlock()
}

// CPUCount returns the total number of logical CPUs known to the kernel.
func CPUCount() int {
	bindingsMu.RLock()
	defer bindingsMu.RUnlock()
	return cpuCount
}
