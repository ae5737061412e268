package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityGuardRestoresLevel(t *testing.T) {
	UnbindCPU()
	require.Equal(t, PrioPassive, CurrentLevel())
	g := RaiseTo(PrioDPC)
	assert.Equal(t, PrioDPC, CurrentLevel())
	g.Release()
	assert.Equal(t, PrioPassive, CurrentLevel())
}

func TestPriorityGuardDoubleReleasePanics(t *testing.T) {
	UnbindCPU()
	g := RaiseTo(PrioSpinlock)
	g.Release()
	assert.Panics(t, func() { g.Release() })
}

func TestPriorityGuardOutOfOrderReleasePanics(t *testing.T) {
	UnbindCPU()
	g1 := RaiseTo(PrioDPC)
	g2 := RaiseTo(PrioSpinlock)
	assert.Panics(t, func() { g1.Release() })
	g2.Release()
	g1.Release()
}

func TestMapUnmap(t *testing.T) {
	as := CreateAddressSpace()
	defer DestroyAddressSpace(as)

	const va, pa = 0x4000, 0x8000
	require.NoError(t, as.Map(va, pa, FlagPresent|FlagWritable|FlagUser))

	err := as.Map(va, pa, FlagPresent)
	assert.Error(t, err)

	got, ok := as.GetPhysical(va)
	require.True(t, ok)
	assert.EqualValues(t, pa, got)

	require.NoError(t, as.Unmap(va))
	assert.Error(t, as.Unmap(va))
}

func TestKernelHalfSharedAcrossAddressSpaces(t *testing.T) {
	as1 := CreateAddressSpace()
	as2 := CreateAddressSpace()
	defer DestroyAddressSpace(as1)
	defer DestroyAddressSpace(as2)

	kva := KernelBase + 0x1000
	require.NoError(t, as1.Map(kva, 0x1000, FlagPresent|FlagWritable))

	got, ok := as2.GetPhysical(kva)
	require.True(t, ok)
	assert.EqualValues(t, 0x1000, got)
}

func TestValidateUserBuffer(t *testing.T) {
	assert.True(t, ValidateUserBuffer(0x1000, 0x2000))
	assert.False(t, ValidateUserBuffer(KernelBase-0x10, 0x100)) // crosses into kernel half
	assert.False(t, ValidateUserBuffer(^uintptr(0)-4, 0x100))   // wraps
}

func TestReconcileStaleTLB(t *testing.T) {
	as := CreateAddressSpace()
	defer DestroyAddressSpace(as)
	const va = 0x9000
	require.NoError(t, as.Map(va, 0x1000, FlagPresent|FlagWritable))

	// fault reported the page absent/RO, but the table says present+writable:
	// a stale TLB, not a real fault.
	assert.True(t, ReconcileStaleTLB(as, va, false, false, false))

	// a page with no mapping at all is a genuine fault.
	assert.False(t, ReconcileStaleTLB(as, va+0x1000, false, false, false))
}

func TestBindCPU(t *testing.T) {
	done := make(chan int, 1)
	go func() {
		BindCPU(3)
		done <- CurrentCPUID()
	}()
	assert.Equal(t, 3, <-done)
}
