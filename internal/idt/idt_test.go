package idt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sq8vps/system-sub001/internal/arch"
)

func TestFindFreeVectorSkipsReserved(t *testing.T) {
	tbl := New(func(int, string) {})
	v, err := tbl.FindFreeVector()
	require.NoError(t, err)
	assert.Equal(t, 48, v)

	require.NoError(t, tbl.ReserveVector(48))
	v, err = tbl.FindFreeVector()
	require.NoError(t, err)
	assert.Equal(t, 49, v)
}

func TestInstallHandlerRejectsDoubleRegistration(t *testing.T) {
	tbl := New(func(int, string) {})
	require.NoError(t, tbl.InstallHandler(48, func(int, interface{}) {}, nil, 0))
	err := tbl.InstallHandler(48, func(int, interface{}) {}, nil, 0)
	assert.Error(t, err)
}

func TestDispatchExternalVectorCallsHandler(t *testing.T) {
	tbl := New(func(int, string) {})
	called := false
	require.NoError(t, tbl.InstallHandler(48, func(v int, ctx interface{}) { called = true }, nil, 0))
	tbl.Dispatch(48, nil)
	assert.True(t, called)
}

func TestDispatchMaskedVectorDoesNotFire(t *testing.T) {
	tbl := New(func(int, string) {})
	called := false
	require.NoError(t, tbl.InstallHandler(48, func(v int, ctx interface{}) { called = true }, nil, 0))
	require.NoError(t, tbl.SetEnable(48, false))
	tbl.Dispatch(48, nil)
	assert.False(t, called)
}

func TestExceptionPanicsWhenUnreconciled(t *testing.T) {
	var gotVector int
	var gotMsg string
	tbl := New(func(v int, msg string) { gotVector = v; gotMsg = msg })
	tbl.Dispatch(int(ExceptionDivide), nil)
	assert.Equal(t, int(ExceptionDivide), gotVector)
	assert.NotEmpty(t, gotMsg)
}

func TestPageFaultReconciledNeverPanics(t *testing.T) {
	panicked := false
	tbl := New(func(int, string) { panicked = true })

	as := arch.CreateAddressSpace()
	defer arch.DestroyAddressSpace(as)
	require.NoError(t, as.Map(0x1000, 0x2000, arch.Flags(0)))

	// Simulate another CPU's stale TLB: as.Map above is "the true state",
	// and this dispatch is cpu-local code that had not observed it yet.
	tbl.Dispatch(int(ExceptionPageFault), PageFaultInfo{
		VAddr:        0x1000,
		AddressSpace: as,
	})
	assert.False(t, panicked)
}

func TestPageFaultTrulyUnmappedPanics(t *testing.T) {
	panicked := false
	tbl := New(func(int, string) { panicked = true })
	as := arch.CreateAddressSpace()
	defer arch.DestroyAddressSpace(as)

	tbl.Dispatch(int(ExceptionPageFault), PageFaultInfo{
		VAddr:        0xdead000,
		AddressSpace: as,
	})
	assert.True(t, panicked)
}
