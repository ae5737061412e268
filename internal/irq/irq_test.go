package irq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sq8vps/system-sub001/internal/idt"
)

func TestResolveISAIdentityByDefault(t *testing.T) {
	tbl := idt.New(func(int, string) {})
	m := New(NewDualPIC(0x20), tbl, nil)
	input, err := m.ResolveISA(1)
	require.NoError(t, err)
	assert.Equal(t, 1, input)
}

func TestRegisterDispatchesThroughIDT(t *testing.T) {
	tbl := idt.New(func(int, string) {})
	pic := NewDualPIC(0x20)
	m := New(pic, tbl, nil)

	fired := false
	vector, err := m.Register(1, Mode{}, func(v int, ctx interface{}) { fired = true })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, vector, 48)

	pic.MarkFired(1)
	tbl.Dispatch(vector, nil)
	assert.True(t, fired)
	m.EOI(vector)
	assert.False(t, pic.InService(vector))
}

func TestDisableMasksVectorAndInput(t *testing.T) {
	tbl := idt.New(func(int, string) {})
	pic := NewDualPIC(0x20)
	m := New(pic, tbl, nil)

	fired := false
	vector, err := m.Register(2, Mode{}, func(v int, ctx interface{}) { fired = true })
	require.NoError(t, err)

	require.NoError(t, m.Disable(2))
	tbl.Dispatch(vector, nil)
	assert.False(t, fired)

	require.NoError(t, m.Enable(2))
	tbl.Dispatch(vector, nil)
	assert.True(t, fired)
}

func TestIsSpuriousWhenNeverAsserted(t *testing.T) {
	tbl := idt.New(func(int, string) {})
	pic := NewDualPIC(0x20)
	m := New(pic, tbl, nil)
	vector, err := m.Register(7, Mode{}, func(int, interface{}) {})
	require.NoError(t, err)

	assert.True(t, m.IsSpurious(vector))
	pic.MarkFired(7)
	assert.False(t, m.IsSpurious(vector))
}

func TestRegisterRejectsDuplicateInput(t *testing.T) {
	tbl := idt.New(func(int, string) {})
	m := New(NewDualPIC(0x20), tbl, nil)
	_, err := m.Register(3, Mode{}, func(int, interface{}) {})
	require.NoError(t, err)
	_, err = m.Register(3, Mode{}, func(int, interface{}) {})
	assert.Error(t, err)
}
