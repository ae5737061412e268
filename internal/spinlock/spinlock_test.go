package spinlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sq8vps/system-sub001/internal/arch"
)

func TestAcquireRelease(t *testing.T) {
	arch.BindCPU(0)
	defer arch.UnbindCPU()

	var s Spinlock
	g := s.Acquire()
	s.Release(g)

	g2 := s.Acquire()
	s.Release(g2)
}

func TestSameCPUReacquirePanics(t *testing.T) {
	arch.BindCPU(1)
	defer arch.UnbindCPU()

	var s Spinlock
	g := s.Acquire()
	defer s.Release(g)

	assert.PanicsWithValue(t, "BUSY_MUTEX_ACQUIRED", func() {
		s.Acquire()
	})
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	arch.BindCPU(2)
	defer arch.UnbindCPU()

	var s Spinlock
	assert.PanicsWithValue(t, "UNACQUIRED_MUTEX_RELEASED", func() {
		s.Release(arch.PriorityGuard{})
	})
}

func TestTryAcquireContested(t *testing.T) {
	var s Spinlock

	arch.BindCPU(3)
	g, ok := s.TryAcquire()
	assert.True(t, ok)

	done := make(chan bool, 1)
	go func() {
		arch.BindCPU(4)
		defer arch.UnbindCPU()
		_, ok := s.TryAcquire()
		done <- ok
	}()
	assert.False(t, <-done)

	s.Release(g)
	arch.UnbindCPU()

	arch.BindCPU(5)
	defer arch.UnbindCPU()
	g2, ok2 := s.TryAcquire()
	assert.True(t, ok2)
	s.Release(g2)
}
