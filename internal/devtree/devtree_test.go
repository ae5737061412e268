package devtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPQueueOrderingInvariant(t *testing.T) {
	q := NewRPQueue()
	var processed []*RP
	q.SetProcess(func(rp *RP) {
		processed = append(processed, rp)
	})

	rp1 := NewRP(RPRead, nil, 1)
	rp2 := NewRP(RPRead, nil, 2)
	rp3 := NewRP(RPRead, nil, 3)

	q.StartRP(rp1, nil)
	q.StartRP(rp2, nil)
	q.StartRP(rp3, nil)

	// Only rp1 (the head) should have been processed so far.
	require.Len(t, processed, 1)
	assert.Same(t, rp1, processed[0])

	require.NoError(t, q.FinalizeRP(rp1, nil))
	require.Len(t, processed, 2)
	assert.Same(t, rp2, processed[1])

	require.NoError(t, q.FinalizeRP(rp2, nil))
	require.Len(t, processed, 3)
	assert.Same(t, rp3, processed[2])

	require.NoError(t, q.FinalizeRP(rp3, nil))
	assert.Equal(t, []*RP{rp1, rp2, rp3}, processed)
}

func TestFinalizeRPOutOfLinePanics(t *testing.T) {
	q := NewRPQueue()
	q.SetProcess(func(rp *RP) {})
	rp1 := NewRP(RPRead, nil, nil)
	rp2 := NewRP(RPRead, nil, nil)
	q.StartRP(rp1, nil)
	q.StartRP(rp2, nil)

	assert.Panics(t, func() {
		q.FinalizeRP(rp2, nil)
	})
}

func TestCancelRPRefusesHead(t *testing.T) {
	q := NewRPQueue()
	q.SetProcess(func(rp *RP) {})
	rp1 := NewRP(RPRead, nil, nil)
	q.StartRP(rp1, func(*RP) {})

	err := q.CancelRP(rp1)
	assert.Error(t, err)
}

func TestCancelRPNonHeadInvokesCallbackOnce(t *testing.T) {
	q := NewRPQueue()
	q.SetProcess(func(rp *RP) {})
	rp1 := NewRP(RPRead, nil, nil)
	rp2 := NewRP(RPRead, nil, nil)
	q.StartRP(rp1, nil)

	canceled := 0
	q.StartRP(rp2, func(*RP) { canceled++ })

	require.NoError(t, q.CancelRP(rp2))
	assert.Equal(t, 1, canceled)

	// rp2 must never subsequently be finalized by the queue.
	var finalizedAfterCancel []*RP
	_ = finalizedAfterCancel
	require.NoError(t, q.FinalizeRP(rp1, nil))
	// q should now be idle; nothing left to finalize.
}

func TestAttachDeviceWalksToCurrentTop(t *testing.T) {
	drv := &Driver{Name: "bus"}
	base := NewDevice(drv, 1, 0)
	mid := NewDevice(drv, 1, 0)
	AttachDevice(mid, base)

	top := NewDevice(drv, 1, 0)
	AttachDevice(top, mid)

	assert.Same(t, mid, top.AttachedTo)
	assert.Same(t, base, mid.AttachedTo)
}

func TestDeviceIDMatch(t *testing.T) {
	mainID := "PCI/8086/100E"
	compatIDs := []string{"PCI/STORAGE/AHCI"}

	assert.True(t, matchDeviceID(mainID, compatIDs, "PCI/STORAGE/AHCI"))
	assert.False(t, matchDeviceID(mainID, compatIDs, "PCI/STORAGE/IDE"))
	assert.True(t, matchDeviceID(mainID, compatIDs, "PCI/8086/100E"))
}

// matchDeviceID mirrors internal/driver's lookup comparison (main ID
// first, then compatible IDs in order, first match wins) per spec.md §6.
func matchDeviceID(mainID string, compatIDs []string, candidate string) bool {
	if candidate == mainID {
		return true
	}
	for _, c := range compatIDs {
		if candidate == c {
			return true
		}
	}
	return false
}
