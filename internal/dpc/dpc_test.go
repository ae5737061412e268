package dpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDrainsHighestFirst(t *testing.T) {
	q := New()
	var order []int

	q.Enqueue(Low, func() { order = append(order, 1) })
	// the Low entry above already ran synchronously (Enqueue drains
	// immediately when not nested), so seed more entries via a high-level
	// callback that enqueues lower-priority work to prove ordering within
	// one drain pass.
	order = nil
	q.Enqueue(High, func() {
		order = append(order, 100)
		// nested enqueue while already at DPC level: deferred, not run
		// inline, but still drained before this top-level Enqueue returns.
		q.Enqueue(Low, func() { order = append(order, 10) })
		q.Enqueue(Normal, func() { order = append(order, 50) })
	})

	assert.Equal(t, []int{100, 50, 10}, order)
	assert.True(t, q.Empty())
}
