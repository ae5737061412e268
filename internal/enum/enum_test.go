package enum

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sq8vps/system-sub001/internal/devtree"
)

type fakeBuilder struct {
	failFor map[*devtree.Node]bool
	built   []*devtree.Node
}

func (b *fakeBuilder) BuildStack(node *devtree.Node) error {
	b.built = append(b.built, node)
	if b.failFor[node] {
		return errors.New("stack build failed")
	}
	return nil
}

type fakeDispatcher struct {
	capable map[*devtree.Node]bool
	enumerated []*devtree.Node
}

func (d *fakeDispatcher) IsEnumerationCapable(node *devtree.Node) bool {
	return d.capable[node]
}

func (d *fakeDispatcher) Enumerate(node *devtree.Node) error {
	d.enumerated = append(d.enumerated, node)
	return nil
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestWorkerMarksNodeReadyOnSuccess(t *testing.T) {
	node := &devtree.Node{}
	b := &fakeBuilder{}
	d := &fakeDispatcher{capable: map[*devtree.Node]bool{}}
	w := New(b, d)
	go w.Run()
	defer w.Stop()

	w.NotifyEnumerator(node)
	waitForCondition(t, func() bool { return node.Ready })
	assert.False(t, node.InitFailed)
}

func TestWorkerRetriesFailedStackBuild(t *testing.T) {
	node := &devtree.Node{}
	b := &fakeBuilder{failFor: map[*devtree.Node]bool{node: true}}
	d := &fakeDispatcher{capable: map[*devtree.Node]bool{}}
	w := New(b, d)
	go w.Run()
	defer w.Stop()

	w.NotifyEnumerator(node)
	waitForCondition(t, func() bool { return w.RetryCount() == 1 })
	assert.True(t, node.InitFailed)
	assert.False(t, node.Ready)

	// Unblock it and trigger a retry round.
	b.failFor[node] = false
	w.TriggerRetry()
	waitForCondition(t, func() bool { return node.Ready })
}

// TestWorkerDrainsConcurrentRegistrations has many callers register nodes
// at once, the way bus enumeration and hot-plug notifications race against
// each other in practice. errgroup fans the registering goroutines out and
// would surface the first one that returns an error, without a hand-rolled
// WaitGroup.
func TestWorkerDrainsConcurrentRegistrations(t *testing.T) {
	const n = 20
	nodes := make([]*devtree.Node, n)
	for i := range nodes {
		nodes[i] = &devtree.Node{}
	}
	b := &fakeBuilder{}
	d := &fakeDispatcher{capable: map[*devtree.Node]bool{}}
	w := New(b, d)
	go w.Run()
	defer w.Stop()

	var g errgroup.Group
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			w.NotifyEnumerator(node)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, node := range nodes {
		waitForCondition(t, func() bool { return node.Ready })
	}
}

func TestWorkerSendsSyntheticEnumerateForBusNodes(t *testing.T) {
	node := &devtree.Node{}
	b := &fakeBuilder{}
	d := &fakeDispatcher{capable: map[*devtree.Node]bool{node: true}}
	w := New(b, d)
	go w.Run()
	defer w.Stop()

	w.NotifyEnumerator(node)
	waitForCondition(t, func() bool { return len(d.enumerated) == 1 })
	assert.Same(t, node, d.enumerated[0])
}
