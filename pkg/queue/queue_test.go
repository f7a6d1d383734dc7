package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gponlabs/oltmon/pkg/composite"
	"github.com/gponlabs/oltmon/pkg/types"
)

func node(masterID, oltID int64, delayed bool, delay int64, priority int) *composite.Node {
	cn := composite.New(
		&types.WorkflowNode{ID: masterID, Priority: priority},
		nil,
		&types.Workflow{ID: oltID, OLTID: oltID},
		&types.OLT{ID: oltID, Enabled: true},
	)
	cn.Delayed = delayed
	cn.DelaySeconds = delay
	cn.Priority = priority
	return cn
}

func TestPutGetOrdering(t *testing.T) {
	q := New(10)

	require.True(t, q.Put(node(1, 1, false, 0, 40)))
	require.True(t, q.Put(node(2, 2, false, 0, 90)))
	require.True(t, q.Put(node(3, 3, true, 100, 40)))
	require.True(t, q.Put(node(4, 4, true, 500, 40)))

	// Delayed first, largest delay first, then priority descending
	assert.Equal(t, int64(4), q.Get().MasterID())
	assert.Equal(t, int64(3), q.Get().MasterID())
	assert.Equal(t, int64(2), q.Get().MasterID())
	assert.Equal(t, int64(1), q.Get().MasterID())
	assert.Nil(t, q.Get())
}

func TestFIFOWithinEqualKeys(t *testing.T) {
	q := New(10)

	for id := int64(1); id <= 5; id++ {
		require.True(t, q.Put(node(id, id, false, 0, 40)))
	}
	for id := int64(1); id <= 5; id++ {
		assert.Equal(t, id, q.Get().MasterID())
	}
}

func TestDedupByMasterID(t *testing.T) {
	q := New(10)

	require.True(t, q.Put(node(1, 1, false, 0, 40)))
	assert.False(t, q.Put(node(1, 1, true, 900, 90)), "same master must be a no-op")
	assert.Equal(t, 1, q.Len())

	// After Get the master may be enqueued again
	q.Get()
	assert.True(t, q.Put(node(1, 1, false, 0, 40)))
}

func TestBoundedDropsSilently(t *testing.T) {
	q := New(2)

	require.True(t, q.Put(node(1, 1, false, 0, 40)))
	require.True(t, q.Put(node(2, 2, false, 0, 40)))
	assert.False(t, q.Put(node(3, 3, false, 0, 90)))

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestTakeForOLT(t *testing.T) {
	q := New(10)

	require.True(t, q.Put(node(1, 1, false, 0, 40)))
	require.True(t, q.Put(node(2, 2, false, 0, 90)))
	require.True(t, q.Put(node(3, 2, false, 0, 40)))
	require.True(t, q.Put(node(4, 3, false, 0, 40)))

	// Highest-precedence entry of OLT 2
	taken := q.TakeForOLT(2)
	require.NotNil(t, taken)
	assert.Equal(t, int64(2), taken.MasterID())
	assert.Equal(t, 3, q.Len())

	// Other entries keep their order
	assert.Equal(t, int64(3), q.TakeForOLT(2).MasterID())
	assert.Nil(t, q.TakeForOLT(2))
	assert.Equal(t, int64(1), q.TakeForOLT(1).MasterID())
}

func TestPeekDoesNotDisturb(t *testing.T) {
	q := New(10)

	require.True(t, q.Put(node(1, 1, false, 0, 40)))
	require.True(t, q.Put(node(2, 2, true, 300, 90)))
	require.True(t, q.Put(node(3, 3, false, 0, 90)))

	peeked := q.Peek(2)
	require.Len(t, peeked, 2)
	assert.Equal(t, int64(2), peeked[0].MasterID())
	assert.Equal(t, int64(3), peeked[1].MasterID())
	assert.Equal(t, 3, q.Len())

	// Peek beyond size returns everything
	assert.Len(t, q.Peek(100), 3)
}

func TestIsOverload(t *testing.T) {
	q := New(10)

	for id := int64(1); id <= 8; id++ {
		require.True(t, q.Put(node(id, id, false, 0, 40)))
	}
	assert.False(t, q.IsOverload())

	require.True(t, q.Put(node(9, 9, false, 0, 40)))
	assert.True(t, q.IsOverload(), "9 of 10 exceeds the 0.8 threshold")
}
