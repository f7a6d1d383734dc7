package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gponlabs/oltmon/pkg/composite"
	"github.com/gponlabs/oltmon/pkg/events"
	"github.com/gponlabs/oltmon/pkg/locks"
	"github.com/gponlabs/oltmon/pkg/queue"
	"github.com/gponlabs/oltmon/pkg/runtime"
	"github.com/gponlabs/oltmon/pkg/storage"
	"github.com/gponlabs/oltmon/pkg/types"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []runtime.Task
}

func (f *fakeSubmitter) Submit(_ context.Context, task runtime.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return "task-" + task.ExecutionID, nil
}

func intp(v int) *int { return &v }
func timep(v time.Time) *time.Time {
	return &v
}

type poolFixture struct {
	store  *storage.BoltStore
	pool   *Pool
	broker *events.Broker
}

// seedMaster creates an OLT, workflow, template and master node sharing
// the given id
func (f *poolFixture) seedMaster(t *testing.T, id int64, oltID int64) *composite.Node {
	t.Helper()
	ctx := context.Background()

	olt, err := f.store.GetOLT(ctx, oltID)
	if err != nil {
		olt = &types.OLT{ID: oltID, Name: "OLT", IP: "10.0.0.1", Enabled: true, CreatedAt: time.Now()}
		require.NoError(t, f.store.CreateOLT(ctx, olt))
		require.NoError(t, f.store.CreateWorkflow(ctx, &types.Workflow{
			ID: oltID, OLTID: oltID, Name: "polling", Active: true, CreatedAt: time.Now(),
		}))
	}
	wf, err := f.store.GetWorkflow(ctx, oltID)
	require.NoError(t, err)

	master := &types.WorkflowNode{
		ID: id, WorkflowID: oltID, Name: "walk", Key: "walk", Enabled: true,
		IntervalSeconds: intp(300), Priority: types.PriorityDiscovery, OIDTemplateID: 1,
		NextRunAt: timep(time.Now().Add(-time.Second)),
	}
	require.NoError(t, f.store.CreateWorkflowNode(ctx, master))
	return composite.New(master, nil, wf, olt)
}

func newPoolFixture(t *testing.T, size int) *poolFixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateOIDTemplate(context.Background(), &types.OIDTemplate{
		ID: 1, Name: "onu-index", OID: ".1.3.6.1.4.1", Space: string(types.JobTypeDiscovery),
	}))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	disp := composite.NewDispatcher(store, locks.NewMemoryLocker(), &fakeSubmitter{}, 5*time.Minute)
	pool := NewPool(size, queue.New(100), disp, store, broker)
	return &poolFixture{store: store, pool: pool, broker: broker}
}

func activeForOLT(t *testing.T, store *storage.BoltStore, oltID int64) []*types.Execution {
	t.Helper()
	active, err := store.ListActiveExecutionsByOLT(context.Background(), oltID)
	require.NoError(t, err)
	return active
}

func TestAssignSyncDispatches(t *testing.T) {
	f := newPoolFixture(t, 2)
	ctx := context.Background()

	cn := f.seedMaster(t, 1, 1)
	outcome, err := f.pool.AssignSync(ctx, cn, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.Equal(t, composite.Dispatched, outcome.Kind)

	// The slot stays busy holding the execution
	assert.Equal(t, 1, f.pool.busyCount())
	assert.Len(t, activeForOLT(t, f.store, 1), 1)

	// The poller provenance marker is recorded
	exec, err := f.store.GetExecution(ctx, outcome.Execution.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, exec.ResultSummary[types.ResultKeyPollerID])
}

func TestAssignBackgroundDispatch(t *testing.T) {
	f := newPoolFixture(t, 2)
	ctx := context.Background()

	cn := f.seedMaster(t, 1, 1)
	require.NoError(t, f.pool.Assign(ctx, cn))

	require.Eventually(t, func() bool {
		return len(activeForOLT(t, f.store, 1)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPerOLTSerialization(t *testing.T) {
	f := newPoolFixture(t, 10)
	ctx := context.Background()

	first := f.seedMaster(t, 1, 1)
	second := f.seedMaster(t, 2, 1) // same OLT

	outcome, err := f.pool.AssignSync(ctx, first, nil)
	require.NoError(t, err)
	require.Equal(t, composite.Dispatched, outcome.Kind)

	require.NoError(t, f.pool.Assign(ctx, second))

	// The second node is queued, not dispatched
	assert.Equal(t, 1, f.pool.Queue().Len())
	assert.Len(t, activeForOLT(t, f.store, 1), 1)
}

func TestAssignSyncBusyOLTNotBuffered(t *testing.T) {
	f := newPoolFixture(t, 10)
	ctx := context.Background()

	first := f.seedMaster(t, 1, 1)
	second := f.seedMaster(t, 2, 1) // same OLT

	outcome, err := f.pool.AssignSync(ctx, first, nil)
	require.NoError(t, err)
	require.Equal(t, composite.Dispatched, outcome.Kind)

	// The synchronous path reports the busy OLT and leaves buffering to
	// the caller
	outcome, err = f.pool.AssignSync(ctx, second, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, composite.Rejected, outcome.Kind)
	assert.Equal(t, composite.ReasonOLTBusy, outcome.Reason)
	assert.Equal(t, 0, f.pool.Queue().Len())
	assert.Len(t, activeForOLT(t, f.store, 1), 1)

	f.pool.Enqueue(second)
	assert.Equal(t, 1, f.pool.Queue().Len())
}

func TestAllSlotsBusyEnqueues(t *testing.T) {
	f := newPoolFixture(t, 2)
	ctx := context.Background()

	for id := int64(1); id <= 2; id++ {
		outcome, err := f.pool.AssignSync(ctx, f.seedMaster(t, id, id), nil)
		require.NoError(t, err)
		require.Equal(t, composite.Dispatched, outcome.Kind)
	}

	third := f.seedMaster(t, 3, 3)
	_, err := f.pool.AssignSync(ctx, third, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.pool.Queue().Len())
	assert.True(t, f.pool.IsSaturated(), "all slots busy with a backlog is saturation")
}

func TestReleaseForExecution(t *testing.T) {
	f := newPoolFixture(t, 2)
	ctx := context.Background()

	outcome, err := f.pool.AssignSync(ctx, f.seedMaster(t, 1, 1), nil)
	require.NoError(t, err)
	require.Equal(t, composite.Dispatched, outcome.Kind)

	released := f.pool.ReleaseForExecution(outcome.Execution.ID, 1200)
	assert.True(t, released)
	assert.Equal(t, 0, f.pool.busyCount())

	// Releasing twice is a no-op
	assert.False(t, f.pool.ReleaseForExecution(outcome.Execution.ID, 1200))

	stats := f.pool.Stats(ctx)
	assert.Equal(t, int64(1), stats.TotalTasksCompleted)
}

func TestReconcileFreesTerminalSlots(t *testing.T) {
	f := newPoolFixture(t, 2)
	ctx := context.Background()

	outcome, err := f.pool.AssignSync(ctx, f.seedMaster(t, 1, 1), nil)
	require.NoError(t, err)
	require.Equal(t, composite.Dispatched, outcome.Kind)

	// The runtime finished but the callback never arrived
	exec := outcome.Execution
	now := time.Now()
	exec.Status = types.ExecutionSuccess
	exec.FinishedAt = &now
	require.NoError(t, f.store.UpdateExecution(ctx, exec))

	stats := f.pool.Stats(ctx)
	assert.Equal(t, 0, stats.BusyPollers, "stats must repair slots holding terminal executions")
	assert.Equal(t, stats.TotalPollers, stats.FreePollers)
}

func TestProcessQueueForOLT(t *testing.T) {
	f := newPoolFixture(t, 2)
	ctx := context.Background()

	first := f.seedMaster(t, 1, 1)
	second := f.seedMaster(t, 2, 1)

	outcome, err := f.pool.AssignSync(ctx, first, nil)
	require.NoError(t, err)
	require.Equal(t, composite.Dispatched, outcome.Kind)

	require.NoError(t, f.pool.Assign(ctx, second))
	require.Equal(t, 1, f.pool.Queue().Len())

	// First execution finishes; drain picks up the backlog
	exec := outcome.Execution
	now := time.Now()
	exec.Status = types.ExecutionSuccess
	exec.FinishedAt = &now
	require.NoError(t, f.store.UpdateExecution(ctx, exec))
	f.pool.ReleaseForExecution(exec.ID, 900)

	f.pool.ProcessQueueForOLT(ctx, 1)

	require.Eventually(t, func() bool {
		active := activeForOLT(t, f.store, 1)
		return len(active) == 1 && active[0].NodeID == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.pool.Queue().Len())
}

func TestProcessQueueBounded(t *testing.T) {
	f := newPoolFixture(t, 10)
	ctx := context.Background()

	for id := int64(1); id <= 5; id++ {
		f.pool.Queue().Put(f.seedMaster(t, id, id))
	}

	f.pool.ProcessQueue(ctx, 3)

	require.Eventually(t, func() bool {
		total := 0
		for id := int64(1); id <= 5; id++ {
			total += len(activeForOLT(t, f.store, id))
		}
		return total == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.pool.Queue().Len())
}

func TestSlotSnapshot(t *testing.T) {
	f := newPoolFixture(t, 3)
	ctx := context.Background()

	outcome, err := f.pool.AssignSync(ctx, f.seedMaster(t, 1, 1), nil)
	require.NoError(t, err)
	require.Equal(t, composite.Dispatched, outcome.Kind)

	snaps := f.pool.Snapshots()
	require.Len(t, snaps, 3)

	busy := 0
	for _, snap := range snaps {
		if snap.Status == SlotBusy {
			busy++
			assert.Equal(t, outcome.Execution.ID, snap.CurrentExecutionID)
			require.NotNil(t, snap.CurrentNodeID)
			assert.Equal(t, int64(1), *snap.CurrentNodeID)
		}
	}
	assert.Equal(t, 1, busy)
}
