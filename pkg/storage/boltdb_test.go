package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gponlabs/oltmon/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func intp(v int) *int       { return &v }
func int64p(v int64) *int64 { return &v }
func timep(v time.Time) *time.Time {
	return &v
}

func seedOLT(t *testing.T, store *BoltStore, id int64, enabled bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateOLT(ctx, &types.OLT{
		ID: id, Name: "OLT", IP: "10.0.0.1", Enabled: enabled, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CreateWorkflow(ctx, &types.Workflow{
		ID: id, OLTID: id, Name: "polling", Active: true, CreatedAt: time.Now(),
	}))
}

func TestOLTCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	olt := &types.OLT{ID: 1, Name: "OLT-A", IP: "10.1.1.1", Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, store.CreateOLT(ctx, olt))

	got, err := store.GetOLT(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "OLT-A", got.Name)
	assert.True(t, got.Pollable())

	got.Enabled = false
	require.NoError(t, store.UpdateOLT(ctx, got))

	got, err = store.GetOLT(ctx, 1)
	require.NoError(t, err)
	assert.False(t, got.Pollable())

	_, err = store.GetOLT(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListReadyMasters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	seedOLT(t, store, 1, true)
	seedOLT(t, store, 2, false) // disabled OLT

	require.NoError(t, store.CreateOIDTemplate(ctx, &types.OIDTemplate{
		ID: 1, Name: "onu-index", OID: ".1.3.6.1.4.1", Space: string(types.JobTypeDiscovery),
	}))

	nodes := []*types.WorkflowNode{
		// due master on enabled OLT
		{ID: 1, WorkflowID: 1, Name: "walk", Key: "walk", Enabled: true,
			IntervalSeconds: intp(300), Priority: 90, OIDTemplateID: 1,
			NextRunAt: timep(now.Add(-time.Second))},
		// not yet due
		{ID: 2, WorkflowID: 1, Name: "later", Key: "later", Enabled: true,
			IntervalSeconds: intp(300), Priority: 90, OIDTemplateID: 1,
			NextRunAt: timep(now.Add(time.Hour))},
		// disabled node
		{ID: 3, WorkflowID: 1, Name: "off", Key: "off", Enabled: false,
			IntervalSeconds: intp(300), Priority: 90, OIDTemplateID: 1,
			NextRunAt: timep(now.Add(-time.Second))},
		// chain node, never picked by the scheduler
		{ID: 4, WorkflowID: 1, Name: "chain", Key: "chain", Enabled: true,
			IsChainNode: true, MasterNodeID: int64p(1), Priority: 80, OIDTemplateID: 1},
		// due master on disabled OLT
		{ID: 5, WorkflowID: 2, Name: "dark", Key: "dark", Enabled: true,
			IntervalSeconds: intp(300), Priority: 90, OIDTemplateID: 1,
			NextRunAt: timep(now.Add(-time.Second))},
		// master missing next_run_at (repair path)
		{ID: 6, WorkflowID: 1, Name: "unset", Key: "unset", Enabled: true,
			IntervalSeconds: intp(300), Priority: 90, OIDTemplateID: 1},
	}
	for _, n := range nodes {
		require.NoError(t, store.CreateWorkflowNode(ctx, n))
	}

	ready, err := store.ListReadyMasters(ctx, now)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, int64(1), ready[0].ID)

	unscheduled, err := store.ListUnscheduledMasters(ctx)
	require.NoError(t, err)
	require.Len(t, unscheduled, 1)
	assert.Equal(t, int64(6), unscheduled[0].ID)
}

func TestListChainNodesOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedOLT(t, store, 1, true)

	master := &types.WorkflowNode{ID: 10, WorkflowID: 1, Name: "m", Key: "m",
		Enabled: true, IntervalSeconds: intp(300), Priority: 90, OIDTemplateID: 1,
		NextRunAt: timep(time.Now())}
	require.NoError(t, store.CreateWorkflowNode(ctx, master))

	chain := []*types.WorkflowNode{
		{ID: 12, WorkflowID: 1, Name: "c2", Key: "c2", Enabled: true,
			IsChainNode: true, MasterNodeID: int64p(10), Priority: 80, OIDTemplateID: 1},
		{ID: 11, WorkflowID: 1, Name: "c1", Key: "c1", Enabled: true,
			IsChainNode: true, MasterNodeID: int64p(10), Priority: 90, OIDTemplateID: 1},
		{ID: 13, WorkflowID: 1, Name: "c3", Key: "c3", Enabled: true,
			IsChainNode: true, MasterNodeID: int64p(10), Priority: 80, OIDTemplateID: 1},
		{ID: 14, WorkflowID: 1, Name: "disabled", Key: "c4", Enabled: false,
			IsChainNode: true, MasterNodeID: int64p(10), Priority: 95, OIDTemplateID: 1},
	}
	for _, n := range chain {
		require.NoError(t, store.CreateWorkflowNode(ctx, n))
	}

	got, err := store.ListChainNodes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// (priority desc, id asc)
	assert.Equal(t, int64(11), got[0].ID)
	assert.Equal(t, int64(12), got[1].ID)
	assert.Equal(t, int64(13), got[2].ID)
}

func TestActiveExecutionQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	execs := []*types.Execution{
		{ID: "e1", NodeID: 1, OLTID: 1, JobType: types.JobTypeDiscovery,
			Status: types.ExecutionPending, CreatedAt: now},
		{ID: "e2", NodeID: 2, OLTID: 1, JobType: types.JobTypeGet,
			Status: types.ExecutionRunning, CreatedAt: now},
		{ID: "e3", NodeID: 3, OLTID: 2, JobType: types.JobTypeGet,
			Status: types.ExecutionSuccess, CreatedAt: now},
		{ID: "e4", NodeID: 4, OLTID: 2, JobType: types.JobTypeGet,
			Status: types.ExecutionPending, CreatedAt: now.Add(-time.Hour)},
	}
	for _, e := range execs {
		require.NoError(t, store.CreateExecution(ctx, e))
	}

	active, err := store.ListActiveExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	byOLT, err := store.ListActiveExecutionsByOLT(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, byOLT, 2)

	byNode, err := store.ListActiveExecutionsByNode(ctx, 1)
	require.NoError(t, err)
	require.Len(t, byNode, 1)
	assert.Equal(t, "e1", byNode[0].ID)

	stale, err := store.ListStalePendingExecutions(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "e4", stale[0].ID)
}

func TestExecutionResultSummaryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exec := &types.Execution{
		ID: "e1", NodeID: 1, OLTID: 1, JobType: types.JobTypeDiscovery,
		Status: types.ExecutionSuccess, CreatedAt: time.Now(),
		ResultSummary: map[string]string{
			types.ResultKeyReconciled: "true",
			types.ResultKeyPollerID:   "3",
		},
	}
	require.NoError(t, store.CreateExecution(ctx, exec))

	got, err := store.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "true", got.ResultSummary[types.ResultKeyReconciled])
	assert.Equal(t, "3", got.ResultSummary[types.ResultKeyPollerID])
}
