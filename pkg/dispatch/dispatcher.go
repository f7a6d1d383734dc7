package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/gponlabs/oltmon/pkg/composite"
	"github.com/gponlabs/oltmon/pkg/events"
	"github.com/gponlabs/oltmon/pkg/locks"
	"github.com/gponlabs/oltmon/pkg/log"
	"github.com/gponlabs/oltmon/pkg/metrics"
	"github.com/gponlabs/oltmon/pkg/poller"
	"github.com/gponlabs/oltmon/pkg/runtime"
	"github.com/gponlabs/oltmon/pkg/storage"
	"github.com/gponlabs/oltmon/pkg/types"
)

const (
	// DefaultChainLockTTL covers one chain handoff, not a whole poll
	DefaultChainLockTTL = 30 * time.Second

	// A discovery master's chain reads the inventory the discovery just
	// rebuilt. The runtime sets a reconciliation marker on the execution
	// when that rebuild lands; we poll for it briefly before cascading.
	reconcileAttempts = 3
	reconcileWait     = time.Second

	// TriggerChain marks executions started by the completion cascade
	TriggerChain = "chain"
)

// Dispatcher is the completion side of the polling cycle. It consumes
// terminal-state reports from the downstream runtime, finalizes the
// execution, advances the master's schedule, frees the worker slot and
// cascades into the chain.
type Dispatcher struct {
	store        storage.Store
	locker       locks.Locker
	pool         *poller.Pool
	broker       *events.Broker
	chainLockTTL time.Duration
	logger       zerolog.Logger

	// sleep is swapped out in tests so the reconciliation poll does not
	// slow the suite down
	sleep func(time.Duration)
}

// NewDispatcher creates a completion dispatcher
func NewDispatcher(store storage.Store, locker locks.Locker, pool *poller.Pool, broker *events.Broker, chainLockTTL time.Duration) *Dispatcher {
	if chainLockTTL <= 0 {
		chainLockTTL = DefaultChainLockTTL
	}
	return &Dispatcher{
		store:        store,
		locker:       locker,
		pool:         pool,
		broker:       broker,
		chainLockTTL: chainLockTTL,
		logger:       log.WithComponent("completion-dispatcher"),
		sleep:        time.Sleep,
	}
}

// Handler adapts OnCompletion to the runtime's result consumer
func (d *Dispatcher) Handler() runtime.ResultHandler {
	return d.OnCompletion
}

// OnCompletion processes one terminal-state report. Reports for unknown
// executions are logged and dropped; duplicate reports finalize nothing
// but still repair the schedule advance if the first delivery crashed
// between steps.
func (d *Dispatcher) OnCompletion(ctx context.Context, res runtime.Result) error {
	exec, err := d.store.GetExecution(ctx, res.ExecutionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn().
				Str("execution_id", res.ExecutionID).
				Int64("olt_id", res.OLTID).
				Msg("Result for unknown execution dropped")
			return nil
		}
		return err
	}

	node, err := d.store.GetWorkflowNode(ctx, exec.NodeID)
	if err != nil {
		return err
	}

	now := time.Now()
	first := !exec.Status.Terminal()
	if first {
		won, err := d.finalize(ctx, exec, node, res, now)
		if err != nil {
			return err
		}
		first = won
	}
	if !first {
		d.logger.Debug().
			Str("execution_id", exec.ID).
			Str("status", string(exec.Status)).
			Msg("Duplicate terminal report")
	}

	// The slot frees as soon as the round-trip is over; the chain
	// successor takes a fresh slot of its own.
	d.pool.ReleaseForExecution(exec.ID, res.DurationMS)

	if err := d.advanceScheduling(ctx, exec, node, now); err != nil {
		d.logger.Error().Err(err).Int64("node_id", node.ID).Msg("Failed to advance schedule")
	}

	if first {
		d.dispatchChainSuccessor(ctx, exec, node)
	}

	// Drain unconditionally: if the cascade just took the OLT, the
	// drained entry re-buffers on the busy check.
	d.pool.ProcessQueueForOLT(ctx, exec.OLTID)
	return nil
}

// finalize records the terminal state on the execution and the run
// timestamps on the node. Returns false without writing when a peer
// replica finalized the execution between our read and now.
func (d *Dispatcher) finalize(ctx context.Context, exec *types.Execution, node *types.WorkflowNode, res runtime.Result, now time.Time) (bool, error) {
	stored, err := d.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return false, err
	}
	if stored.Status.Terminal() {
		// Adopt the winner's state so the marker checks downstream see
		// what it wrote
		*exec = *stored
		return false, nil
	}
	// Carry markers a peer may have written since our first read
	exec.ResultSummary = stored.ResultSummary

	status := res.Status
	if !status.Terminal() {
		// A non-terminal report is a runtime bug; close the execution
		// rather than leaking the slot and the OLT forever.
		d.logger.Error().
			Str("execution_id", exec.ID).
			Str("status", string(status)).
			Msg("Non-terminal result status, treating as FAILED")
		status = types.ExecutionFailed
	}

	exec.Status = status
	exec.FinishedAt = &now
	exec.DurationMS = res.DurationMS
	if err := d.store.UpdateExecution(ctx, exec); err != nil {
		return false, err
	}

	node.LastRunAt = &now
	if status == types.ExecutionSuccess {
		node.LastSuccessAt = &now
	} else {
		node.LastFailureAt = &now
	}
	if err := d.store.UpdateWorkflowNode(ctx, node); err != nil {
		return false, err
	}

	metrics.ExecutionsTotal.WithLabelValues(string(exec.JobType), string(status)).Inc()
	metrics.ExecutionDuration.WithLabelValues(string(exec.JobType)).Observe(float64(res.DurationMS) / 1000)

	eventType := events.EventExecutionCompleted
	if status != types.ExecutionSuccess {
		eventType = events.EventExecutionFailed
	}
	d.broker.Publish(&events.Event{
		Type:        eventType,
		OLTID:       exec.OLTID,
		NodeID:      exec.NodeID,
		ExecutionID: exec.ID,
		Message:     string(status),
	})

	d.logger.Info().
		Str("execution_id", exec.ID).
		Int64("node_id", node.ID).
		Int64("olt_id", exec.OLTID).
		Str("status", string(status)).
		Int64("duration_ms", res.DurationMS).
		Msg("Execution finished")
	return true, nil
}

// advanceScheduling moves the master's next_run_at one interval forward.
// The advance happens exactly once per execution, marker-guarded, even
// when the terminal report is delivered more than once. Chain nodes
// carry no schedule of their own.
func (d *Dispatcher) advanceScheduling(ctx context.Context, exec *types.Execution, node *types.WorkflowNode, now time.Time) error {
	if !node.IsMaster() || node.IntervalSeconds == nil {
		return nil
	}
	if exec.ResultSummary[types.ResultKeySchedAdvanced] == "true" {
		return nil
	}

	next := now.Add(node.Interval())
	node.NextRunAt = &next
	if err := d.store.UpdateWorkflowNode(ctx, node); err != nil {
		return err
	}

	if exec.ResultSummary == nil {
		exec.ResultSummary = map[string]string{}
	}
	exec.ResultSummary[types.ResultKeySchedAdvanced] = "true"
	return d.store.UpdateExecution(ctx, exec)
}

// dispatchChainSuccessor starts the next chain node after a terminal
// execution: the first chain node after the master, or the next sibling
// after a chain node. Returns true when a successor went in flight on
// this replica.
func (d *Dispatcher) dispatchChainSuccessor(ctx context.Context, exec *types.Execution, node *types.WorkflowNode) bool {
	masterID := node.ID
	if node.IsChainNode {
		if node.MasterNodeID == nil {
			d.logger.Error().Int64("node_id", node.ID).Msg("Chain node without a master")
			return false
		}
		masterID = *node.MasterNodeID
	}

	chain, err := d.store.ListChainNodes(ctx, masterID)
	if err != nil {
		d.logger.Error().Err(err).Int64("master_id", masterID).Msg("Failed to load chain nodes")
		return false
	}

	successor := nextInChain(chain, node)
	if successor == nil {
		return false
	}

	if node.IsMaster() && exec.JobType == types.JobTypeDiscovery && exec.Status == types.ExecutionSuccess {
		d.waitForReconciliation(ctx, exec)
	}

	lockKey := locks.ChainNextKey(successor.ID)
	if node.IsMaster() {
		lockKey = locks.ChainFirstKey(masterID, successor.ID)
	}
	lock, acquired, err := d.locker.Acquire(ctx, lockKey, d.chainLockTTL)
	if err != nil {
		d.logger.Error().Err(err).Str("key", lockKey).Msg("Failed to acquire chain lock")
		return false
	}
	if !acquired {
		// A peer replica received the same report first
		return false
	}
	defer func() {
		if err := d.locker.Release(ctx, lock); err != nil {
			d.logger.Error().Err(err).Str("key", lockKey).Msg("Failed to release chain lock")
		}
	}()

	// Replay guards, checked under the lock: a duplicate report can get
	// here with a stale execution after the first delivery already
	// handed the successor off.
	fresh, err := d.store.GetExecution(ctx, exec.ID)
	if err != nil {
		d.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to re-read execution for chain handoff")
		return false
	}
	if fresh.ResultSummary[types.ResultKeyChainCascaded] == "true" {
		return false
	}
	exec = fresh
	if active, err := d.store.ListActiveExecutionsByNode(ctx, successor.ID); err != nil {
		d.logger.Error().Err(err).Int64("node_id", successor.ID).Msg("Failed to check chain node executions")
		return false
	} else if len(active) > 0 {
		return false
	}

	wf, err := d.store.GetWorkflow(ctx, successor.WorkflowID)
	if err != nil {
		d.logger.Error().Err(err).Int64("node_id", successor.ID).Msg("Failed to load workflow for chain node")
		return false
	}
	olt, err := d.store.GetOLT(ctx, wf.OLTID)
	if err != nil {
		d.logger.Error().Err(err).Int64("olt_id", wf.OLTID).Msg("Failed to load OLT for chain node")
		return false
	}

	cn := composite.New(successor, nil, wf, olt)
	summary := map[string]string{types.ResultKeyTrigger: TriggerChain}

	// Synchronous so the chain execution is in storage before any
	// backlog drain for this OLT can run.
	outcome, err := d.pool.AssignSync(ctx, cn, summary)
	if err != nil {
		d.logger.Error().Err(err).Int64("node_id", successor.ID).Msg("Failed to dispatch chain node")
		return false
	}
	d.markCascaded(ctx, exec)

	if outcome == nil || outcome.Kind != composite.Dispatched {
		// A busy OLT here means the handoff lost a race; the chain picks
		// up again on the master's next cycle rather than from a buffer.
		return false
	}

	metrics.ChainDispatches.Inc()
	d.broker.Publish(&events.Event{
		Type:        events.EventChainDispatched,
		OLTID:       olt.ID,
		NodeID:      successor.ID,
		ExecutionID: outcome.Execution.ID,
	})
	d.logger.Debug().
		Int64("node_id", successor.ID).
		Int64("master_id", masterID).
		Str("execution_id", outcome.Execution.ID).
		Msg("Chain node dispatched")
	return true
}

// markCascaded records on the predecessor execution that its chain
// handoff happened, so replayed reports cannot start the successor twice
func (d *Dispatcher) markCascaded(ctx context.Context, exec *types.Execution) {
	if exec.ResultSummary == nil {
		exec.ResultSummary = map[string]string{}
	}
	exec.ResultSummary[types.ResultKeyChainCascaded] = "true"
	if err := d.store.UpdateExecution(ctx, exec); err != nil {
		d.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to record chain handoff")
	}
}

// nextInChain returns the chain node after current, or the first chain
// node when current is the master. The chain comes pre-ordered from
// storage.
func nextInChain(chain []*types.WorkflowNode, current *types.WorkflowNode) *types.WorkflowNode {
	if len(chain) == 0 {
		return nil
	}
	if current.IsMaster() {
		return chain[0]
	}
	for i, n := range chain {
		if n.ID == current.ID {
			if i+1 < len(chain) {
				return chain[i+1]
			}
			return nil
		}
	}
	// Current was disabled mid-chain and no longer lists; stop here
	return nil
}

// waitForReconciliation polls for the runtime's inventory-reconciled
// marker before cascading a discovery master's chain. The chain runs
// either way; the wait only narrows the window where it would read
// pre-discovery inventory.
func (d *Dispatcher) waitForReconciliation(ctx context.Context, exec *types.Execution) {
	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		fresh, err := d.store.GetExecution(ctx, exec.ID)
		if err == nil && fresh.ResultSummary[types.ResultKeyReconciled] == "true" {
			return
		}
		d.sleep(reconcileWait)
	}
	d.logger.Warn().
		Str("execution_id", exec.ID).
		Msg("Discovery finished without reconciliation marker, cascading anyway")
}
