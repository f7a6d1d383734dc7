package composite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gponlabs/oltmon/pkg/locks"
	"github.com/gponlabs/oltmon/pkg/log"
	"github.com/gponlabs/oltmon/pkg/runtime"
	"github.com/gponlabs/oltmon/pkg/storage"
	"github.com/gponlabs/oltmon/pkg/types"
)

// OutcomeKind discriminates the dispatch result
type OutcomeKind int

const (
	// Dispatched means a new execution was created and submitted
	Dispatched OutcomeKind = iota
	// AlreadyRunning means the node already has an in-flight execution;
	// Outcome.Execution carries it when it could be found
	AlreadyRunning
	// Rejected means a precondition failed; Outcome.Reason says which
	Rejected
)

// Rejection reasons
const (
	ReasonOLTDisabled      = "olt disabled or deleted"
	ReasonWorkflowInactive = "workflow inactive"
	ReasonNodeDisabled     = "node disabled"
	ReasonOLTBusy          = "olt has an in-flight execution"
)

// Outcome is the result of a dispatch attempt. Callers branch on Kind
// instead of unwrapping error chains.
type Outcome struct {
	Kind      OutcomeKind
	Execution *types.Execution
	Reason    string
}

// Dispatcher runs the master-dispatch protocol: precondition checks, the
// per-node distributed lock, double-checked in-flight lookup, execution
// creation, and submission to the downstream runtime.
//
// Chain nodes are never dispatched from the scheduler path; the
// completion dispatcher wraps each chain node in its own composite and
// reuses this protocol.
type Dispatcher struct {
	store     storage.Store
	locker    locks.Locker
	submitter runtime.Submitter
	lockTTL   time.Duration
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatch protocol runner
func NewDispatcher(store storage.Store, locker locks.Locker, submitter runtime.Submitter, lockTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		store:     store,
		locker:    locker,
		submitter: submitter,
		lockTTL:   lockTTL,
		logger:    log.WithComponent("dispatch-protocol"),
	}
}

// canExecuteNow checks the static preconditions: OLT pollable, workflow
// active, node enabled. NextRunAt is deliberately not checked here; the
// completion path dispatches chain nodes that never carry one.
func (d *Dispatcher) canExecuteNow(cn *Node) (string, bool) {
	if cn.OLT == nil || !cn.OLT.Pollable() {
		return ReasonOLTDisabled, false
	}
	if cn.Workflow == nil || !cn.Workflow.Active {
		return ReasonWorkflowInactive, false
	}
	if !cn.Master.Enabled {
		return ReasonNodeDisabled, false
	}
	return "", true
}

// activeExecution returns the node's in-flight execution, if any
func (d *Dispatcher) activeExecution(ctx context.Context, nodeID int64) (*types.Execution, error) {
	active, err := d.store.ListActiveExecutionsByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	return active[0], nil
}

// Dispatch runs the protocol for the composite's master node. The
// summary map seeds the execution's result summary (provenance markers).
//
// Error returns are infrastructure failures only; every expected branch
// comes back as an Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, cn *Node, summary map[string]string) (*Outcome, error) {
	node := cn.Master

	if reason, ok := d.canExecuteNow(cn); !ok {
		return &Outcome{Kind: Rejected, Reason: reason}, nil
	}

	if existing, err := d.activeExecution(ctx, node.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return &Outcome{Kind: AlreadyRunning, Execution: existing}, nil
	}

	lock, acquired, err := d.locker.Acquire(ctx, locks.NodeExecutionKey(node.ID), d.lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		// A peer is dispatching this node right now. Idempotence: hand
		// back whatever execution it created, or report the contention.
		existing, err := d.activeExecution(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Kind: AlreadyRunning, Execution: existing}, nil
	}
	defer func() {
		if err := d.locker.Release(ctx, lock); err != nil {
			d.logger.Error().Err(err).Int64("node_id", node.ID).Msg("Failed to release node lock")
		}
	}()

	// Double-checked under the lock
	if existing, err := d.activeExecution(ctx, node.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return &Outcome{Kind: AlreadyRunning, Execution: existing}, nil
	}

	// Per-OLT serialization: never create a second in-flight execution
	// against one device.
	if oltActive, err := d.store.ListActiveExecutionsByOLT(ctx, cn.OLTID()); err != nil {
		return nil, err
	} else if len(oltActive) > 0 {
		return &Outcome{Kind: Rejected, Reason: ReasonOLTBusy}, nil
	}

	tpl, err := d.store.GetOIDTemplate(ctx, node.OIDTemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load oid template for node %d: %w", node.ID, err)
	}

	exec := &types.Execution{
		ID:            uuid.New().String(),
		NodeID:        node.ID,
		OLTID:         cn.OLTID(),
		JobType:       tpl.JobType(),
		Status:        types.ExecutionPending,
		CreatedAt:     time.Now(),
		ResultSummary: summary,
	}
	if err := d.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create execution for node %d: %w", node.ID, err)
	}

	taskID, err := d.submitter.Submit(ctx, runtime.Task{
		JobType:     exec.JobType,
		JobID:       tpl.ID,
		OLTID:       exec.OLTID,
		NodeID:      exec.NodeID,
		ExecutionID: exec.ID,
	})
	if err != nil {
		now := time.Now()
		exec.Status = types.ExecutionFailed
		exec.Error = fmt.Sprintf("submission failed: %v", err)
		exec.FinishedAt = &now
		if uerr := d.store.UpdateExecution(ctx, exec); uerr != nil {
			d.logger.Error().Err(uerr).Str("execution_id", exec.ID).Msg("Failed to mark execution FAILED")
		}
		return nil, fmt.Errorf("failed to submit node %d: %w", node.ID, err)
	}

	exec.ExternalTaskID = taskID
	if err := d.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to record task id on execution %s: %w", exec.ID, err)
	}

	d.logger.Debug().
		Int64("node_id", node.ID).
		Int64("olt_id", exec.OLTID).
		Str("execution_id", exec.ID).
		Str("job_type", string(exec.JobType)).
		Msg("Dispatched")

	return &Outcome{Kind: Dispatched, Execution: exec}, nil
}
