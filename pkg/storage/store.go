package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gponlabs/oltmon/pkg/types"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for oltmon state storage.
// Implemented by the Postgres-backed store and the embedded Bolt store.
type Store interface {
	// OLTs
	CreateOLT(ctx context.Context, olt *types.OLT) error
	GetOLT(ctx context.Context, id int64) (*types.OLT, error)
	ListOLTs(ctx context.Context) ([]*types.OLT, error)
	UpdateOLT(ctx context.Context, olt *types.OLT) error

	// Workflows
	CreateWorkflow(ctx context.Context, wf *types.Workflow) error
	GetWorkflow(ctx context.Context, id int64) (*types.Workflow, error)
	GetWorkflowByOLT(ctx context.Context, oltID int64) (*types.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *types.Workflow) error

	// OID templates
	CreateOIDTemplate(ctx context.Context, tpl *types.OIDTemplate) error
	GetOIDTemplate(ctx context.Context, id int64) (*types.OIDTemplate, error)

	// Workflow nodes
	CreateWorkflowNode(ctx context.Context, node *types.WorkflowNode) error
	GetWorkflowNode(ctx context.Context, id int64) (*types.WorkflowNode, error)
	UpdateWorkflowNode(ctx context.Context, node *types.WorkflowNode) error

	// ListReadyMasters returns enabled master nodes whose next_run_at is
	// non-null and <= now, whose workflow is active, and whose OLT is
	// enabled and not soft-deleted. In-flight exclusion is the caller's
	// concern.
	ListReadyMasters(ctx context.Context, now time.Time) ([]*types.WorkflowNode, error)

	// ListUnscheduledMasters returns enabled master nodes with a null
	// next_run_at, for the scheduler's auto-repair path.
	ListUnscheduledMasters(ctx context.Context) ([]*types.WorkflowNode, error)

	// ListChainNodes returns the enabled chain nodes of a master in
	// (priority desc, id asc) order.
	ListChainNodes(ctx context.Context, masterID int64) ([]*types.WorkflowNode, error)

	// Executions
	CreateExecution(ctx context.Context, exec *types.Execution) error
	GetExecution(ctx context.Context, id string) (*types.Execution, error)
	UpdateExecution(ctx context.Context, exec *types.Execution) error
	ListActiveExecutions(ctx context.Context) ([]*types.Execution, error)
	ListActiveExecutionsByNode(ctx context.Context, nodeID int64) ([]*types.Execution, error)
	ListActiveExecutionsByOLT(ctx context.Context, oltID int64) ([]*types.Execution, error)
	ListStalePendingExecutions(ctx context.Context, olderThan time.Time) ([]*types.Execution, error)

	// Utility
	Close() error
}
