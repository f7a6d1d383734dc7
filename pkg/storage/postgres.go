package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/gponlabs/oltmon/pkg/types"
)

// PostgresStore implements Store on PostgreSQL via sqlx. It is the
// production store; all replicas of the core share it.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection pool against the given DSN
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// OLT operations

func (s *PostgresStore) CreateOLT(ctx context.Context, olt *types.OLT) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO olts (id, name, ip, snmp_community, brand, model, enabled, deleted, created_at, updated_at)
		VALUES (:id, :name, :ip, :snmp_community, :brand, :model, :enabled, :deleted, :created_at, :updated_at)`,
		olt)
	return err
}

func (s *PostgresStore) GetOLT(ctx context.Context, id int64) (*types.OLT, error) {
	var olt types.OLT
	err := s.db.GetContext(ctx, &olt, `SELECT * FROM olts WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("olt %d", id))
	}
	return &olt, nil
}

func (s *PostgresStore) ListOLTs(ctx context.Context) ([]*types.OLT, error) {
	var olts []*types.OLT
	err := s.db.SelectContext(ctx, &olts, `SELECT * FROM olts ORDER BY id`)
	return olts, err
}

func (s *PostgresStore) UpdateOLT(ctx context.Context, olt *types.OLT) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE olts SET name = :name, ip = :ip, snmp_community = :snmp_community,
			brand = :brand, model = :model, enabled = :enabled, deleted = :deleted,
			updated_at = :updated_at
		WHERE id = :id`, olt)
	return err
}

// Workflow operations

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *types.Workflow) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workflows (id, olt_id, name, active, created_at)
		VALUES (:id, :olt_id, :name, :active, :created_at)`, wf)
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id int64) (*types.Workflow, error) {
	var wf types.Workflow
	err := s.db.GetContext(ctx, &wf, `SELECT * FROM workflows WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("workflow %d", id))
	}
	return &wf, nil
}

func (s *PostgresStore) GetWorkflowByOLT(ctx context.Context, oltID int64) (*types.Workflow, error) {
	var wf types.Workflow
	err := s.db.GetContext(ctx, &wf, `SELECT * FROM workflows WHERE olt_id = $1`, oltID)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("workflow for olt %d", oltID))
	}
	return &wf, nil
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf *types.Workflow) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE workflows SET name = :name, active = :active WHERE id = :id`, wf)
	return err
}

// OID template operations

func (s *PostgresStore) CreateOIDTemplate(ctx context.Context, tpl *types.OIDTemplate) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO oid_templates (id, name, oid, space)
		VALUES (:id, :name, :oid, :space)`, tpl)
	return err
}

func (s *PostgresStore) GetOIDTemplate(ctx context.Context, id int64) (*types.OIDTemplate, error) {
	var tpl types.OIDTemplate
	err := s.db.GetContext(ctx, &tpl, `SELECT * FROM oid_templates WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("oid template %d", id))
	}
	return &tpl, nil
}

// Workflow node operations

func (s *PostgresStore) CreateWorkflowNode(ctx context.Context, node *types.WorkflowNode) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workflow_nodes (id, workflow_id, name, key, enabled, is_chain_node,
			master_node_id, interval_seconds, priority, oid_template_id,
			next_run_at, last_run_at, last_success_at, last_failure_at)
		VALUES (:id, :workflow_id, :name, :key, :enabled, :is_chain_node,
			:master_node_id, :interval_seconds, :priority, :oid_template_id,
			:next_run_at, :last_run_at, :last_success_at, :last_failure_at)`, node)
	return err
}

func (s *PostgresStore) GetWorkflowNode(ctx context.Context, id int64) (*types.WorkflowNode, error) {
	var node types.WorkflowNode
	err := s.db.GetContext(ctx, &node, `SELECT * FROM workflow_nodes WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("workflow node %d", id))
	}
	return &node, nil
}

func (s *PostgresStore) UpdateWorkflowNode(ctx context.Context, node *types.WorkflowNode) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE workflow_nodes SET name = :name, key = :key, enabled = :enabled,
			is_chain_node = :is_chain_node, master_node_id = :master_node_id,
			interval_seconds = :interval_seconds, priority = :priority,
			oid_template_id = :oid_template_id, next_run_at = :next_run_at,
			last_run_at = :last_run_at, last_success_at = :last_success_at,
			last_failure_at = :last_failure_at
		WHERE id = :id`, node)
	return err
}

const readyMastersQuery = `
	SELECT n.* FROM workflow_nodes n
	JOIN workflows w ON w.id = n.workflow_id
	JOIN olts o ON o.id = w.olt_id
	WHERE n.enabled = true
	  AND n.is_chain_node = false
	  AND n.next_run_at IS NOT NULL
	  AND n.next_run_at <= $1
	  AND w.active = true
	  AND o.enabled = true
	  AND o.deleted = false
	ORDER BY n.id`

func (s *PostgresStore) ListReadyMasters(ctx context.Context, now time.Time) ([]*types.WorkflowNode, error) {
	var nodes []*types.WorkflowNode
	err := s.db.SelectContext(ctx, &nodes, readyMastersQuery, now)
	return nodes, err
}

func (s *PostgresStore) ListUnscheduledMasters(ctx context.Context) ([]*types.WorkflowNode, error) {
	var nodes []*types.WorkflowNode
	err := s.db.SelectContext(ctx, &nodes, `
		SELECT n.* FROM workflow_nodes n
		JOIN workflows w ON w.id = n.workflow_id
		JOIN olts o ON o.id = w.olt_id
		WHERE n.enabled = true
		  AND n.is_chain_node = false
		  AND n.next_run_at IS NULL
		  AND w.active = true
		  AND o.enabled = true
		  AND o.deleted = false
		ORDER BY n.id`)
	return nodes, err
}

func (s *PostgresStore) ListChainNodes(ctx context.Context, masterID int64) ([]*types.WorkflowNode, error) {
	var nodes []*types.WorkflowNode
	err := s.db.SelectContext(ctx, &nodes, `
		SELECT * FROM workflow_nodes
		WHERE enabled = true AND is_chain_node = true AND master_node_id = $1
		ORDER BY priority DESC, id ASC`, masterID)
	return nodes, err
}

// Execution operations.
// result_summary is a JSONB column; sqlx cannot map it directly onto the
// Go map, so executions go through an explicit row type.

type executionRow struct {
	ID             string                `db:"id"`
	NodeID         int64                 `db:"node_id"`
	OLTID          int64                 `db:"olt_id"`
	JobType        types.JobType         `db:"job_type"`
	Status         types.ExecutionStatus `db:"status"`
	CreatedAt      time.Time             `db:"created_at"`
	StartedAt      *time.Time            `db:"started_at"`
	FinishedAt     *time.Time            `db:"finished_at"`
	DurationMS     int64                 `db:"duration_ms"`
	ExternalTaskID string                `db:"external_task_id"`
	Error          string                `db:"error"`
	ResultSummary  []byte                `db:"result_summary"`
}

func toExecutionRow(exec *types.Execution) (*executionRow, error) {
	summary := exec.ResultSummary
	if summary == nil {
		summary = map[string]string{}
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result summary: %w", err)
	}
	return &executionRow{
		ID:             exec.ID,
		NodeID:         exec.NodeID,
		OLTID:          exec.OLTID,
		JobType:        exec.JobType,
		Status:         exec.Status,
		CreatedAt:      exec.CreatedAt,
		StartedAt:      exec.StartedAt,
		FinishedAt:     exec.FinishedAt,
		DurationMS:     exec.DurationMS,
		ExternalTaskID: exec.ExternalTaskID,
		Error:          exec.Error,
		ResultSummary:  data,
	}, nil
}

func (r *executionRow) toExecution() (*types.Execution, error) {
	exec := &types.Execution{
		ID:             r.ID,
		NodeID:         r.NodeID,
		OLTID:          r.OLTID,
		JobType:        r.JobType,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		DurationMS:     r.DurationMS,
		ExternalTaskID: r.ExternalTaskID,
		Error:          r.Error,
	}
	if len(r.ResultSummary) > 0 {
		if err := json.Unmarshal(r.ResultSummary, &exec.ResultSummary); err != nil {
			return nil, fmt.Errorf("failed to decode result summary: %w", err)
		}
	}
	return exec, nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *types.Execution) error {
	row, err := toExecutionRow(exec)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO executions (id, node_id, olt_id, job_type, status, created_at,
			started_at, finished_at, duration_ms, external_task_id, error, result_summary)
		VALUES (:id, :node_id, :olt_id, :job_type, :status, :created_at,
			:started_at, :finished_at, :duration_ms, :external_task_id, :error, :result_summary)`,
		row)
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("execution %s", id))
	}
	return row.toExecution()
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *types.Execution) error {
	row, err := toExecutionRow(exec)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE executions SET status = :status, started_at = :started_at,
			finished_at = :finished_at, duration_ms = :duration_ms,
			external_task_id = :external_task_id, error = :error,
			result_summary = :result_summary
		WHERE id = :id`, row)
	return err
}

func (s *PostgresStore) selectExecutions(ctx context.Context, query string, args ...interface{}) ([]*types.Execution, error) {
	var rows []*executionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	execs := make([]*types.Execution, 0, len(rows))
	for _, row := range rows {
		exec, err := row.toExecution()
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

func (s *PostgresStore) ListActiveExecutions(ctx context.Context) ([]*types.Execution, error) {
	return s.selectExecutions(ctx,
		`SELECT * FROM executions WHERE status IN ('PENDING', 'RUNNING') ORDER BY created_at`)
}

func (s *PostgresStore) ListActiveExecutionsByNode(ctx context.Context, nodeID int64) ([]*types.Execution, error) {
	return s.selectExecutions(ctx,
		`SELECT * FROM executions WHERE node_id = $1 AND status IN ('PENDING', 'RUNNING') ORDER BY created_at`,
		nodeID)
}

func (s *PostgresStore) ListActiveExecutionsByOLT(ctx context.Context, oltID int64) ([]*types.Execution, error) {
	return s.selectExecutions(ctx,
		`SELECT * FROM executions WHERE olt_id = $1 AND status IN ('PENDING', 'RUNNING') ORDER BY created_at`,
		oltID)
}

func (s *PostgresStore) ListStalePendingExecutions(ctx context.Context, olderThan time.Time) ([]*types.Execution, error) {
	return s.selectExecutions(ctx,
		`SELECT * FROM executions WHERE status = 'PENDING' AND created_at < $1 ORDER BY created_at`,
		olderThan)
}
