package types

import (
	"time"
)

// OLT represents a polled GPON Optical Line Terminal
type OLT struct {
	ID            int64     `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	IP            string    `db:"ip" json:"ip"`
	SNMPCommunity string    `db:"snmp_community" json:"-"`
	Brand         string    `db:"brand" json:"brand"`
	Model         string    `db:"model" json:"model"`
	Enabled       bool      `db:"enabled" json:"enabled"`
	Deleted       bool      `db:"deleted" json:"deleted"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Pollable reports whether the scheduler may consider this OLT at all
func (o *OLT) Pollable() bool {
	return o.Enabled && !o.Deleted
}

// Workflow is an ordered bundle of nodes bound to exactly one OLT
type Workflow struct {
	ID        int64     `db:"id" json:"id"`
	OLTID     int64     `db:"olt_id" json:"olt_id"`
	Name      string    `db:"name" json:"name"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// JobType determines which downstream task runs a node
type JobType string

const (
	// JobTypeDiscovery is an SNMP walk of an ONU index table
	JobTypeDiscovery JobType = "descubrimiento"
	// JobTypeGet is a targeted SNMP GET against known ONU indices
	JobTypeGet JobType = "get"
)

// Default priorities by job type
const (
	PriorityDiscovery = 90
	PriorityGet       = 40
)

// OIDTemplate is a catalog entry shared across workflow nodes.
// Space selects the job type: "descubrimiento" means discovery,
// anything else means get.
type OIDTemplate struct {
	ID    int64  `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	OID   string `db:"oid" json:"oid"`
	Space string `db:"space" json:"space"`
}

// JobType derives the job type from the template space
func (t *OIDTemplate) JobType() JobType {
	if t.Space == string(JobTypeDiscovery) {
		return JobTypeDiscovery
	}
	return JobTypeGet
}

// DefaultPriority returns the priority a node inherits from this template
func (t *OIDTemplate) DefaultPriority() int {
	if t.JobType() == JobTypeDiscovery {
		return PriorityDiscovery
	}
	return PriorityGet
}

// WorkflowNode is a schedulable unit. A master node runs on an interval
// and carries NextRunAt; a chain node runs only after its master (or its
// predecessor in the chain) reaches a terminal state and never carries
// NextRunAt.
type WorkflowNode struct {
	ID              int64      `db:"id" json:"id"`
	WorkflowID      int64      `db:"workflow_id" json:"workflow_id"`
	Name            string     `db:"name" json:"name"`
	Key             string     `db:"key" json:"key"`
	Enabled         bool       `db:"enabled" json:"enabled"`
	IsChainNode     bool       `db:"is_chain_node" json:"is_chain_node"`
	MasterNodeID    *int64     `db:"master_node_id" json:"master_node_id,omitempty"`
	IntervalSeconds *int       `db:"interval_seconds" json:"interval_seconds,omitempty"`
	Priority        int        `db:"priority" json:"priority"`
	OIDTemplateID   int64      `db:"oid_template_id" json:"oid_template_id"`
	NextRunAt       *time.Time `db:"next_run_at" json:"next_run_at,omitempty"`
	LastRunAt       *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	LastSuccessAt   *time.Time `db:"last_success_at" json:"last_success_at,omitempty"`
	LastFailureAt   *time.Time `db:"last_failure_at" json:"last_failure_at,omitempty"`
}

// IsMaster reports whether this node is schedulable on an interval
func (n *WorkflowNode) IsMaster() bool {
	return !n.IsChainNode
}

// Interval returns the master's interval as a duration, zero for chain nodes
func (n *WorkflowNode) Interval() time.Duration {
	if n.IntervalSeconds == nil {
		return 0
	}
	return time.Duration(*n.IntervalSeconds) * time.Second
}

// ExecutionStatus represents the state of one execution attempt
type ExecutionStatus string

const (
	ExecutionPending     ExecutionStatus = "PENDING"
	ExecutionRunning     ExecutionStatus = "RUNNING"
	ExecutionSuccess     ExecutionStatus = "SUCCESS"
	ExecutionFailed      ExecutionStatus = "FAILED"
	ExecutionInterrupted ExecutionStatus = "INTERRUPTED"
)

// Terminal reports whether the status is final
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionInterrupted:
		return true
	}
	return false
}

// Active reports whether the status counts toward in-flight limits
func (s ExecutionStatus) Active() bool {
	return s == ExecutionPending || s == ExecutionRunning
}

// ResultSummary keys written by the core and the downstream runtime
const (
	// ResultKeyReconciled is set by the discovery runtime once the ONU
	// inventory reconciliation for a walk has been persisted. The
	// completion dispatcher waits for it before starting a chain.
	ResultKeyReconciled = "reconciled"

	// ResultKeyTrigger records provenance for manually enqueued runs
	ResultKeyTrigger = "trigger"

	// ResultKeyPollerID records which worker slot dispatched the execution
	ResultKeyPollerID = "poller_id"

	// ResultKeySchedAdvanced marks that the completion dispatcher already
	// advanced the node's scheduling state for this execution
	ResultKeySchedAdvanced = "sched_advanced"

	// ResultKeyChainCascaded marks that the completion dispatcher already
	// handed this execution's chain successor off
	ResultKeyChainCascaded = "chain_cascaded"
)

// Execution is one attempt at running a workflow node. Immutable once
// terminal.
type Execution struct {
	ID             string            `db:"id" json:"id"`
	NodeID         int64             `db:"node_id" json:"node_id"`
	OLTID          int64             `db:"olt_id" json:"olt_id"`
	JobType        JobType           `db:"job_type" json:"job_type"`
	Status         ExecutionStatus   `db:"status" json:"status"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	StartedAt      *time.Time        `db:"started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time        `db:"finished_at" json:"finished_at,omitempty"`
	DurationMS     int64             `db:"duration_ms" json:"duration_ms"`
	ExternalTaskID string            `db:"external_task_id" json:"external_task_id,omitempty"`
	Error          string            `db:"error" json:"error,omitempty"`
	ResultSummary  map[string]string `db:"-" json:"result_summary,omitempty"`
}
