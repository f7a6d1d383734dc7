package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/gponlabs/oltmon/pkg/types"
)

var (
	// Bucket names
	bucketOLTs         = []byte("olts")
	bucketWorkflows    = []byte("workflows")
	bucketNodes        = []byte("workflow_nodes")
	bucketOIDTemplates = []byte("oid_templates")
	bucketExecutions   = []byte("executions")
)

// BoltStore implements Store using an embedded BoltDB database. It is the
// single-node deployment store; multi-replica deployments use Postgres.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "oltmon.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketOLTs,
			bucketWorkflows,
			bucketNodes,
			bucketOIDTemplates,
			bucketExecutions,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func intKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

// OLT operations

func (s *BoltStore) CreateOLT(_ context.Context, olt *types.OLT) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOLTs)
		data, err := json.Marshal(olt)
		if err != nil {
			return err
		}
		return b.Put(intKey(olt.ID), data)
	})
}

func (s *BoltStore) GetOLT(_ context.Context, id int64) (*types.OLT, error) {
	var olt types.OLT
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOLTs).Get(intKey(id))
		if data == nil {
			return fmt.Errorf("olt %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &olt)
	})
	if err != nil {
		return nil, err
	}
	return &olt, nil
}

func (s *BoltStore) ListOLTs(_ context.Context) ([]*types.OLT, error) {
	var olts []*types.OLT
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOLTs).ForEach(func(k, v []byte) error {
			var olt types.OLT
			if err := json.Unmarshal(v, &olt); err != nil {
				return err
			}
			olts = append(olts, &olt)
			return nil
		})
	})
	return olts, err
}

func (s *BoltStore) UpdateOLT(ctx context.Context, olt *types.OLT) error {
	return s.CreateOLT(ctx, olt) // Same as create (upsert)
}

// Workflow operations

func (s *BoltStore) CreateWorkflow(_ context.Context, wf *types.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		data, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		return b.Put(intKey(wf.ID), data)
	})
}

func (s *BoltStore) GetWorkflow(_ context.Context, id int64) (*types.Workflow, error) {
	var wf types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get(intKey(id))
		if data == nil {
			return fmt.Errorf("workflow %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *BoltStore) GetWorkflowByOLT(_ context.Context, oltID int64) (*types.Workflow, error) {
	var found *types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf types.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return err
			}
			if wf.OLTID == oltID {
				found = &wf
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("workflow for olt %d: %w", oltID, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) UpdateWorkflow(ctx context.Context, wf *types.Workflow) error {
	return s.CreateWorkflow(ctx, wf)
}

// OID template operations

func (s *BoltStore) CreateOIDTemplate(_ context.Context, tpl *types.OIDTemplate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOIDTemplates)
		data, err := json.Marshal(tpl)
		if err != nil {
			return err
		}
		return b.Put(intKey(tpl.ID), data)
	})
}

func (s *BoltStore) GetOIDTemplate(_ context.Context, id int64) (*types.OIDTemplate, error) {
	var tpl types.OIDTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOIDTemplates).Get(intKey(id))
		if data == nil {
			return fmt.Errorf("oid template %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &tpl)
	})
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

// Workflow node operations

func (s *BoltStore) CreateWorkflowNode(_ context.Context, node *types.WorkflowNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put(intKey(node.ID), data)
	})
}

func (s *BoltStore) GetWorkflowNode(_ context.Context, id int64) (*types.WorkflowNode, error) {
	var node types.WorkflowNode
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get(intKey(id))
		if data == nil {
			return fmt.Errorf("workflow node %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) UpdateWorkflowNode(ctx context.Context, node *types.WorkflowNode) error {
	return s.CreateWorkflowNode(ctx, node)
}

func (s *BoltStore) listNodes(filter func(*types.WorkflowNode) bool) ([]*types.WorkflowNode, error) {
	var nodes []*types.WorkflowNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.WorkflowNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if filter(&node) {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) pollableContext(ctx context.Context, node *types.WorkflowNode) (bool, error) {
	wf, err := s.GetWorkflow(ctx, node.WorkflowID)
	if err != nil {
		return false, nil // dangling node, invisible to the scheduler
	}
	if !wf.Active {
		return false, nil
	}
	olt, err := s.GetOLT(ctx, wf.OLTID)
	if err != nil {
		return false, nil
	}
	return olt.Pollable(), nil
}

func (s *BoltStore) ListReadyMasters(ctx context.Context, now time.Time) ([]*types.WorkflowNode, error) {
	candidates, err := s.listNodes(func(n *types.WorkflowNode) bool {
		return n.Enabled && n.IsMaster() && n.NextRunAt != nil && !n.NextRunAt.After(now)
	})
	if err != nil {
		return nil, err
	}

	var ready []*types.WorkflowNode
	for _, node := range candidates {
		ok, err := s.pollableContext(ctx, node)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, node)
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready, nil
}

func (s *BoltStore) ListUnscheduledMasters(ctx context.Context) ([]*types.WorkflowNode, error) {
	candidates, err := s.listNodes(func(n *types.WorkflowNode) bool {
		return n.Enabled && n.IsMaster() && n.NextRunAt == nil
	})
	if err != nil {
		return nil, err
	}

	var masters []*types.WorkflowNode
	for _, node := range candidates {
		ok, err := s.pollableContext(ctx, node)
		if err != nil {
			return nil, err
		}
		if ok {
			masters = append(masters, node)
		}
	}
	return masters, nil
}

func (s *BoltStore) ListChainNodes(_ context.Context, masterID int64) ([]*types.WorkflowNode, error) {
	chain, err := s.listNodes(func(n *types.WorkflowNode) bool {
		return n.Enabled && n.IsChainNode && n.MasterNodeID != nil && *n.MasterNodeID == masterID
	})
	if err != nil {
		return nil, err
	}

	// Chain total order: (priority desc, id asc)
	sort.Slice(chain, func(i, j int) bool {
		if chain[i].Priority != chain[j].Priority {
			return chain[i].Priority > chain[j].Priority
		}
		return chain[i].ID < chain[j].ID
	})
	return chain, nil
}

// Execution operations

func (s *BoltStore) CreateExecution(_ context.Context, exec *types.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data, err := json.Marshal(exec)
		if err != nil {
			return err
		}
		return b.Put([]byte(exec.ID), data)
	})
}

func (s *BoltStore) GetExecution(_ context.Context, id string) (*types.Execution, error) {
	var exec types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *BoltStore) UpdateExecution(ctx context.Context, exec *types.Execution) error {
	return s.CreateExecution(ctx, exec)
}

func (s *BoltStore) listExecutions(filter func(*types.Execution) bool) ([]*types.Execution, error) {
	var execs []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(k, v []byte) error {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if filter(&exec) {
				execs = append(execs, &exec)
			}
			return nil
		})
	})
	return execs, err
}

func (s *BoltStore) ListActiveExecutions(_ context.Context) ([]*types.Execution, error) {
	return s.listExecutions(func(e *types.Execution) bool {
		return e.Status.Active()
	})
}

func (s *BoltStore) ListActiveExecutionsByNode(_ context.Context, nodeID int64) ([]*types.Execution, error) {
	return s.listExecutions(func(e *types.Execution) bool {
		return e.NodeID == nodeID && e.Status.Active()
	})
}

func (s *BoltStore) ListActiveExecutionsByOLT(_ context.Context, oltID int64) ([]*types.Execution, error) {
	return s.listExecutions(func(e *types.Execution) bool {
		return e.OLTID == oltID && e.Status.Active()
	})
}

func (s *BoltStore) ListStalePendingExecutions(_ context.Context, olderThan time.Time) ([]*types.Execution, error) {
	return s.listExecutions(func(e *types.Execution) bool {
		return e.Status == types.ExecutionPending && e.CreatedAt.Before(olderThan)
	})
}
