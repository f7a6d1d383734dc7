package composite

import (
	"time"

	"github.com/gponlabs/oltmon/pkg/types"
)

// Node is the atomic unit the scheduler reasons about: one master
// workflow node plus its ordered chain, the workflow, and the OLT.
// Composite nodes are ephemeral; they live from one scheduler tick until
// the master dispatch completes.
type Node struct {
	Master   *types.WorkflowNode
	Chain    []*types.WorkflowNode
	Workflow *types.Workflow
	OLT      *types.OLT

	// Scheduling metadata, filled by CalculateDelay
	Delayed      bool
	DelaySeconds int64
	Priority     int
}

// New builds a composite node. The chain must already be in
// (priority desc, id asc) order.
func New(master *types.WorkflowNode, chain []*types.WorkflowNode, wf *types.Workflow, olt *types.OLT) *Node {
	return &Node{
		Master:   master,
		Chain:    chain,
		Workflow: wf,
		OLT:      olt,
		Priority: master.Priority,
	}
}

// MasterID returns the master node's ID, the queue dedup key
func (n *Node) MasterID() int64 {
	return n.Master.ID
}

// OLTID returns the owning OLT's ID
func (n *Node) OLTID() int64 {
	return n.OLT.ID
}

// CalculateDelay computes how overdue the master is. A master is delayed
// when it has missed at least one full cycle.
func (n *Node) CalculateDelay(now time.Time) {
	n.Delayed = false
	n.DelaySeconds = 0

	if n.Master.NextRunAt == nil || !n.Master.NextRunAt.Before(now) {
		return
	}

	n.DelaySeconds = int64(now.Sub(*n.Master.NextRunAt) / time.Second)
	if n.Master.IntervalSeconds != nil {
		n.Delayed = n.DelaySeconds > int64(*n.Master.IntervalSeconds)
	}
}

// Less orders composite nodes for dispatch: delayed first, then largest
// delay, then highest priority. This is the queue ordering key
// (¬delayed, −delay, −priority).
func (n *Node) Less(other *Node) bool {
	if n.Delayed != other.Delayed {
		return n.Delayed
	}
	if n.DelaySeconds != other.DelaySeconds {
		return n.DelaySeconds > other.DelaySeconds
	}
	return n.Priority > other.Priority
}
