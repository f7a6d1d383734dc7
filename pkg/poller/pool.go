package poller

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gponlabs/oltmon/pkg/composite"
	"github.com/gponlabs/oltmon/pkg/events"
	"github.com/gponlabs/oltmon/pkg/log"
	"github.com/gponlabs/oltmon/pkg/metrics"
	"github.com/gponlabs/oltmon/pkg/queue"
	"github.com/gponlabs/oltmon/pkg/storage"
	"github.com/gponlabs/oltmon/pkg/types"
)

// DefaultSize is the worker slot count when no configuration overrides it
const DefaultSize = 10

// saturationBusyPercent above which the pool reports saturation
const saturationBusyPercent = 75.0

// Pool owns the worker slots and the backlog queue, and enforces per-OLT
// serialization on the way in.
type Pool struct {
	slots  []*Slot
	queue  *queue.NodeQueue
	disp   *composite.Dispatcher
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	mu           sync.Mutex // guards slot acquisition
	tasksDelayed atomic.Int64
}

// NewPool creates a pool of n worker slots draining the given queue
func NewPool(n int, q *queue.NodeQueue, disp *composite.Dispatcher, store storage.Store, broker *events.Broker) *Pool {
	if n <= 0 {
		n = DefaultSize
	}
	slots := make([]*Slot, n)
	for i := range slots {
		slots[i] = newSlot(i)
	}
	metrics.PollersTotal.Set(float64(n))
	return &Pool{
		slots:  slots,
		queue:  q,
		disp:   disp,
		store:  store,
		broker: broker,
		logger: log.WithComponent("poller-pool"),
	}
}

// Size returns the number of worker slots
func (p *Pool) Size() int {
	return len(p.slots)
}

// Queue returns the backlog queue
func (p *Pool) Queue() *queue.NodeQueue {
	return p.queue
}

// HasFreeSlot reports whether any slot is FREE
func (p *Pool) HasFreeSlot() bool {
	for _, slot := range p.slots {
		if slot.Status() == SlotFree {
			return true
		}
	}
	return false
}

// IsOLTBusy reports whether the OLT has any in-flight execution. This is
// the per-OLT mutex.
func (p *Pool) IsOLTBusy(ctx context.Context, oltID int64) (bool, error) {
	active, err := p.store.ListActiveExecutionsByOLT(ctx, oltID)
	if err != nil {
		return false, err
	}
	return len(active) > 0, nil
}

// acquireFreeSlot reserves a FREE slot for the composite node
func (p *Pool) acquireFreeSlot(cn *composite.Node) *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, slot := range p.slots {
		if slot.reserve(cn) {
			return slot
		}
	}
	return nil
}

// Assign hands a composite node to a free slot, or buffers it. The
// dispatch itself runs on a background goroutine; Assign returns as soon
// as the node has a slot or a queue position.
func (p *Pool) Assign(ctx context.Context, cn *composite.Node) error {
	busy, err := p.IsOLTBusy(ctx, cn.OLTID())
	if err != nil {
		return err
	}
	if busy {
		p.enqueue(cn)
		return nil
	}

	slot := p.acquireFreeSlot(cn)
	if slot == nil {
		p.enqueue(cn)
		return nil
	}

	go func() {
		outcome := p.execute(context.Background(), slot, cn, nil, true)
		if outcome == nil || outcome.Kind != composite.Dispatched {
			// The slot freed up without an in-flight execution; give the
			// OLT's backlog another chance.
			p.ProcessQueueForOLT(context.Background(), cn.OLTID())
		}
	}()
	return nil
}

// AssignSync runs the dispatch on the calling goroutine, so the new
// execution is visible in storage before the caller moves on. A busy OLT
// comes back as a Rejected outcome instead of being buffered.
func (p *Pool) AssignSync(ctx context.Context, cn *composite.Node, summary map[string]string) (*composite.Outcome, error) {
	if cn.Delayed {
		p.tasksDelayed.Add(1)
		metrics.NodesDelayed.Inc()
	}

	busy, err := p.IsOLTBusy(ctx, cn.OLTID())
	if err != nil {
		return nil, err
	}
	if busy {
		// Not buffered here: the caller decides whether a busy device
		// means enqueue (scheduler, manual run) or drop (chain handoff).
		return &composite.Outcome{Kind: composite.Rejected, Reason: composite.ReasonOLTBusy}, nil
	}

	slot := p.acquireFreeSlot(cn)
	if slot == nil {
		p.enqueue(cn)
		return nil, nil
	}
	return p.execute(ctx, slot, cn, summary, false), nil
}

// execute runs the dispatch protocol on a reserved slot. The slot stays
// BUSY on success; every other outcome frees it.
func (p *Pool) execute(ctx context.Context, slot *Slot, cn *composite.Node, summary map[string]string, requeueOnBusy bool) *composite.Outcome {
	if summary == nil {
		summary = map[string]string{}
	}
	summary[types.ResultKeyPollerID] = strconv.Itoa(slot.ID())

	outcome, err := p.disp.Dispatch(ctx, cn, summary)
	if err != nil {
		slot.forceRelease()
		p.logger.Error().Err(err).
			Int64("node_id", cn.MasterID()).
			Int64("olt_id", cn.OLTID()).
			Msg("Dispatch failed")
		return nil
	}

	switch outcome.Kind {
	case composite.Dispatched:
		slot.bindExecution(outcome.Execution.ID)
		metrics.PollersBusy.Set(float64(p.busyCount()))
		p.broker.Publish(&events.Event{
			Type:        events.EventExecutionDispatched,
			OLTID:       cn.OLTID(),
			NodeID:      cn.MasterID(),
			ExecutionID: outcome.Execution.ID,
		})
	case composite.AlreadyRunning:
		slot.forceRelease()
	case composite.Rejected:
		slot.forceRelease()
		if outcome.Reason == composite.ReasonOLTBusy {
			if requeueOnBusy {
				// Lost a race against another dispatch for this OLT; keep
				// the node for the next drain.
				p.enqueue(cn)
			}
		} else {
			p.logger.Warn().
				Int64("node_id", cn.MasterID()).
				Str("reason", outcome.Reason).
				Msg("Dispatch rejected")
		}
	}
	return outcome
}

// Enqueue buffers a composite node for a later drain
func (p *Pool) Enqueue(cn *composite.Node) {
	p.enqueue(cn)
}

func (p *Pool) enqueue(cn *composite.Node) {
	if !p.queue.Put(cn) {
		metrics.QueueDropped.Inc()
	}
	metrics.QueueSize.Set(float64(p.queue.Len()))
}

// ProcessQueue pops up to max entries into free slots. Bounded so one
// call cannot starve completion handling.
func (p *Pool) ProcessQueue(ctx context.Context, max int) {
	for i := 0; i < max; i++ {
		if !p.HasFreeSlot() || p.queue.Empty() {
			return
		}
		cn := p.queue.Get()
		if cn == nil {
			return
		}
		metrics.QueueSize.Set(float64(p.queue.Len()))
		if err := p.Assign(ctx, cn); err != nil {
			p.logger.Error().Err(err).Int64("node_id", cn.MasterID()).Msg("Failed to assign queued node")
			p.enqueue(cn)
			return
		}
	}
}

// ProcessQueueForOLT picks the first queued entry for the OLT and
// assigns it. Called when an OLT's current execution finishes.
func (p *Pool) ProcessQueueForOLT(ctx context.Context, oltID int64) {
	cn := p.queue.TakeForOLT(oltID)
	if cn == nil {
		return
	}
	metrics.QueueSize.Set(float64(p.queue.Len()))
	if err := p.Assign(ctx, cn); err != nil {
		p.logger.Error().Err(err).Int64("node_id", cn.MasterID()).Msg("Failed to assign backlog node")
		p.enqueue(cn)
	}
}

// ReleaseForExecution frees the slot holding the given execution.
// Returns false when no slot holds it (already released, or dispatched
// by another replica).
func (p *Pool) ReleaseForExecution(executionID string, durationMS int64) bool {
	for _, slot := range p.slots {
		if slot.releaseForExecution(executionID, msToDuration(durationMS)) {
			metrics.PollersBusy.Set(float64(p.busyCount()))
			return true
		}
	}
	return false
}

// Reconcile force-frees every busy slot whose execution is terminal in
// storage. Repair for completion callbacks that never arrived.
func (p *Pool) Reconcile(ctx context.Context) {
	for _, slot := range p.slots {
		execID := slot.executionID()
		if slot.Status() != SlotBusy || execID == "" {
			continue
		}
		exec, err := p.store.GetExecution(ctx, execID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Unknown execution: the slot can never be released normally
				p.logger.Warn().Str("execution_id", execID).Msg("Reconciling slot with unknown execution")
				slot.forceRelease()
			}
			continue
		}
		if exec.Status.Terminal() {
			p.logger.Warn().
				Str("execution_id", execID).
				Int("slot_id", slot.ID()).
				Msg("Freeing slot with terminal execution")
			slot.forceRelease()
		}
	}
	metrics.PollersBusy.Set(float64(p.busyCount()))
}

func (p *Pool) busyCount() int {
	busy := 0
	for _, slot := range p.slots {
		if slot.Status() == SlotBusy {
			busy++
		}
	}
	return busy
}

// IsSaturated reports whether the pool is under pressure: most slots
// busy, a deep backlog, or all slots busy with anything queued.
func (p *Pool) IsSaturated() bool {
	busy := p.busyCount()
	busyPct := 100 * float64(busy) / float64(len(p.slots))
	queued := p.queue.Len()

	if busyPct > saturationBusyPercent {
		return true
	}
	if queued > 2*len(p.slots) {
		return true
	}
	return busy == len(p.slots) && queued > 0
}

// IsOverload reports whether the queue is close to dropping entries
func (p *Pool) IsOverload() bool {
	return p.queue.IsOverload()
}

// Stats is the authoritative pool snapshot for observability
type Stats struct {
	TotalPollers        int     `json:"total_pollers"`
	FreePollers         int     `json:"free_pollers"`
	BusyPollers         int     `json:"busy_pollers"`
	BusyPercentage      float64 `json:"busy_percentage"`
	QueueSize           int     `json:"queue_size"`
	QueueMaxSize        int     `json:"queue_max_size"`
	IsSaturated         bool    `json:"is_saturated"`
	IsOverload          bool    `json:"is_overload"`
	TotalTasksCompleted int64   `json:"total_tasks_completed"`
	TotalTasksDelayed   int64   `json:"total_tasks_delayed"`
}

// Stats reconciles the slots against storage and returns a snapshot
func (p *Pool) Stats(ctx context.Context) Stats {
	p.Reconcile(ctx)

	busy := 0
	var completed int64
	for _, slot := range p.slots {
		snap := slot.Snapshot()
		if snap.Status == SlotBusy {
			busy++
		}
		completed += snap.TasksCompleted
	}

	stats := Stats{
		TotalPollers:        len(p.slots),
		FreePollers:         len(p.slots) - busy,
		BusyPollers:         busy,
		BusyPercentage:      100 * float64(busy) / float64(len(p.slots)),
		QueueSize:           p.queue.Len(),
		QueueMaxSize:        p.queue.MaxSize(),
		IsSaturated:         p.IsSaturated(),
		IsOverload:          p.IsOverload(),
		TotalTasksCompleted: completed,
		TotalTasksDelayed:   p.tasksDelayed.Load(),
	}

	if stats.IsSaturated {
		metrics.PoolSaturated.Set(1)
	} else {
		metrics.PoolSaturated.Set(0)
	}
	return stats
}

// Snapshots returns the public view of every slot
func (p *Pool) Snapshots() []Snapshot {
	snaps := make([]Snapshot, 0, len(p.slots))
	for _, slot := range p.slots {
		snaps = append(snaps, slot.Snapshot())
	}
	return snaps
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
