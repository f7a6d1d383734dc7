package scheduler

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gponlabs/oltmon/pkg/composite"
	"github.com/gponlabs/oltmon/pkg/log"
	"github.com/gponlabs/oltmon/pkg/metrics"
	"github.com/gponlabs/oltmon/pkg/poller"
	"github.com/gponlabs/oltmon/pkg/storage"
	"github.com/gponlabs/oltmon/pkg/types"
)

const (
	// maxDispatchPerTick bounds how many composite nodes one tick hands to
	// the pool, so a cold start with hundreds of due masters cannot stall
	// the loop.
	maxDispatchPerTick = 20

	// maxDrainPerTick bounds the backlog drain at the end of each tick
	maxDrainPerTick = 10

	// repairFallback schedules a repaired master with no interval
	repairFallback = time.Minute
)

// Scheduler drives the polling cycle: every tick it gathers the due
// master nodes, wraps each with its chain into a composite node, orders
// them and hands them to the worker pool.
type Scheduler struct {
	store    storage.Store
	pool     *poller.Pool
	interval time.Duration
	logger   zerolog.Logger

	// saturation warnings are rate limited so a congested pool does not
	// flood the log at tick frequency
	satWarn *rate.Limiter

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler ticking at the given interval
func NewScheduler(store storage.Store, pool *poller.Pool, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		store:    store,
		pool:     pool,
		interval: interval,
		logger:   log.WithComponent("scheduler"),
		satWarn:  rate.NewLimiter(rate.Every(30*time.Second), 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	s.running.Store(true)
	go s.run()
	s.logger.Info().Dur("interval", s.interval).Msg("Scheduler started")
}

// Stop stops the scheduler loop and waits for the in-flight tick
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.running.Store(false)
	s.logger.Info().Msg("Scheduler stopped")
}

// Running reports whether the loop is active
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Tick(context.Background(), time.Now()); err != nil {
				s.logger.Error().Err(err).Msg("Scheduler tick failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Tick performs one scheduling cycle. Exported so tests and the manual
// run path can drive the cycle without the ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	s.repairUnscheduled(ctx, now)

	candidates, err := s.gatherReady(ctx, now)
	if err != nil {
		return err
	}

	dispatched := 0
	for _, cn := range candidates {
		if dispatched >= maxDispatchPerTick {
			// The rest stays due and will surface on the next tick
			break
		}
		// Synchronous, so a sibling master of the same OLT later in this
		// batch sees the execution in storage and buffers instead of
		// double-dispatching.
		outcome, err := s.pool.AssignSync(ctx, cn, nil)
		if err != nil {
			s.logger.Error().Err(err).
				Int64("node_id", cn.MasterID()).
				Int64("olt_id", cn.OLTID()).
				Msg("Failed to assign composite node")
			continue
		}
		if outcome != nil && outcome.Kind == composite.Rejected && outcome.Reason == composite.ReasonOLTBusy {
			s.pool.Enqueue(cn)
		}
		dispatched++
	}
	if dispatched > 0 {
		metrics.NodesScheduled.Add(float64(dispatched))
	}

	s.pool.ProcessQueue(ctx, maxDrainPerTick)

	if s.pool.IsSaturated() && s.satWarn.Allow() {
		stats := s.pool.Stats(ctx)
		s.logger.Warn().
			Int("busy_pollers", stats.BusyPollers).
			Int("queue_size", stats.QueueSize).
			Float64("busy_percentage", stats.BusyPercentage).
			Msg("Poller pool saturated")
	}
	return nil
}

// gatherReady builds the tick's ordered composite-node list: due masters
// minus anything with an in-flight execution on the same node or OLT.
func (s *Scheduler) gatherReady(ctx context.Context, now time.Time) ([]*composite.Node, error) {
	masters, err := s.store.ListReadyMasters(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(masters) == 0 {
		return nil, nil
	}

	activeNodes, activeOLTs, err := s.activeSets(ctx)
	if err != nil {
		return nil, err
	}

	workflows := map[int64]*types.Workflow{}
	olts := map[int64]*types.OLT{}

	candidates := make([]*composite.Node, 0, len(masters))
	for _, master := range masters {
		if activeNodes[master.ID] {
			continue
		}

		wf, ok := workflows[master.WorkflowID]
		if !ok {
			wf, err = s.store.GetWorkflow(ctx, master.WorkflowID)
			if err != nil {
				s.logger.Error().Err(err).Int64("node_id", master.ID).Msg("Failed to load workflow")
				continue
			}
			workflows[master.WorkflowID] = wf
		}

		if activeOLTs[wf.OLTID] {
			continue
		}

		olt, ok := olts[wf.OLTID]
		if !ok {
			olt, err = s.store.GetOLT(ctx, wf.OLTID)
			if err != nil {
				s.logger.Error().Err(err).Int64("olt_id", wf.OLTID).Msg("Failed to load OLT")
				continue
			}
			olts[wf.OLTID] = olt
		}

		chain, err := s.store.ListChainNodes(ctx, master.ID)
		if err != nil {
			s.logger.Error().Err(err).Int64("node_id", master.ID).Msg("Failed to load chain nodes")
			continue
		}

		cn := composite.New(master, chain, wf, olt)
		cn.CalculateDelay(now)
		candidates = append(candidates, cn)
	}

	// Delayed first, largest delay first, then priority
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Less(candidates[j])
	})
	return candidates, nil
}

// activeSets returns the node IDs and OLT IDs with in-flight executions
func (s *Scheduler) activeSets(ctx context.Context) (map[int64]bool, map[int64]bool, error) {
	active, err := s.store.ListActiveExecutions(ctx)
	if err != nil {
		return nil, nil, err
	}
	nodes := make(map[int64]bool, len(active))
	olts := make(map[int64]bool, len(active))
	for _, exec := range active {
		nodes[exec.NodeID] = true
		olts[exec.OLTID] = true
	}
	return nodes, olts, nil
}

// repairUnscheduled gives masters with a null next_run_at a schedule
// again. Interval-bearing nodes wait one full interval from now; nodes
// without an interval get a short grace period.
func (s *Scheduler) repairUnscheduled(ctx context.Context, now time.Time) {
	masters, err := s.store.ListUnscheduledMasters(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list unscheduled masters")
		return
	}

	for _, master := range masters {
		next := now.Add(repairFallback)
		if master.IntervalSeconds != nil && *master.IntervalSeconds > 0 {
			next = now.Add(master.Interval())
		}
		master.NextRunAt = &next
		if err := s.store.UpdateWorkflowNode(ctx, master); err != nil {
			s.logger.Error().Err(err).Int64("node_id", master.ID).Msg("Failed to repair node schedule")
			continue
		}
		s.logger.Info().
			Int64("node_id", master.ID).
			Time("next_run_at", next).
			Msg("Repaired node with no schedule")
	}
}
