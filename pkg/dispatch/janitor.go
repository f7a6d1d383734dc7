package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/gponlabs/oltmon/pkg/events"
	"github.com/gponlabs/oltmon/pkg/log"
	"github.com/gponlabs/oltmon/pkg/metrics"
	"github.com/gponlabs/oltmon/pkg/poller"
	"github.com/gponlabs/oltmon/pkg/storage"
	"github.com/gponlabs/oltmon/pkg/types"
)

const janitorInterval = time.Minute

// Janitor is the repair loop for executions the runtime never reported
// on. A PENDING execution older than maxAge is assumed lost, marked
// INTERRUPTED, and its OLT and worker slot are handed back.
type Janitor struct {
	store  storage.Store
	pool   *poller.Pool
	broker *events.Broker
	maxAge time.Duration
	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewJanitor creates a janitor with the given stale-PENDING age
func NewJanitor(store storage.Store, pool *poller.Pool, broker *events.Broker, maxAge time.Duration) *Janitor {
	return &Janitor{
		store:  store,
		pool:   pool,
		broker: broker,
		maxAge: maxAge,
		logger: log.WithComponent("janitor"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the janitor loop
func (j *Janitor) Start() {
	go j.run()
	j.logger.Info().Dur("pending_max_age", j.maxAge).Msg("Janitor started")
}

// Stop stops the janitor loop and waits for the in-flight sweep
func (j *Janitor) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

func (j *Janitor) run() {
	defer close(j.doneCh)

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := j.Sweep(context.Background(), time.Now()); err != nil {
				j.logger.Error().Err(err).Msg("Janitor sweep failed")
			}
		case <-j.stopCh:
			return
		}
	}
}

// Sweep performs one repair pass. Exported so tests can drive it
// without the ticker.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) error {
	stale, err := j.store.ListStalePendingExecutions(ctx, now.Add(-j.maxAge))
	if err != nil {
		return err
	}

	for _, exec := range stale {
		exec.Status = types.ExecutionInterrupted
		exec.Error = "no terminal report within pending max age"
		exec.FinishedAt = &now
		if err := j.store.UpdateExecution(ctx, exec); err != nil {
			j.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to interrupt stale execution")
			continue
		}

		metrics.ExecutionsInterruptedByJanitor.Inc()
		metrics.ExecutionsTotal.WithLabelValues(string(exec.JobType), string(types.ExecutionInterrupted)).Inc()
		j.broker.Publish(&events.Event{
			Type:        events.EventExecutionInterrupted,
			OLTID:       exec.OLTID,
			NodeID:      exec.NodeID,
			ExecutionID: exec.ID,
		})
		j.logger.Warn().
			Str("execution_id", exec.ID).
			Int64("node_id", exec.NodeID).
			Int64("olt_id", exec.OLTID).
			Time("created_at", exec.CreatedAt).
			Msg("Interrupted stale PENDING execution")

		j.pool.ReleaseForExecution(exec.ID, 0)
		j.pool.ProcessQueueForOLT(ctx, exec.OLTID)
	}

	// Catch slots orphaned by lost reports that were RUNNING, too
	j.pool.Reconcile(ctx)
	return nil
}
