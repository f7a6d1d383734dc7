package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gponlabs/oltmon/pkg/log"
	"github.com/gponlabs/oltmon/pkg/types"
)

// Task is one unit of work handed to the downstream execution runtime
type Task struct {
	ID          string        `json:"id"`
	JobType     types.JobType `json:"job_type"`
	JobID       int64         `json:"job_id"` // OID template ID
	OLTID       int64         `json:"olt_id"`
	NodeID      int64         `json:"node_id"`
	ExecutionID string        `json:"execution_id"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// Result is the terminal-state report the runtime sends back
type Result struct {
	OLTID       int64                 `json:"olt_id"`
	ExecutionID string                `json:"execution_id"`
	Status      types.ExecutionStatus `json:"status"`
	DurationMS  int64                 `json:"duration_ms"`
}

// Submitter hands tasks to the downstream execution runtime. The core
// never performs SNMP I/O itself; it only decides when and what to submit.
type Submitter interface {
	Submit(ctx context.Context, task Task) (string, error)
}

// ResultHandler is invoked once per terminal-state report
type ResultHandler func(ctx context.Context, res Result) error

// Redis key layout shared with the downstream runtime
const (
	taskQueuePrefix = "oltmon:tasks:"
	resultQueueKey  = "oltmon:results"
)

// RedisQueue implements Submitter on a Redis list per job type and
// consumes terminal-state reports from a shared result list.
type RedisQueue struct {
	client redis.UniversalClient
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRedisQueue creates a Redis-backed task queue boundary
func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{
		client: client,
		logger: log.WithComponent("runtime"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Submit pushes a task envelope onto the job type's queue and returns
// the external task ID
func (q *RedisQueue) Submit(ctx context.Context, task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.SubmittedAt = time.Now()

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}

	queue := taskQueuePrefix + string(task.JobType)
	if err := q.client.LPush(ctx, queue, data).Err(); err != nil {
		return "", fmt.Errorf("failed to submit task to %s: %w", queue, err)
	}
	return task.ID, nil
}

// ConsumeResults blocks on the result list and feeds each report to the
// handler until Stop is called. Malformed payloads are logged and dropped.
func (q *RedisQueue) ConsumeResults(ctx context.Context, handler ResultHandler) {
	defer close(q.doneCh)

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		vals, err := q.client.BRPop(ctx, 2*time.Second, resultQueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			q.logger.Error().Err(err).Msg("Failed to pop result")
			time.Sleep(time.Second)
			continue
		}
		if len(vals) != 2 {
			continue
		}

		var res Result
		if err := json.Unmarshal([]byte(vals[1]), &res); err != nil {
			q.logger.Error().Err(err).Str("payload", vals[1]).Msg("Malformed result payload")
			continue
		}

		if err := handler(ctx, res); err != nil {
			q.logger.Error().Err(err).Str("execution_id", res.ExecutionID).Msg("Result handler failed")
		}
	}
}

// Stop terminates the result consumer
func (q *RedisQueue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

// LoopbackSubmitter is an in-process stand-in for the downstream runtime
// used in single-node development mode. Every submitted task reports
// SUCCESS after a fixed simulated round-trip.
type LoopbackSubmitter struct {
	Handler ResultHandler
	Delay   time.Duration
	logger  zerolog.Logger
}

// NewLoopbackSubmitter creates a loopback runtime with the given
// simulated task duration
func NewLoopbackSubmitter(handler ResultHandler, delay time.Duration) *LoopbackSubmitter {
	return &LoopbackSubmitter{
		Handler: handler,
		Delay:   delay,
		logger:  log.WithComponent("runtime-loopback"),
	}
}

// SetHandler wires the completion handler after construction. The
// dispatcher and the submitter reference each other, so one side has to
// be bound late.
func (s *LoopbackSubmitter) SetHandler(handler ResultHandler) {
	s.Handler = handler
}

func (s *LoopbackSubmitter) Submit(ctx context.Context, task Task) (string, error) {
	id := uuid.New().String()

	go func() {
		time.Sleep(s.Delay)
		res := Result{
			OLTID:       task.OLTID,
			ExecutionID: task.ExecutionID,
			Status:      types.ExecutionSuccess,
			DurationMS:  s.Delay.Milliseconds(),
		}
		if err := s.Handler(context.Background(), res); err != nil {
			s.logger.Error().Err(err).Str("execution_id", task.ExecutionID).Msg("Loopback completion failed")
		}
	}()

	return id, nil
}
