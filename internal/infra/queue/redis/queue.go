// Package redis implements the task queue on Redis Streams. Every worker
// group is one consumer group on a single stream, so each group sees every
// assignment while replicas inside a group share its entries.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/pkg/common/logger"
)

const (
	streamName = "tasks_queue"

	fieldTaskID          = "task_uuid"
	fieldDisabledWorkers = "disabled_workers"
	fieldManualWorker    = "manual_worker"

	// blockInterval bounds each read so consumers notice shutdown promptly.
	blockInterval = 5 * time.Second

	// claimMinIdle is how long an entry must sit unacknowledged in another
	// consumer's pending list before it is stolen and retried.
	claimMinIdle  = time.Minute
	claimInterval = 30 * time.Second
	claimBatch    = 16
)

// Metrics defines the operations needed to monitor queue publish and
// consume activity.
type Metrics interface {
	IncAssignmentPublished(ctx context.Context)
	IncAssignmentConsumed(ctx context.Context, group string)
	IncPublishError(ctx context.Context)
	IncConsumeError(ctx context.Context, group string)
}

// Config contains settings for the stream backing the queue.
type Config struct {
	// MaxLen caps the stream length; Redis trims oldest entries
	// approximately past it. Zero keeps the stream unbounded.
	MaxLen int64
}

var _ triage.TaskQueue = (*Queue)(nil)

// Queue is a Redis Streams triage.TaskQueue. The underlying client is owned
// by the caller; Close stops delivery without closing it.
type Queue struct {
	client *redis.Client
	maxLen int64

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewQueue creates a queue on top of an established Redis client.
func NewQueue(client *redis.Client, cfg Config, log *logger.Logger, metrics Metrics, tracer trace.Tracer) *Queue {
	return &Queue{
		client:  client,
		maxLen:  cfg.MaxLen,
		logger:  log.With("component", "redis_queue"),
		tracer:  tracer,
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Publish appends the assignment to the stream. Empty fields are omitted so
// entries stay minimal.
func (q *Queue) Publish(ctx context.Context, a triage.Assignment) error {
	ctx, span := q.tracer.Start(ctx, "task_queue.publish",
		trace.WithAttributes(attribute.String("task_id", a.TaskID.String())))
	defer span.End()

	select {
	case <-q.done:
		return triage.ErrQueueClosed
	default:
	}

	values := map[string]any{fieldTaskID: a.TaskID.String()}
	if len(a.DisabledWorkers) > 0 {
		encoded, err := json.Marshal(a.DisabledWorkers)
		if err != nil {
			return fmt.Errorf("encoding disabled workers: %w", err)
		}
		values[fieldDisabledWorkers] = string(encoded)
	}
	if a.ManualWorker != "" {
		values[fieldManualWorker] = a.ManualWorker
	}

	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		MaxLen: q.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if q.metrics != nil {
			q.metrics.IncPublishError(ctx)
		}
		return fmt.Errorf("publishing assignment: %w", err)
	}

	if q.metrics != nil {
		q.metrics.IncAssignmentPublished(ctx)
	}
	return nil
}

// Subscribe creates the group's consumer group if needed and starts one
// consuming goroutine. The group begins at the stream's current end, so
// entries published before the first subscriber are not replayed.
func (q *Queue) Subscribe(ctx context.Context, group string, handler triage.AssignmentHandler) error {
	err := q.client.XGroupCreateMkStream(ctx, streamName, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %q: %w", group, err)
	}

	consumer := group + "-" + uuid.NewString()[:8]

	q.wg.Add(1)
	go q.consumeLoop(ctx, group, consumer, handler)

	q.logger.Info(ctx, "Queue: subscribed",
		"stream", streamName, "group", group, "consumer", consumer)
	return nil
}

// consumeLoop reads entries for one consumer until ctx is cancelled or the
// queue is closed. Periodically it also steals entries that sat
// unacknowledged in a dead consumer's pending list.
func (q *Queue) consumeLoop(ctx context.Context, group, consumer string, handler triage.AssignmentHandler) {
	defer q.wg.Done()

	var lastClaim time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		default:
		}

		if time.Since(lastClaim) >= claimInterval {
			q.claimStale(ctx, group, consumer, handler)
			lastClaim = time.Now()
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{streamName, ">"},
			Count:    1,
			Block:    blockInterval,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Error(ctx, "Queue: read failed", "group", group, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			case <-q.done:
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, group, msg, handler)
			}
		}
	}
}

// claimStale transfers entries pending longer than claimMinIdle to this
// consumer and replays them, so a crashed replica's unfinished work is
// retried instead of stranded.
func (q *Queue) claimStale(ctx context.Context, group, consumer string, handler triage.AssignmentHandler) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamName,
		Group:    group,
		Consumer: consumer,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    claimBatch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			q.logger.Error(ctx, "Queue: claiming stale entries failed", "group", group, "error", err)
		}
		return
	}

	for _, msg := range msgs {
		q.handleMessage(ctx, group, msg, handler)
	}
}

func (q *Queue) handleMessage(ctx context.Context, group string, msg redis.XMessage, handler triage.AssignmentHandler) {
	ctx, span := q.tracer.Start(ctx, "task_queue.consume",
		trace.WithAttributes(
			attribute.String("group", group),
			attribute.String("message_id", msg.ID),
		))
	defer span.End()

	a, err := assignmentFromValues(msg.Values)
	if err != nil {
		// A malformed entry would redeliver forever; drop it.
		span.RecordError(err)
		q.logger.Error(ctx, "Queue: dropping malformed entry",
			"group", group, "message_id", msg.ID, "error", err)
		q.ack(ctx, group, msg.ID)
		return
	}
	span.SetAttributes(attribute.String("task_id", a.TaskID.String()))

	ack := func(handleErr error) {
		if handleErr != nil {
			// Left unacknowledged the entry stays pending, so a later
			// claim pass retries it.
			span.RecordError(handleErr)
			if q.metrics != nil {
				q.metrics.IncConsumeError(ctx, group)
			}
			q.logger.Error(ctx, "Queue: assignment handling failed",
				"group", group, "task_id", a.TaskID.String(), "error", handleErr)
			return
		}
		q.ack(ctx, group, msg.ID)
		if q.metrics != nil {
			q.metrics.IncAssignmentConsumed(ctx, group)
		}
	}

	if err := handler(ctx, a, ack); err != nil {
		span.RecordError(err)
		q.logger.Error(ctx, "Queue: handler error",
			"group", group, "task_id", a.TaskID.String(), "error", err)
	}
}

func (q *Queue) ack(ctx context.Context, group, id string) {
	if err := q.client.XAck(ctx, streamName, group, id).Err(); err != nil && ctx.Err() == nil {
		q.logger.Error(ctx, "Queue: ack failed",
			"group", group, "message_id", id, "error", err)
	}
}

// Close stops delivery and waits for consuming goroutines to drain. The
// Redis client stays open for its owner.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
	return nil
}

func assignmentFromValues(values map[string]any) (triage.Assignment, error) {
	raw, _ := values[fieldTaskID].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return triage.Assignment{}, fmt.Errorf("parsing task id %q: %w", raw, err)
	}

	a := triage.Assignment{TaskID: id}
	if encoded, ok := values[fieldDisabledWorkers].(string); ok && encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &a.DisabledWorkers); err != nil {
			return triage.Assignment{}, fmt.Errorf("parsing disabled workers: %w", err)
		}
	}
	if manual, ok := values[fieldManualWorker].(string); ok {
		a.ManualWorker = manual
	}
	return a, nil
}
