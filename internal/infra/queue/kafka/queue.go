// Package kafka implements the task queue on Kafka. A single topic carries
// every assignment; each worker group subscribes as its own consumer group,
// so every group sees every assignment while replicas inside a group split
// the topic's partitions.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/pkg/common/logger"
)

// Metrics defines the operations needed to monitor queue publish and
// consume activity.
type Metrics interface {
	IncAssignmentPublished(ctx context.Context)
	IncAssignmentConsumed(ctx context.Context, group string)
	IncPublishError(ctx context.Context)
	IncConsumeError(ctx context.Context, group string)
}

// Config contains settings for connecting to and interacting with Kafka
// brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// Topic is the topic carrying task assignments.
	Topic string

	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

var _ triage.TaskQueue = (*Queue)(nil)

// Queue is a Kafka triage.TaskQueue.
type Queue struct {
	producer sarama.SyncProducer

	brokers  []string
	topic    string
	clientID string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	closed bool

	wg sync.WaitGroup
}

// NewQueue creates a queue with a synchronous producer that waits for full
// acknowledgement, keyed by task id so one task's assignments stay ordered
// within a partition.
func NewQueue(cfg Config, log *logger.Logger, metrics Metrics, tracer trace.Tracer) (*Queue, error) {
	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner
	producerConfig.ClientID = cfg.ClientID

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	return &Queue{
		producer: producer,
		brokers:  cfg.Brokers,
		topic:    cfg.Topic,
		clientID: cfg.ClientID,
		logger:   log.With("component", "kafka_queue"),
		tracer:   tracer,
		metrics:  metrics,
	}, nil
}

// ConnectWithRetry attempts to establish a connection to Kafka with
// exponential backoff. It retries failed attempts for up to 5 minutes,
// starting with 5 second intervals, so the queue survives broker
// unavailability during startup.
func ConnectWithRetry(cfg Config, log *logger.Logger, metrics Metrics, tracer trace.Tracer) (*Queue, error) {
	var queue *Queue

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		var err error
		queue, err = NewQueue(cfg, log, metrics, tracer)
		return err
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("connecting to kafka: %w", err)
	}
	return queue, nil
}

// Publish sends the assignment to the task topic and waits for broker
// acknowledgement.
func (q *Queue) Publish(ctx context.Context, a triage.Assignment) error {
	ctx, span := q.tracer.Start(ctx, "task_queue.publish",
		trace.WithAttributes(attribute.String("task_id", a.TaskID.String())))
	defer span.End()

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return triage.ErrQueueClosed
	}

	payload, err := json.Marshal(a)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encoding assignment: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(a.TaskID.String()),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := q.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if q.metrics != nil {
			q.metrics.IncPublishError(ctx)
		}
		return fmt.Errorf("sending assignment to topic %s: %w", q.topic, err)
	}

	if q.metrics != nil {
		q.metrics.IncAssignmentPublished(ctx)
	}
	q.logger.Info(ctx, "Queue: published assignment",
		"topic", q.topic,
		"partition", partition,
		"offset", offset,
		"task_id", a.TaskID.String(),
	)
	return nil
}

// Subscribe joins the named consumer group and starts consuming the task
// topic in a separate goroutine.
func (q *Queue) Subscribe(ctx context.Context, group string, handler triage.AssignmentHandler) error {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = q.clientID
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Consumer.Group.Session.Timeout = 20 * time.Second
	consumerConfig.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	consumerConfig.Consumer.Offsets.AutoCommit.Enable = true
	consumerConfig.Consumer.Offsets.AutoCommit.Interval = time.Second
	consumerConfig.Version = sarama.V2_8_0_0

	cg, err := sarama.NewConsumerGroup(q.brokers, group, consumerConfig)
	if err != nil {
		return fmt.Errorf("creating consumer group %q: %w", group, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		_ = cg.Close()
		return triage.ErrQueueClosed
	}
	q.groups = append(q.groups, cg)
	q.mu.Unlock()

	q.wg.Add(1)
	go q.consumeLoop(ctx, cg, group, handler)

	q.logger.Info(ctx, "Queue: subscribed", "topic", q.topic, "group", group)
	return nil
}

// consumeLoop maintains a continuous consumer group session; Consume returns
// on every rebalance and must be re-entered.
func (q *Queue) consumeLoop(ctx context.Context, cg sarama.ConsumerGroup, group string, handler triage.AssignmentHandler) {
	defer q.wg.Done()

	cgHandler := &assignmentHandler{
		group:   group,
		handler: handler,
		logger:  q.logger,
		tracer:  q.tracer,
		metrics: q.metrics,
	}

	for {
		if err := cg.Consume(ctx, []string{q.topic}, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			q.logger.Error(ctx, "Queue: consumer group error", "group", group, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Close shuts down the producer and every consumer group, then waits for
// the consuming goroutines to drain.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	groups := append([]sarama.ConsumerGroup(nil), q.groups...)
	q.mu.Unlock()

	var firstErr error
	if err := q.producer.Close(); err != nil {
		firstErr = fmt.Errorf("closing producer: %w", err)
	}
	for _, cg := range groups {
		if err := cg.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing consumer group: %w", err)
		}
	}
	q.wg.Wait()
	return firstErr
}

// assignmentHandler implements sarama.ConsumerGroupHandler, decoding records
// into assignments and invoking the subscriber's handler.
type assignmentHandler struct {
	group   string
	handler triage.AssignmentHandler

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

func (h *assignmentHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "Queue: consumer session setup",
		"group", h.group,
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *assignmentHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "Queue: consumer session cleanup",
		"group", h.group,
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes records from an assigned partition. Offsets are
// marked whether or not handling succeeded; redelivery on transient failure
// is the Redis transport's behavior, not this one's.
func (h *assignmentHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handleMessage(sess, msg)
	}
	return nil
}

func (h *assignmentHandler) handleMessage(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	ctx, span := h.tracer.Start(sess.Context(), "task_queue.consume",
		trace.WithAttributes(
			attribute.String("group", h.group),
			attribute.Int64("offset", msg.Offset),
		))
	defer span.End()

	var a triage.Assignment
	if err := json.Unmarshal(msg.Value, &a); err != nil {
		// A malformed record would redeliver forever; mark it consumed.
		sess.MarkMessage(msg, "")
		span.RecordError(err)
		h.logger.Error(ctx, "Queue: dropping malformed record",
			"group", h.group, "offset", msg.Offset, "error", err)
		return
	}
	span.SetAttributes(attribute.String("task_id", a.TaskID.String()))

	ack := func(handleErr error) {
		if handleErr != nil {
			span.RecordError(handleErr)
			if h.metrics != nil {
				h.metrics.IncConsumeError(ctx, h.group)
			}
			h.logger.Error(ctx, "Queue: assignment handling failed",
				"group", h.group, "task_id", a.TaskID.String(), "error", handleErr)
		} else if h.metrics != nil {
			h.metrics.IncAssignmentConsumed(ctx, h.group)
		}
		sess.MarkMessage(msg, "")
	}

	if err := h.handler(ctx, a, ack); err != nil {
		span.RecordError(err)
		h.logger.Error(ctx, "Queue: handler error",
			"group", h.group, "task_id", a.TaskID.String(), "error", err)
	}
}
