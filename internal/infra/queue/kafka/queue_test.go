package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/pkg/common/logger"
)

func newTestQueue(producer sarama.SyncProducer) *Queue {
	return &Queue{
		producer: producer,
		topic:    "triage-tasks",
		logger:   logger.Noop(),
		tracer:   noop.NewTracerProvider().Tracer("test"),
	}
}

func TestQueue_PublishEncodesAssignment(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	q := newTestQueue(producer)

	want := triage.Assignment{
		TaskID:          uuid.New(),
		DisabledWorkers: []string{"scanner"},
		ManualWorker:    "hasher",
	}

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != want.TaskID.String() {
			return fmt.Errorf("unexpected partition key %q", key)
		}

		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var got triage.Assignment
		if err := json.Unmarshal(value, &got); err != nil {
			return err
		}
		if got.TaskID != want.TaskID || got.ManualWorker != want.ManualWorker || len(got.DisabledWorkers) != 1 {
			return fmt.Errorf("assignment did not round-trip: %+v", got)
		}
		return nil
	})

	require.NoError(t, q.Publish(context.Background(), want))
}

func TestQueue_PublishFailure(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	q := newTestQueue(producer)
	err := q.Publish(context.Background(), triage.Assignment{TaskID: uuid.New()})
	require.ErrorContains(t, err, "broker down")
}

func TestQueue_PublishAfterClose(t *testing.T) {
	t.Parallel()

	q := newTestQueue(mocks.NewSyncProducer(t, nil))
	require.NoError(t, q.Close())

	err := q.Publish(context.Background(), triage.Assignment{TaskID: uuid.New()})
	require.ErrorIs(t, err, triage.ErrQueueClosed)
}

// stubSession implements sarama.ConsumerGroupSession, recording marked
// offsets.
type stubSession struct {
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *stubSession) Claims() map[string][]int32                                          { return nil }
func (s *stubSession) MemberID() string                                                    { return "member-1" }
func (s *stubSession) GenerationID() int32                                                 { return 1 }
func (s *stubSession) MarkOffset(topic string, partition int32, offset int64, meta string) {}
func (s *stubSession) Commit()                                                             {}
func (s *stubSession) ResetOffset(topic string, partition int32, offset int64, meta string) {
}
func (s *stubSession) Context() context.Context { return s.ctx }

func (s *stubSession) MarkMessage(msg *sarama.ConsumerMessage, meta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *stubSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

// stubClaim implements sarama.ConsumerGroupClaim over a prefilled channel.
type stubClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "triage-tasks" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func TestAssignmentHandler_DecodesAndMarks(t *testing.T) {
	t.Parallel()

	want := triage.Assignment{TaskID: uuid.New(), DisabledWorkers: []string{"scanner"}}
	payload, err := json.Marshal(want)
	require.NoError(t, err)

	msgs := make(chan *sarama.ConsumerMessage, 2)
	msgs <- &sarama.ConsumerMessage{Topic: "triage-tasks", Offset: 1, Value: []byte("not json")}
	msgs <- &sarama.ConsumerMessage{Topic: "triage-tasks", Offset: 2, Value: payload}
	close(msgs)

	var received []triage.Assignment
	h := &assignmentHandler{
		group: "hasher",
		handler: func(ctx context.Context, a triage.Assignment, ack triage.AckFunc) error {
			received = append(received, a)
			ack(nil)
			return nil
		},
		logger: logger.Noop(),
		tracer: noop.NewTracerProvider().Tracer("test"),
	}

	sess := &stubSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(sess, &stubClaim{msgs: msgs}))

	// The malformed record is dropped, the valid one delivered, both marked.
	require.Len(t, received, 1)
	assert.Equal(t, want.TaskID, received[0].TaskID)
	assert.Equal(t, want.DisabledWorkers, received[0].DisabledWorkers)
	assert.Equal(t, []int64{1, 2}, sess.markedOffsets())
}

func TestAssignmentHandler_FailedHandlingStillMarks(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(triage.Assignment{TaskID: uuid.New()})
	require.NoError(t, err)

	msgs := make(chan *sarama.ConsumerMessage, 1)
	msgs <- &sarama.ConsumerMessage{Topic: "triage-tasks", Offset: 7, Value: payload}
	close(msgs)

	h := &assignmentHandler{
		group: "hasher",
		handler: func(ctx context.Context, a triage.Assignment, ack triage.AckFunc) error {
			ack(errors.New("worker unavailable"))
			return nil
		},
		logger: logger.Noop(),
		tracer: noop.NewTracerProvider().Tracer("test"),
	}

	sess := &stubSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(sess, &stubClaim{msgs: msgs}))
	assert.Equal(t, []int64{7}, sess.markedOffsets())
}
