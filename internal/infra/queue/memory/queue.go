// Package memory provides an in-memory implementation of the task queue. It
// offers lightweight, non-persistent fan-out suitable for tests and
// single-process deployments where durability is not required.
package memory

import (
	"context"
	"sync"

	"github.com/ahrav/filesift/internal/domain/triage"
)

const defaultBuffer = 256

// Queue is an in-memory triage.TaskQueue. Every worker group receives every
// published assignment; subscribers within one group compete for its stream.
// Assignments published before a group's first subscriber are not replayed,
// so groups must be subscribed before intake starts.
type Queue struct {
	mu     sync.Mutex
	groups map[string]chan triage.Assignment
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewQueue creates an empty in-memory queue.
func NewQueue() *Queue {
	return &Queue{
		groups: make(map[string]chan triage.Assignment),
		done:   make(chan struct{}),
	}
}

// Publish delivers the assignment to every subscribed group. It blocks while
// a group's buffer is full and fails once ctx is cancelled or the queue is
// closed.
func (q *Queue) Publish(ctx context.Context, a triage.Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return triage.ErrQueueClosed
	}
	chans := make([]chan triage.Assignment, 0, len(q.groups))
	for _, ch := range q.groups {
		chans = append(chans, ch)
	}
	q.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- a:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return triage.ErrQueueClosed
		}
	}
	return nil
}

// Subscribe registers a handler consuming assignments for the named group.
// Each call adds one competing consumer; the handler runs serially within
// that consumer. Delivery is at most once, so the ack is a no-op.
func (q *Queue) Subscribe(ctx context.Context, group string, handler triage.AssignmentHandler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return triage.ErrQueueClosed
	}
	ch, ok := q.groups[group]
	if !ok {
		ch = make(chan triage.Assignment, defaultBuffer)
		q.groups[group] = ch
	}
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case a := <-ch:
				_ = handler(ctx, a, func(error) {})
			}
		}
	}()
	return nil
}

// Close stops delivery and waits for in-flight handlers to return. Buffered
// assignments that were never picked up are dropped.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
