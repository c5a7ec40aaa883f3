package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/pkg/common/logger"
)

// convergencePoll is the fallback re-check interval for waiters whose wakeup
// signal was lost, e.g. because the final report was finalized by another
// process.
const convergencePoll = 500 * time.Millisecond

// Tracker watches per-task report completion and marks a task done once every
// registered worker has finished its report. Completion is derived from the
// report store rather than counted in memory, so duplicate deliveries and
// restarts cannot skew it.
type Tracker struct {
	total   int
	tasks   triage.TaskRepository
	reports triage.ReportRepository

	logger  *logger.Logger
	metrics Metrics

	mu      sync.Mutex
	waiters map[uuid.UUID]chan struct{}
}

// NewTracker creates a tracker for a worker set of the given size.
func NewTracker(
	total int,
	tasks triage.TaskRepository,
	reports triage.ReportRepository,
	log *logger.Logger,
	metrics Metrics,
) *Tracker {
	return &Tracker{
		total:   total,
		tasks:   tasks,
		reports: reports,
		logger:  log.With("component", "tracker"),
		metrics: metrics,
		waiters: make(map[uuid.UUID]chan struct{}),
	}
}

// Converged reports whether every registered worker has a finished report for
// the task.
func (t *Tracker) Converged(ctx context.Context, taskID uuid.UUID) (bool, error) {
	reports, err := t.reports.ListByTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	finished := 0
	for _, r := range reports {
		if r.Finished() {
			finished++
		}
	}
	return finished >= t.total, nil
}

// ReportFinished records that one worker finalized its report for the task.
// When the task's full worker set has finished, the task is marked done and
// all waiters are woken.
func (t *Tracker) ReportFinished(ctx context.Context, taskID uuid.UUID) {
	converged, err := t.Converged(ctx, taskID)
	if err != nil {
		t.logger.Warn(ctx, "Tracker: convergence check failed", "task_id", taskID, "err", err)
		return
	}
	if !converged {
		return
	}

	task, err := t.tasks.Load(ctx, taskID)
	if err != nil {
		t.logger.Warn(ctx, "Tracker: task lookup failed on convergence", "task_id", taskID, "err", err)
	} else if task.Done() {
		// Replayed signal after convergence; nothing left to do.
		return
	}

	if err := t.tasks.MarkDone(ctx, taskID); err != nil {
		t.logger.Error(ctx, "Tracker: failed to mark task done", "task_id", taskID, "err", err)
	}
	t.metrics.IncTasksConverged(ctx)
	t.logger.Debug(ctx, "Tracker: task converged", "task_id", taskID, "workers", t.total)
	t.wake(taskID)
}

// AwaitConvergence blocks until the task's full worker set has finished,
// polling the report store as a fallback for lost wakeups.
func (t *Tracker) AwaitConvergence(ctx context.Context, taskID uuid.UUID) error {
	ch := t.waitChan(taskID)

	// The final report may have been finished before the channel existed.
	converged, err := t.Converged(ctx, taskID)
	if err != nil {
		return err
	}
	if converged {
		t.wake(taskID)
		return nil
	}

	ticker := time.NewTicker(convergencePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ch:
			return nil
		case <-ticker.C:
			converged, err := t.Converged(ctx, taskID)
			if err != nil {
				t.logger.Warn(ctx, "Tracker: convergence poll failed", "task_id", taskID, "err", err)
				continue
			}
			if converged {
				t.wake(taskID)
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tracker) waitChan(taskID uuid.UUID) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.waiters[taskID]
	if !ok {
		ch = make(chan struct{})
		t.waiters[taskID] = ch
	}
	return ch
}

// wake closes and forgets the task's wait channel. Closing happens exactly
// once because the channel is removed from the map under the same lock.
func (t *Tracker) wake(taskID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, ok := t.waiters[taskID]; ok {
		close(ch)
		delete(t.waiters, taskID)
	}
}
