package triage

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// TaskRepository persists tasks and the parent/child references produced by
// extraction. Implementations return ErrTaskNotFound for unknown ids.
type TaskRepository interface {
	Save(ctx context.Context, task *Task) error
	Load(ctx context.Context, id uuid.UUID) (*Task, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	SetOverride(ctx context.Context, id uuid.UUID) error

	// AddChild records that childID was extracted from parentID.
	AddChild(ctx context.Context, parentID, childID uuid.UUID) error

	// Children returns the ids of tasks extracted from parentID, in the
	// order they were recorded.
	Children(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error)

	// ReserveDescendants atomically grants up to n descendant slots against
	// the origin task's ceiling and returns how many were granted. Grants
	// are never rolled back; the counter exists to bound total fan-out from
	// one submission.
	ReserveDescendants(ctx context.Context, originID uuid.UUID, n, ceiling int) (int, error)
}

// ReportRepository persists worker reports. Implementations return
// ErrReportNotFound for unknown (task, worker) pairs.
type ReportRepository interface {
	Save(ctx context.Context, report *Report) error
	Load(ctx context.Context, taskID uuid.UUID, worker string) (*Report, error)

	// ListByTask returns all stored reports for the task, one per worker
	// that has started.
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*Report, error)
}

// FileRepository persists file metadata keyed by sha256 digest.
// Implementations return ErrFileNotFound for unknown digests.
type FileRepository interface {
	Save(ctx context.Context, file *File) error
	Load(ctx context.Context, sha256 string) (*File, error)
	MarkDeleted(ctx context.Context, sha256 string) error
}

// BlobStore holds raw content bytes keyed by the owning file's sha256.
// Get returns ErrBlobNotFound once a blob has been deleted; readers treat
// that as the file disappearing mid-analysis, not as empty content.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Assignment is one queue entry dispatching a task to the worker groups.
type Assignment struct {
	TaskID uuid.UUID `json:"task_id"`

	// DisabledWorkers travels with the assignment so consumers can skip
	// work without loading the task first.
	DisabledWorkers []string `json:"disabled_workers,omitempty"`

	// ManualWorker names a worker that was re-triggered by an operator; it
	// runs with the manual flag set.
	ManualWorker string `json:"manual_worker,omitempty"`
}

// AckFunc is called to acknowledge an assignment after handling. A non-nil
// argument reports a handling failure to the transport.
type AckFunc func(error)

// AssignmentHandler processes one assignment delivered to a worker group.
type AssignmentHandler func(ctx context.Context, a Assignment, ack AckFunc) error

// TaskQueue fans task assignments out to worker groups. Every group receives
// every published assignment; within one group, replicas share the stream.
type TaskQueue interface {
	Publish(ctx context.Context, a Assignment) error

	// Subscribe registers a handler consuming assignments for the named
	// group. It returns once consumption is running; delivery continues
	// until ctx is cancelled or the queue is closed.
	Subscribe(ctx context.Context, group string, handler AssignmentHandler) error

	Close() error
}
