package triage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is one submission's unit of work: one File fanned out to every
// registered worker. Tasks spawned by extraction carry lineage back to their
// parent and to the top-level origin, forming a DAG rooted at the original
// submission. A task's status is never stored; it is recomputed from its
// reports (see Resolve).
type Task struct {
	id   uuid.UUID
	file *File

	parentID uuid.UUID
	originID uuid.UUID
	depth    int

	disabledWorkers []string
	password        string

	overridden bool
	done       bool

	createdAt    time.Time
	timeProvider TimeProvider
}

// TaskOption allows customizing task creation.
type TaskOption func(*Task)

// WithTimeProvider sets a custom time provider, primarily for testing.
func WithTimeProvider(tp TimeProvider) TaskOption {
	return func(t *Task) {
		t.timeProvider = tp
		t.createdAt = tp.Now()
	}
}

// WithPassword attaches a submission-supplied archive password. When set it
// is tried to the exclusion of the configured candidate list.
func WithPassword(password string) TaskOption {
	return func(t *Task) { t.password = password }
}

// WithDisabledWorkers excludes the named workers from analysing this task.
func WithDisabledWorkers(names []string) TaskOption {
	return func(t *Task) { t.disabledWorkers = append([]string(nil), names...) }
}

// WithParent links a task spawned by extraction to the task it was unpacked
// from. The child inherits the origin, the disabled-worker set and the
// password, and sits one level deeper in the recursion.
func WithParent(parent *Task) TaskOption {
	return func(t *Task) {
		t.parentID = parent.ID()
		t.originID = parent.Origin()
		t.depth = parent.Depth() + 1
		t.disabledWorkers = append([]string(nil), parent.DisabledWorkers()...)
		t.password = parent.Password()
	}
}

// NewTask creates a task wrapping the given file.
func NewTask(file *File, opts ...TaskOption) (*Task, error) {
	if file == nil {
		return nil, fmt.Errorf("task requires a file")
	}

	t := &Task{
		id:           uuid.New(),
		file:         file,
		timeProvider: &realTimeProvider{},
	}
	t.createdAt = t.timeProvider.Now()

	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// ReconstructTask rebuilds a task from persisted state without side effects.
func ReconstructTask(
	id uuid.UUID,
	file *File,
	parentID, originID uuid.UUID,
	depth int,
	disabledWorkers []string,
	password string,
	overridden, done bool,
	createdAt time.Time,
) *Task {
	return &Task{
		id:              id,
		file:            file,
		parentID:        parentID,
		originID:        originID,
		depth:           depth,
		disabledWorkers: disabledWorkers,
		password:        password,
		overridden:      overridden,
		done:            done,
		createdAt:       createdAt,
		timeProvider:    &realTimeProvider{},
	}
}

// ID returns the task's unique identifier.
func (t *Task) ID() uuid.UUID { return t.id }

// File returns the file this task analyses.
func (t *Task) File() *File { return t.file }

// ParentID returns the id of the task this one was extracted from, uuid.Nil
// for top-level submissions.
func (t *Task) ParentID() uuid.UUID { return t.parentID }

// OriginID returns the id of the top-level ancestor, uuid.Nil for top-level
// submissions.
func (t *Task) OriginID() uuid.UUID { return t.originID }

// Origin returns the root of this task's extraction tree: the origin id for
// children, the task's own id for top-level submissions.
func (t *Task) Origin() uuid.UUID {
	if t.originID != uuid.Nil {
		return t.originID
	}
	return t.id
}

// IsChild reports whether this task was spawned by extraction.
func (t *Task) IsChild() bool { return t.parentID != uuid.Nil }

// Depth returns how many extraction levels separate this task from the
// top-level submission.
func (t *Task) Depth() int { return t.depth }

// DisabledWorkers returns a copy of the worker names excluded for this task.
func (t *Task) DisabledWorkers() []string {
	return append([]string(nil), t.disabledWorkers...)
}

// WorkerDisabled reports whether the named worker is excluded for this task.
func (t *Task) WorkerDisabled(name string) bool {
	for _, w := range t.disabledWorkers {
		if w == name {
			return true
		}
	}
	return false
}

// Password returns the submission-supplied archive password, empty when none.
func (t *Task) Password() string { return t.password }

// Overridden reports whether an operator has pinned this task's status to
// OVERWRITE.
func (t *Task) Overridden() bool { return t.overridden }

// Override pins the task's status to OVERWRITE regardless of reports.
func (t *Task) Override() { t.overridden = true }

// Done reports whether every registered worker has finished its report.
func (t *Task) Done() bool { return t.done }

// MarkDone records that every registered worker has finished.
func (t *Task) MarkDone() { t.done = true }

// CreatedAt returns when the task was created.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// taskJSON is the wire representation of a Task.
type taskJSON struct {
	ID              uuid.UUID `json:"id"`
	File            *File     `json:"file"`
	ParentID        uuid.UUID `json:"parent_id"`
	OriginID        uuid.UUID `json:"origin_id"`
	Depth           int       `json:"depth,omitempty"`
	DisabledWorkers []string  `json:"disabled_workers,omitempty"`
	Password        string    `json:"password,omitempty"`
	Overridden      bool      `json:"overridden,omitempty"`
	Done            bool      `json:"done,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// MarshalJSON serializes the Task object into a JSON byte array.
func (t *Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(&taskJSON{
		ID:              t.id,
		File:            t.file,
		ParentID:        t.parentID,
		OriginID:        t.originID,
		Depth:           t.depth,
		DisabledWorkers: t.disabledWorkers,
		Password:        t.password,
		Overridden:      t.overridden,
		Done:            t.done,
		CreatedAt:       t.createdAt,
	})
}

// UnmarshalJSON deserializes JSON data into a Task object.
func (t *Task) UnmarshalJSON(data []byte) error {
	var aux taskJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*t = *ReconstructTask(aux.ID, aux.File, aux.ParentID, aux.OriginID, aux.Depth,
		aux.DisabledWorkers, aux.Password, aux.Overridden, aux.Done, aux.CreatedAt)
	return nil
}
