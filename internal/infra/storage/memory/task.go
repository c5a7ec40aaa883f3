// Package memory provides in-memory implementations of the triage storage
// ports. They are suitable for tests, development and single-node deployments
// where durability is not required.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// TaskStore is an in-memory triage.TaskRepository. All state is guarded by a
// single mutex; tasks are deep-copied on the way in and out so callers can
// never alias stored state.
type TaskStore struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]*triage.Task
	children    map[uuid.UUID][]uuid.UUID
	descendants map[uuid.UUID]int
}

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:       make(map[uuid.UUID]*triage.Task),
		children:    make(map[uuid.UUID][]uuid.UUID),
		descendants: make(map[uuid.UUID]int),
	}
}

// Save persists the task, replacing any previous version.
func (s *TaskStore) Save(ctx context.Context, task *triage.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID()] = copyTask(task)
	return nil
}

// Load retrieves a task by id.
func (s *TaskStore) Load(ctx context.Context, id uuid.UUID) (*triage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, triage.ErrTaskNotFound
	}
	return copyTask(task), nil
}

// MarkDone records that every registered worker has finished the task.
func (s *TaskStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return triage.ErrTaskNotFound
	}
	task.MarkDone()
	return nil
}

// SetOverride pins the task's status to OVERWRITE.
func (s *TaskStore) SetOverride(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return triage.ErrTaskNotFound
	}
	task.Override()
	return nil
}

// AddChild records that childID was extracted from parentID.
func (s *TaskStore) AddChild(ctx context.Context, parentID, childID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.children[parentID] = append(s.children[parentID], childID)
	return nil
}

// Children returns the ids of tasks extracted from parentID in recording order.
func (s *TaskStore) Children(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.children[parentID]
	out := make([]uuid.UUID, len(ids))
	copy(out, ids)
	return out, nil
}

// ReserveDescendants grants up to n descendant slots against the origin's
// ceiling and returns how many were granted. Grants are never returned.
func (s *TaskStore) ReserveDescendants(ctx context.Context, originID uuid.UUID, n, ceiling int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.descendants[originID]
	if used >= ceiling {
		return 0, nil
	}

	grant := n
	if used+grant > ceiling {
		grant = ceiling - used
	}
	s.descendants[originID] = used + grant
	return grant, nil
}

func copyTask(t *triage.Task) *triage.Task {
	return triage.ReconstructTask(
		t.ID(),
		copyFile(t.File()),
		t.ParentID(),
		t.OriginID(),
		t.Depth(),
		t.DisabledWorkers(),
		t.Password(),
		t.Overridden(),
		t.Done(),
		t.CreatedAt(),
	)
}

func copyFile(f *triage.File) *triage.File {
	if f == nil {
		return nil
	}
	return triage.ReconstructFile(
		f.SHA256(),
		f.SHA1(),
		f.MD5(),
		f.Size(),
		f.MIME(),
		f.Kind(),
		f.Name(),
		f.Deleted(),
		f.SavedAt(),
	)
}
