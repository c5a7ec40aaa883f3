package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ahrav/filesift/internal/domain/triage"
)

var _ triage.TaskRepository = (*TaskStore)(nil)

// reserveScript atomically grants descendant slots against a ceiling. The
// grant must happen inside Redis so concurrent extractions under the same
// origin cannot both observe headroom and overshoot together.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])
if used >= ceiling then
	return 0
end
local grant = n
if used + grant > ceiling then
	grant = ceiling - used
end
redis.call('INCRBY', KEYS[1], grant)
return grant
`)

// TaskStore is a Redis-backed triage.TaskRepository.
type TaskStore struct{ client *redis.Client }

// NewTaskStore creates a task store on the given client.
func NewTaskStore(client *redis.Client) *TaskStore { return &TaskStore{client: client} }

// Save persists the task as a JSON value, replacing any previous version.
func (s *TaskStore) Save(ctx context.Context, task *triage.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("redis task store: marshal %s: %w", task.ID(), err)
	}
	if err := s.client.Set(ctx, taskKey(task.ID()), data, 0).Err(); err != nil {
		return fmt.Errorf("redis task store: save %s: %w", task.ID(), err)
	}
	return nil
}

// Load retrieves a task by id.
func (s *TaskStore) Load(ctx context.Context, id uuid.UUID) (*triage.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, triage.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis task store: load %s: %w", id, err)
	}

	var task triage.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("redis task store: decode %s: %w", id, err)
	}
	return &task, nil
}

// MarkDone records that every registered worker has finished the task.
func (s *TaskStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, id, func(task *triage.Task) { task.MarkDone() })
}

// SetOverride pins the task's status to OVERWRITE.
func (s *TaskStore) SetOverride(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, id, func(task *triage.Task) { task.Override() })
}

// update applies fn to the stored task and writes it back. Task flags are
// one-way transitions, so the read-modify-write does not need a transaction:
// a racing writer can only set the same bit.
func (s *TaskStore) update(ctx context.Context, id uuid.UUID, fn func(*triage.Task)) error {
	task, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	fn(task)
	return s.Save(ctx, task)
}

// AddChild records that childID was extracted from parentID.
func (s *TaskStore) AddChild(ctx context.Context, parentID, childID uuid.UUID) error {
	if err := s.client.RPush(ctx, extractedKey(parentID), childID.String()).Err(); err != nil {
		return fmt.Errorf("redis task store: record child of %s: %w", parentID, err)
	}
	return nil
}

// Children returns the ids of tasks extracted from parentID in recording order.
func (s *TaskStore) Children(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error) {
	raw, err := s.client.LRange(ctx, extractedKey(parentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis task store: list children of %s: %w", parentID, err)
	}

	ids := make([]uuid.UUID, 0, len(raw))
	for _, v := range raw {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("redis task store: corrupt child reference %q under %s: %w", v, parentID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReserveDescendants grants up to n descendant slots against the origin's
// ceiling and returns how many were granted. Grants are never returned.
func (s *TaskStore) ReserveDescendants(ctx context.Context, originID uuid.UUID, n, ceiling int) (int, error) {
	grant, err := reserveScript.Run(ctx, s.client, []string{budgetKey(originID)}, n, ceiling).Int()
	if err != nil {
		return 0, fmt.Errorf("redis task store: reserve descendants for %s: %w", originID, err)
	}
	return grant, nil
}
