package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/internal/infra/storage"
)

// Ensure TaskStore implements triage.TaskRepository at compile time.
var _ triage.TaskRepository = (*TaskStore)(nil)

// TaskStore implements triage.TaskRepository on PostgreSQL. Tasks are stored
// normalized: the task row references the file row by digest and the stored
// file metadata is joined back in on load.
type TaskStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTaskStore creates a TaskRepository backed by PostgreSQL.
func NewTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *TaskStore {
	return &TaskStore{pool: pool, tracer: tracer}
}

const saveTaskQuery = `
INSERT INTO tasks (id, file_sha256, parent_id, origin_id, depth, disabled_workers, password, overridden, done, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE
SET disabled_workers = EXCLUDED.disabled_workers,
    password         = EXCLUDED.password,
    overridden       = EXCLUDED.overridden,
    done             = EXCLUDED.done`

// Save persists the task, replacing any previous version. Lineage and the
// creation timestamp are immutable; re-saves only touch the mutable columns.
// The file row must already exist.
func (s *TaskStore) Save(ctx context.Context, task *triage.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.ID().String()),
		attribute.String("sha256", task.File().SHA256()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_task", dbAttrs, func(ctx context.Context) error {
		// A nil slice would encode as SQL NULL; the column is NOT NULL.
		disabled := task.DisabledWorkers()
		if disabled == nil {
			disabled = []string{}
		}

		_, err := s.pool.Exec(ctx, saveTaskQuery,
			pgUUID(task.ID()),
			task.File().SHA256(),
			pgUUIDOrNil(task.ParentID()),
			pgUUIDOrNil(task.OriginID()),
			int32(task.Depth()),
			disabled,
			task.Password(),
			task.Overridden(),
			task.Done(),
			task.CreatedAt(),
		)
		if err != nil {
			return fmt.Errorf("saving task: %w", err)
		}
		return nil
	})
}

const loadTaskQuery = `
SELECT t.parent_id, t.origin_id, t.depth, t.disabled_workers, t.password, t.overridden, t.done, t.created_at,
       f.sha256, f.sha1, f.md5, f.size_bytes, f.mime_type, f.kind, f.name, f.deleted, f.saved_at
FROM tasks t
JOIN files f ON f.sha256 = t.file_sha256
WHERE t.id = $1`

// Load retrieves a task by id, reconstructing it together with its file
// metadata.
func (s *TaskStore) Load(ctx context.Context, id uuid.UUID) (*triage.Task, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))

	var task *triage.Task

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_task", dbAttrs, func(ctx context.Context) error {
		var (
			parentID, originID pgtype.UUID
			depth              int32
			disabledWorkers    []string
			password           string
			overridden, done   bool
			createdAt          pgtype.Timestamptz

			sha256, sha1, md5 string
			sizeBytes         int64
			mimeType, kind    string
			name              string
			deleted           bool
			savedAt           pgtype.Timestamptz
		)

		err := s.pool.QueryRow(ctx, loadTaskQuery, pgUUID(id)).Scan(
			&parentID, &originID, &depth, &disabledWorkers, &password, &overridden, &done, &createdAt,
			&sha256, &sha1, &md5, &sizeBytes, &mimeType, &kind, &name, &deleted, &savedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("loading task: %w", err)
		}

		file := triage.ReconstructFile(sha256, sha1, md5, sizeBytes, mimeType,
			triage.ContainerKind(kind), name, deleted, savedAt.Time)
		task = triage.ReconstructTask(id, file, uuidFromPg(parentID), uuidFromPg(originID),
			int(depth), disabledWorkers, password, overridden, done, createdAt.Time)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, triage.ErrTaskNotFound
	}
	return task, nil
}

const markTaskDoneQuery = `UPDATE tasks SET done = TRUE WHERE id = $1`

// MarkDone records that every registered worker has finished the task.
func (s *TaskStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	return s.setFlag(ctx, "postgres.mark_task_done", markTaskDoneQuery, id)
}

const setTaskOverrideQuery = `UPDATE tasks SET overridden = TRUE WHERE id = $1`

// SetOverride pins the task's status to OVERWRITE.
func (s *TaskStore) SetOverride(ctx context.Context, id uuid.UUID) error {
	return s.setFlag(ctx, "postgres.set_task_override", setTaskOverrideQuery, id)
}

// setFlag runs one of the single-column flag updates, translating a missing
// row into ErrTaskNotFound.
func (s *TaskStore) setFlag(ctx context.Context, spanName, query string, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, spanName, dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, pgUUID(id))
		if err != nil {
			return fmt.Errorf("updating task flag: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return triage.ErrTaskNotFound
		}
		return nil
	})
}

const addChildQuery = `
INSERT INTO task_children (parent_id, child_id)
VALUES ($1, $2)
ON CONFLICT (parent_id, child_id) DO NOTHING`

// AddChild records that childID was extracted from parentID. Recording the
// same edge twice is a no-op.
func (s *TaskStore) AddChild(ctx context.Context, parentID, childID uuid.UUID) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("parent_id", parentID.String()),
		attribute.String("child_id", childID.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.add_child", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, addChildQuery, pgUUID(parentID), pgUUID(childID)); err != nil {
			return fmt.Errorf("recording child: %w", err)
		}
		return nil
	})
}

const childrenQuery = `
SELECT child_id FROM task_children WHERE parent_id = $1 ORDER BY seq`

// Children returns the ids of tasks extracted from parentID in recording order.
func (s *TaskStore) Children(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("parent_id", parentID.String()))

	var ids []uuid.UUID

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_children", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, childrenQuery, pgUUID(parentID))
		if err != nil {
			return fmt.Errorf("listing children: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var childID pgtype.UUID
			if err := rows.Scan(&childID); err != nil {
				return fmt.Errorf("scanning child id: %w", err)
			}
			ids = append(ids, uuidFromPg(childID))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

const (
	ensureBudgetQuery = `
INSERT INTO descendant_budgets (origin_id, used)
VALUES ($1, 0)
ON CONFLICT (origin_id) DO NOTHING`

	lockBudgetQuery = `
SELECT used FROM descendant_budgets WHERE origin_id = $1 FOR UPDATE`

	updateBudgetQuery = `
UPDATE descendant_budgets SET used = $2 WHERE origin_id = $1`
)

// ReserveDescendants grants up to n descendant slots against the origin's
// ceiling and returns how many were granted. The row lock keeps concurrent
// extractions under the same origin from both observing headroom and
// overshooting together.
func (s *TaskStore) ReserveDescendants(ctx context.Context, originID uuid.UUID, n, ceiling int) (int, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("origin_id", originID.String()),
		attribute.Int("requested", n),
	)

	var granted int

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.reserve_descendants", dbAttrs, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning reservation: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, ensureBudgetQuery, pgUUID(originID)); err != nil {
			return fmt.Errorf("ensuring budget row: %w", err)
		}

		var used int
		if err := tx.QueryRow(ctx, lockBudgetQuery, pgUUID(originID)).Scan(&used); err != nil {
			return fmt.Errorf("locking budget row: %w", err)
		}

		if used >= ceiling {
			granted = 0
			return tx.Commit(ctx)
		}

		granted = n
		if used+granted > ceiling {
			granted = ceiling - used
		}
		if _, err := tx.Exec(ctx, updateBudgetQuery, pgUUID(originID), used+granted); err != nil {
			return fmt.Errorf("updating budget row: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}
	return granted, nil
}

// pgUUID converts a uuid.UUID to its pgtype representation.
func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// pgUUIDOrNil maps uuid.Nil to SQL NULL; lineage columns use NULL for
// top-level submissions.
func pgUUIDOrNil(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

// uuidFromPg converts back, mapping NULL to uuid.Nil.
func uuidFromPg(v pgtype.UUID) uuid.UUID {
	if !v.Valid {
		return uuid.Nil
	}
	return uuid.UUID(v.Bytes)
}
