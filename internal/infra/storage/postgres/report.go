package postgres

import (
	"context"
	"encoding/json"
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

// Ensure ReportStore implements triage.ReportRepository at compile time.
var _ triage.ReportRepository = (*ReportStore)(nil)

// ReportStore implements triage.ReportRepository on PostgreSQL. One row per
// (task, worker) pair; details and extras are stored as JSONB documents.
type ReportStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewReportStore creates a ReportRepository backed by PostgreSQL.
func NewReportStore(pool *pgxpool.Pool, tracer trace.Tracer) *ReportStore {
	return &ReportStore{pool: pool, tracer: tracer}
}

const saveReportQuery = `
INSERT INTO reports (task_id, worker, status, details, extras, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (task_id, worker) DO UPDATE
SET status       = EXCLUDED.status,
    details      = EXCLUDED.details,
    extras       = EXCLUDED.extras,
    started_at   = EXCLUDED.started_at,
    completed_at = EXCLUDED.completed_at`

// Save persists the report, replacing any previous version for the same
// task and worker.
func (s *ReportStore) Save(ctx context.Context, report *triage.Report) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", report.TaskID().String()),
		attribute.String("worker", report.Worker()),
		attribute.String("status", string(report.Status())),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_report", dbAttrs, func(ctx context.Context) error {
		details, err := json.Marshal(report.Details())
		if err != nil {
			return fmt.Errorf("marshaling details: %w", err)
		}
		extras, err := json.Marshal(report.Extras())
		if err != nil {
			return fmt.Errorf("marshaling extras: %w", err)
		}

		_, err = s.pool.Exec(ctx, saveReportQuery,
			pgUUID(report.TaskID()),
			report.Worker(),
			string(report.Status()),
			details,
			extras,
			report.StartedAt(),
			pgtype.Timestamptz{Time: report.CompletedAt(), Valid: !report.CompletedAt().IsZero()},
		)
		if err != nil {
			return fmt.Errorf("saving report: %w", err)
		}
		return nil
	})
}

const loadReportQuery = `
SELECT status, details, extras, started_at, completed_at
FROM reports
WHERE task_id = $1 AND worker = $2`

// Load retrieves one worker's report for a task.
func (s *ReportStore) Load(ctx context.Context, taskID uuid.UUID, worker string) (*triage.Report, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
		attribute.String("worker", worker),
	)

	var report *triage.Report

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_report", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, loadReportQuery, pgUUID(taskID), worker)

		rec, err := scanReport(row, taskID, worker)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		report = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, triage.ErrReportNotFound
	}
	return report, nil
}

const listReportsQuery = `
SELECT worker, status, details, extras, started_at, completed_at
FROM reports
WHERE task_id = $1
ORDER BY worker`

// ListByTask returns all stored reports for the task, one per worker that
// has started.
func (s *ReportStore) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*triage.Report, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", taskID.String()))

	var reports []*triage.Report

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_reports", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, listReportsQuery, pgUUID(taskID))
		if err != nil {
			return fmt.Errorf("listing reports: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				worker          string
				status          string
				details, extras []byte
				startedAt       pgtype.Timestamptz
				completedAt     pgtype.Timestamptz
			)
			if err := rows.Scan(&worker, &status, &details, &extras, &startedAt, &completedAt); err != nil {
				return fmt.Errorf("scanning report: %w", err)
			}

			rec, err := reconstructReport(taskID, worker, status, details, extras, startedAt, completedAt)
			if err != nil {
				return err
			}
			reports = append(reports, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// scanReport reads one report row where the task and worker are already known.
func scanReport(row pgx.Row, taskID uuid.UUID, worker string) (*triage.Report, error) {
	var (
		status          string
		details, extras []byte
		startedAt       pgtype.Timestamptz
		completedAt     pgtype.Timestamptz
	)
	if err := row.Scan(&status, &details, &extras, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	return reconstructReport(taskID, worker, status, details, extras, startedAt, completedAt)
}

func reconstructReport(
	taskID uuid.UUID,
	worker, status string,
	details, extras []byte,
	startedAt, completedAt pgtype.Timestamptz,
) (*triage.Report, error) {
	var detailList []triage.Detail
	if len(details) > 0 {
		if err := json.Unmarshal(details, &detailList); err != nil {
			return nil, fmt.Errorf("unmarshaling details: %w", err)
		}
	}
	var extraMap map[string]any
	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &extraMap); err != nil {
			return nil, fmt.Errorf("unmarshaling extras: %w", err)
		}
	}

	return triage.ReconstructReport(taskID, worker, triage.Status(status),
		detailList, extraMap, startedAt.Time, completedAt.Time), nil
}
