package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ahrav/filesift/internal/domain/triage"
)

var _ triage.ReportRepository = (*ReportStore)(nil)

// ReportStore is a Redis-backed triage.ReportRepository. All reports of one
// task live in a single hash keyed by worker name, so listing a task's
// reports never scans the keyspace.
type ReportStore struct{ client *redis.Client }

// NewReportStore creates a report store on the given client.
func NewReportStore(client *redis.Client) *ReportStore { return &ReportStore{client: client} }

// Save persists the report, replacing any previous version for the same
// (task, worker) pair.
func (s *ReportStore) Save(ctx context.Context, report *triage.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("redis report store: marshal %s/%s: %w", report.TaskID(), report.Worker(), err)
	}
	if err := s.client.HSet(ctx, reportKey(report.TaskID()), report.Worker(), data).Err(); err != nil {
		return fmt.Errorf("redis report store: save %s/%s: %w", report.TaskID(), report.Worker(), err)
	}
	return nil
}

// Load retrieves the report one worker stored for the task.
func (s *ReportStore) Load(ctx context.Context, taskID uuid.UUID, worker string) (*triage.Report, error) {
	data, err := s.client.HGet(ctx, reportKey(taskID), worker).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, triage.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis report store: load %s/%s: %w", taskID, worker, err)
	}

	var report triage.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("redis report store: decode %s/%s: %w", taskID, worker, err)
	}
	return &report, nil
}

// ListByTask returns all stored reports for the task, one per worker that has
// started, sorted by worker name.
func (s *ReportStore) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*triage.Report, error) {
	fields, err := s.client.HGetAll(ctx, reportKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis report store: list %s: %w", taskID, err)
	}

	reports := make([]*triage.Report, 0, len(fields))
	for worker, data := range fields {
		var report triage.Report
		if err := json.Unmarshal([]byte(data), &report); err != nil {
			return nil, fmt.Errorf("redis report store: decode %s/%s: %w", taskID, worker, err)
		}
		reports = append(reports, &report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Worker() < reports[j].Worker() })
	return reports, nil
}
