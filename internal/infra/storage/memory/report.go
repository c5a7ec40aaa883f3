package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// ReportStore is an in-memory triage.ReportRepository keyed by
// (task id, worker name).
type ReportStore struct {
	mu      sync.Mutex
	reports map[uuid.UUID]map[string]*triage.Report
}

// NewReportStore creates an empty in-memory report store.
func NewReportStore() *ReportStore {
	return &ReportStore{reports: make(map[uuid.UUID]map[string]*triage.Report)}
}

// Save persists the report, replacing any previous version for the same
// (task, worker) pair. Manual re-triggers overwrite the earlier run.
func (s *ReportStore) Save(ctx context.Context, report *triage.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byWorker, ok := s.reports[report.TaskID()]
	if !ok {
		byWorker = make(map[string]*triage.Report)
		s.reports[report.TaskID()] = byWorker
	}
	byWorker[report.Worker()] = copyReport(report)
	return nil
}

// Load retrieves the report one worker produced for one task.
func (s *ReportStore) Load(ctx context.Context, taskID uuid.UUID, worker string) (*triage.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[taskID][worker]
	if !ok {
		return nil, triage.ErrReportNotFound
	}
	return copyReport(report), nil
}

// ListByTask returns all stored reports for the task, sorted by worker name.
func (s *ReportStore) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*triage.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byWorker := s.reports[taskID]
	out := make([]*triage.Report, 0, len(byWorker))
	for _, report := range byWorker {
		out = append(out, copyReport(report))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker() < out[j].Worker() })
	return out, nil
}

func copyReport(r *triage.Report) *triage.Report {
	return triage.ReconstructReport(
		r.TaskID(),
		r.Worker(),
		r.Status(),
		r.Details(),
		r.Extras(),
		r.StartedAt(),
		r.CompletedAt(),
	)
}
