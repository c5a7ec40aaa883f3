package orchestration

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/internal/infra/blob/disk"
	"github.com/ahrav/filesift/internal/infra/storage/memory"
	"github.com/ahrav/filesift/pkg/common/logger"
)

func testLogger() *logger.Logger { return logger.Noop() }

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

// stubQueue records published assignments instead of delivering them.
type stubQueue struct {
	mu         sync.Mutex
	published  []triage.Assignment
	publishErr error
}

func (q *stubQueue) Publish(ctx context.Context, a triage.Assignment) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, a)
	return nil
}

func (q *stubQueue) Subscribe(ctx context.Context, group string, handler triage.AssignmentHandler) error {
	return nil
}

func (q *stubQueue) Close() error { return nil }

func (q *stubQueue) assignments() []triage.Assignment {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]triage.Assignment, len(q.published))
	copy(out, q.published)
	return out
}

// stubMetrics counts instrumentation calls for assertions.
type stubMetrics struct {
	mu          sync.Mutex
	submissions int
	children    int
	rejected    int
	deleted     int
	triggers    int
}

func (m *stubMetrics) IncSubmissions(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions++
}

func (m *stubMetrics) IncChildSubmissions(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children++
}

func (m *stubMetrics) IncRejectedSubmissions(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

func (m *stubMetrics) IncDeletedFiles(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted++
}

func (m *stubMetrics) IncManualTriggers(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers++
}

func (m *stubMetrics) count(of string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch of {
	case "submissions":
		return m.submissions
	case "children":
		return m.children
	case "rejected":
		return m.rejected
	case "deleted":
		return m.deleted
	case "triggers":
		return m.triggers
	}
	return 0
}

// testWorkers is the registered worker set coordinator tests resolve against.
var testWorkers = []string{"hasher", "scanner"}

type testEnv struct {
	coord   *Coordinator
	tasks   *memory.TaskStore
	reports *memory.ReportStore
	files   *memory.FileStore
	blobs   *disk.Store
	queue   *stubQueue
	metrics *stubMetrics
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	blobs, err := disk.NewStore(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		tasks:   memory.NewTaskStore(),
		reports: memory.NewReportStore(),
		files:   memory.NewFileStore(),
		blobs:   blobs,
		queue:   &stubQueue{},
		metrics: &stubMetrics{},
	}
	env.coord = NewCoordinator(
		cfg,
		testWorkers,
		env.tasks,
		env.reports,
		env.files,
		env.blobs,
		env.queue,
		testLogger(),
		env.metrics,
		testTracer(),
	)
	return env
}

// finishReport stores a finished report with the given status for the task.
func (e *testEnv) finishReport(t *testing.T, ctx context.Context, taskID uuid.UUID, worker string, status triage.Status) {
	t.Helper()
	report := triage.NewReport(taskID, worker)
	report.SetStatus(status)
	report.Finish()
	require.NoError(t, e.reports.Save(ctx, report))
}
