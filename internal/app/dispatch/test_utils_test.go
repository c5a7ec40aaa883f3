package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/internal/infra/storage/memory"
	"github.com/ahrav/filesift/pkg/common/logger"
)

func testLogger() *logger.Logger { return logger.Noop() }

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

// stubWorker implements Worker with overridable hooks.
type stubWorker struct {
	name         string
	applicableFn func(*triage.Task) bool
	analyseFn    func(context.Context, *triage.Task, *triage.Report, bool) error
}

func (w *stubWorker) Name() string { return w.name }

func (w *stubWorker) Applicable(task *triage.Task) bool {
	if w.applicableFn == nil {
		return true
	}
	return w.applicableFn(task)
}

func (w *stubWorker) Analyse(ctx context.Context, task *triage.Task, report *triage.Report, manual bool) error {
	if w.analyseFn == nil {
		return nil
	}
	return w.analyseFn(ctx, task, report, manual)
}

// stubMetrics records instrumentation calls for assertions.
type stubMetrics struct {
	mu        sync.Mutex
	handled   int
	failed    int
	converged int
	finalized map[triage.Status]int
}

func newStubMetrics() *stubMetrics {
	return &stubMetrics{finalized: make(map[triage.Status]int)}
}

func (m *stubMetrics) IncAssignmentsHandled(ctx context.Context, worker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled++
}

func (m *stubMetrics) IncAssignmentsFailed(ctx context.Context, worker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *stubMetrics) IncReportsFinalized(ctx context.Context, worker string, status triage.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized[status]++
}

func (m *stubMetrics) ObserveAnalyseDuration(ctx context.Context, worker string, d time.Duration) {}

func (m *stubMetrics) IncTasksConverged(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.converged++
}

func (m *stubMetrics) convergedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.converged
}

func (m *stubMetrics) finalizedCount(status triage.Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized[status]
}

func newTestFile(t *testing.T, name string, kind triage.ContainerKind) *triage.File {
	t.Helper()
	file, err := triage.NewFile(
		"2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae",
		"0a0a9f2a6772942557ab5355d76af442f8f65e01",
		"b10a8db164e0754105b7a99be72e3fe5",
		512,
		"application/octet-stream",
		kind,
		name,
	)
	require.NoError(t, err)
	return file
}

func newTestTask(t *testing.T, opts ...triage.TaskOption) *triage.Task {
	t.Helper()
	task, err := triage.NewTask(newTestFile(t, "sample.bin", triage.ContainerNone), opts...)
	require.NoError(t, err)
	return task
}

// testDeps bundles the in-memory stores a runner needs.
type testDeps struct {
	tasks   *memory.TaskStore
	files   *memory.FileStore
	reports *memory.ReportStore
	tracker *Tracker
	metrics *stubMetrics
}

func newTestDeps(t *testing.T, workerTotal int) *testDeps {
	t.Helper()
	metrics := newStubMetrics()
	tasks := memory.NewTaskStore()
	reports := memory.NewReportStore()
	return &testDeps{
		tasks:   tasks,
		files:   memory.NewFileStore(),
		reports: reports,
		tracker: NewTracker(workerTotal, tasks, reports, testLogger(), metrics),
		metrics: metrics,
	}
}

// seed persists the task and its file so a runner can pick them up.
func (d *testDeps) seed(t *testing.T, ctx context.Context, task *triage.Task) {
	t.Helper()
	require.NoError(t, d.files.Save(ctx, task.File()))
	require.NoError(t, d.tasks.Save(ctx, task))
}
