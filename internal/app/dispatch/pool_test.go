package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/filesift/internal/domain/triage"
	queuemem "github.com/ahrav/filesift/internal/infra/queue/memory"
)

func TestPoolRunsRegisteredWorkersToConvergence(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(
		Settings{Name: "hasher", Enabled: true, Replicas: 2},
		func(s Settings) (Worker, error) { return &stubWorker{name: "hasher"}, nil },
	))
	require.NoError(t, registry.Register(
		Settings{Name: "scanner", Enabled: true},
		func(s Settings) (Worker, error) {
			return &stubWorker{
				name: "scanner",
				analyseFn: func(_ context.Context, _ *triage.Task, report *triage.Report, _ bool) error {
					report.SetStatus(triage.StatusWarn)
					report.AddDetail("Warning", "suspicious header")
					return nil
				},
			}, nil
		},
	))

	deps := newTestDeps(t, registry.Size())
	task := newTestTask(t)
	deps.seed(t, ctx, task)

	queue := queuemem.NewQueue()
	defer queue.Close()

	pool := NewPool(registry, queue,
		deps.tasks, deps.files, deps.reports, deps.tracker,
		testLogger(), deps.metrics, testTracer())
	require.NoError(t, pool.Start(ctx))

	require.NoError(t, queue.Publish(ctx, triage.Assignment{TaskID: task.ID()}))

	assert.Eventually(t, func() bool {
		loaded, err := deps.tasks.Load(ctx, task.ID())
		return err == nil && loaded.Done()
	}, 3*time.Second, 20*time.Millisecond)

	reports, err := deps.reports.ListByTask(ctx, task.ID())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "hasher", reports[0].Worker())
	assert.Equal(t, triage.StatusClean, reports[0].Status())
	assert.Equal(t, "scanner", reports[1].Worker())
	assert.Equal(t, triage.StatusWarn, reports[1].Status())

	assert.Equal(t, triage.StatusWarn, triage.Resolve(false, reports))
}

func TestPoolRejectsMisnamedWorker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	registry := NewRegistry()
	require.NoError(t, registry.Register(
		Settings{Name: "hasher", Enabled: true},
		func(s Settings) (Worker, error) { return &stubWorker{name: "imposter"}, nil },
	))

	deps := newTestDeps(t, registry.Size())
	queue := queuemem.NewQueue()
	defer queue.Close()

	pool := NewPool(registry, queue,
		deps.tasks, deps.files, deps.reports, deps.tracker,
		testLogger(), deps.metrics, testTracer())
	assert.Error(t, pool.Start(ctx))
}
