package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// setupRedisContainer starts a disposable Redis container and returns a
// connected client.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("localhost:%s", port.Port())})
	require.NoError(t, client.Ping(ctx).Err())

	cleanup := func() {
		_ = client.Close()
		_ = container.Terminate(ctx)
	}
	return client, cleanup
}

func newTestFile(t *testing.T, name string) *triage.File {
	t.Helper()

	digest := uuid.NewString()
	file, err := triage.NewFile(digest, "sha1-"+digest, "md5-"+digest, 64, "text/plain; charset=utf-8", triage.ContainerNone, name)
	require.NoError(t, err)
	return file
}

func TestTaskStore_RoundTrip(t *testing.T) {
	t.Parallel()
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTaskStore(client)

	file := newTestFile(t, "sample.txt")
	task, err := triage.NewTask(file,
		triage.WithPassword("secret"),
		triage.WithDisabledWorkers([]string{"scanner"}),
	)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, task))

	loaded, err := store.Load(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, task.ID(), loaded.ID())
	assert.Equal(t, file.SHA256(), loaded.File().SHA256())
	assert.Equal(t, []string{"scanner"}, loaded.DisabledWorkers())
	assert.Equal(t, "secret", loaded.Password())
	assert.False(t, loaded.Overridden())
	assert.False(t, loaded.Done())
	assert.WithinDuration(t, task.CreatedAt(), loaded.CreatedAt(), time.Second)

	_, err = store.Load(ctx, uuid.New())
	require.ErrorIs(t, err, triage.ErrTaskNotFound)
}

func TestTaskStore_Flags(t *testing.T) {
	t.Parallel()
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTaskStore(client)

	task, err := triage.NewTask(newTestFile(t, "flagged.txt"))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, task))

	require.NoError(t, store.MarkDone(ctx, task.ID()))
	require.NoError(t, store.SetOverride(ctx, task.ID()))

	loaded, err := store.Load(ctx, task.ID())
	require.NoError(t, err)
	assert.True(t, loaded.Done())
	assert.True(t, loaded.Overridden())

	require.ErrorIs(t, store.MarkDone(ctx, uuid.New()), triage.ErrTaskNotFound)
	require.ErrorIs(t, store.SetOverride(ctx, uuid.New()), triage.ErrTaskNotFound)
}

func TestTaskStore_ChildrenKeepOrder(t *testing.T) {
	t.Parallel()
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTaskStore(client)

	parentID := uuid.New()
	want := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, childID := range want {
		require.NoError(t, store.AddChild(ctx, parentID, childID))
	}

	ids, err := store.Children(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, want, ids)

	ids, err = store.Children(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTaskStore_ReserveDescendants(t *testing.T) {
	t.Parallel()
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTaskStore(client)

	origin := uuid.New()

	granted, err := store.ReserveDescendants(ctx, origin, 3, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, granted)

	// Only two slots remain; the request is clamped.
	granted, err = store.ReserveDescendants(ctx, origin, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)

	granted, err = store.ReserveDescendants(ctx, origin, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, granted)

	granted, err = store.ReserveDescendants(ctx, uuid.New(), 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)
}

func TestReportStore_RoundTrip(t *testing.T) {
	t.Parallel()
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewReportStore(client)

	taskID := uuid.New()
	report := triage.NewReport(taskID, "scanner")
	report.AddDetail("signature", "eicar test file")
	report.SetStatus(triage.StatusAlert)
	report.Finish()
	require.NoError(t, store.Save(ctx, report))

	loaded, err := store.Load(ctx, taskID, "scanner")
	require.NoError(t, err)
	assert.Equal(t, taskID, loaded.TaskID())
	assert.Equal(t, "scanner", loaded.Worker())
	assert.Equal(t, triage.StatusAlert, loaded.Status())
	assert.Equal(t, []triage.Detail{{Label: "signature", Message: "eicar test file"}}, loaded.Details())
	assert.True(t, loaded.Finished())

	_, err = store.Load(ctx, taskID, "missing")
	require.ErrorIs(t, err, triage.ErrReportNotFound)
}

func TestReportStore_ListByTask(t *testing.T) {
	t.Parallel()
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewReportStore(client)

	taskID := uuid.New()
	for _, worker := range []string{"hasher", "scanner"} {
		report := triage.NewReport(taskID, worker)
		report.SetStatus(triage.StatusClean)
		report.Finish()
		require.NoError(t, store.Save(ctx, report))
	}

	listed, err := store.ListByTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	workers := map[string]bool{}
	for _, r := range listed {
		workers[r.Worker()] = true
		assert.Equal(t, taskID, r.TaskID())
	}
	assert.Equal(t, map[string]bool{"hasher": true, "scanner": true}, workers)

	listed, err = store.ListByTask(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestFileStore_RoundTripAndDelete(t *testing.T) {
	t.Parallel()
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewFileStore(client)

	file := newTestFile(t, "doomed.txt")
	require.NoError(t, store.Save(ctx, file))

	loaded, err := store.Load(ctx, file.SHA256())
	require.NoError(t, err)
	assert.Equal(t, file.SHA256(), loaded.SHA256())
	assert.Equal(t, file.Name(), loaded.Name())
	assert.False(t, loaded.Deleted())

	require.NoError(t, store.MarkDeleted(ctx, file.SHA256()))
	loaded, err = store.Load(ctx, file.SHA256())
	require.NoError(t, err)
	assert.True(t, loaded.Deleted())
	assert.Equal(t, file.Name(), loaded.Name())

	_, err = store.Load(ctx, "missing")
	require.ErrorIs(t, err, triage.ErrFileNotFound)
	require.ErrorIs(t, store.MarkDeleted(ctx, "missing"), triage.ErrFileNotFound)
}
