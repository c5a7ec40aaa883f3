package extraction

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/internal/infra/storage/memory"
	"github.com/ahrav/filesift/pkg/common/logger"
)

func testLogger() *logger.Logger { return logger.Noop() }

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

func newContentFile(t *testing.T, name string, kind triage.ContainerKind, data []byte) *triage.File {
	t.Helper()
	s256 := sha256.Sum256(data)
	s1 := sha1.Sum(data)
	m5 := md5.Sum(data)
	file, err := triage.NewFile(
		hex.EncodeToString(s256[:]),
		hex.EncodeToString(s1[:]),
		hex.EncodeToString(m5[:]),
		int64(len(data)),
		"application/octet-stream",
		kind,
		name,
	)
	require.NoError(t, err)
	return file
}

// spawnRecord captures one SubmitChild call.
type spawnRecord struct {
	name string
	data []byte
	task *triage.Task
}

// childHarness fakes the coordinator side of extraction: it materialises real
// child tasks, tracks convergence waits and serves configured final statuses.
type childHarness struct {
	mu        sync.Mutex
	spawned   []spawnRecord
	names     map[uuid.UUID]string
	statusFor map[string]triage.Status
	failFor   map[string]error
	awaited   []uuid.UUID
	awaitErr  error
}

func newChildHarness() *childHarness {
	return &childHarness{
		names:     make(map[uuid.UUID]string),
		statusFor: make(map[string]triage.Status),
		failFor:   make(map[string]error),
	}
}

func (h *childHarness) SubmitChild(ctx context.Context, parent *triage.Task, filename string, data []byte) (*triage.Task, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.failFor[filename]; ok {
		return nil, err
	}
	s256 := sha256.Sum256(data)
	s1 := sha1.Sum(data)
	m5 := md5.Sum(data)
	file, err := triage.NewFile(
		hex.EncodeToString(s256[:]),
		hex.EncodeToString(s1[:]),
		hex.EncodeToString(m5[:]),
		int64(len(data)),
		"application/octet-stream",
		triage.ContainerNone,
		filename,
	)
	if err != nil {
		return nil, err
	}
	task, err := triage.NewTask(file, triage.WithParent(parent))
	if err != nil {
		return nil, err
	}
	h.spawned = append(h.spawned, spawnRecord{name: filename, data: data, task: task})
	h.names[task.ID()] = filename
	return task, nil
}

func (h *childHarness) TaskStatus(ctx context.Context, id uuid.UUID) (triage.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status, ok := h.statusFor[h.names[id]]; ok {
		return status, nil
	}
	return triage.StatusClean, nil
}

func (h *childHarness) AwaitConvergence(ctx context.Context, id uuid.UUID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.awaited = append(h.awaited, id)
	return h.awaitErr
}

func (h *childHarness) spawnedNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.spawned))
	for _, rec := range h.spawned {
		names = append(names, rec.name)
	}
	return names
}

func (h *childHarness) spawnedData(name string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range h.spawned {
		if rec.name == name {
			return rec.data
		}
	}
	return nil
}

// stubBlob is an in-memory blob store.
type stubBlob struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newStubBlob() *stubBlob { return &stubBlob{blobs: make(map[string][]byte)} }

func (b *stubBlob) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = data
}

func (b *stubBlob) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.put(key, data)
	return nil
}

func (b *stubBlob) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, triage.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *stubBlob) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}

// stubMetrics counts instrumentation calls.
type stubMetrics struct {
	mu         sync.Mutex
	extracted  int
	spawned    int
	pwMisses   int
	budgetHits int
}

func (m *stubMetrics) IncExtractedFiles(ctx context.Context, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extracted += count
}

func (m *stubMetrics) IncSpawnedChildren(ctx context.Context, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawned += count
}

func (m *stubMetrics) IncPasswordMisses(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pwMisses++
}

func (m *stubMetrics) IncDescendantLimitHits(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgetHits++
}

func (m *stubMetrics) passwordMisses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pwMisses
}

func (m *stubMetrics) budgetHitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budgetHits
}

func defaultConfig() Config {
	return Config{
		MaxFiles:       8,
		MaxSizeBytes:   1 << 20,
		MaxIsError:     false,
		Passwords:      []string{"wrong", "infected"},
		MaxDepth:       3,
		MaxDescendants: 64,
	}
}

// testEnv wires a worker against in-memory collaborators.
type testEnv struct {
	worker  *Worker
	blob    *stubBlob
	tasks   *memory.TaskStore
	kids    *childHarness
	metrics *stubMetrics
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	blob := newStubBlob()
	kids := newChildHarness()
	metrics := &stubMetrics{}
	tasks := memory.NewTaskStore()
	worker := NewWorker(cfg, blob, tasks, kids, kids, kids, testLogger(), metrics, testTracer())
	return &testEnv{worker: worker, blob: blob, tasks: tasks, kids: kids, metrics: metrics}
}

// submitContainer stores the bytes and returns a task for them.
func (e *testEnv) submitContainer(t *testing.T, name string, kind triage.ContainerKind, data []byte, opts ...triage.TaskOption) *triage.Task {
	t.Helper()
	file := newContentFile(t, name, kind, data)
	task, err := triage.NewTask(file, opts...)
	require.NoError(t, err)
	e.blob.put(file.SHA256(), data)
	return task
}

func detailMessages(report *triage.Report) []string {
	details := report.Details()
	msgs := make([]string, 0, len(details))
	for _, d := range details {
		msgs = append(msgs, d.Message)
	}
	return msgs
}
