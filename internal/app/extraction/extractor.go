// Package extraction implements the container worker: it unpacks archives,
// disk images and email attachments, resubmits every extracted payload as a
// child task, and folds the children's final statuses back into its own
// report once they converge. All unpacking is bounded by a per-entry size
// ceiling, a per-archive file count and a per-submission descendant budget.
package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/filesift/internal/app/dispatch"
	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/pkg/common/logger"
)

// WorkerName keys the extractor's reports, queue group and configuration.
const WorkerName = "extractor"

var _ dispatch.Worker = (*Worker)(nil)

// Config bounds a single extraction pass.
type Config struct {
	// MaxFiles caps how many entries are unpacked from one container.
	MaxFiles int

	// MaxSizeBytes caps the decompressed size of a single entry. Declared
	// sizes are checked first but never trusted; every copy is capped too.
	MaxSizeBytes int64

	// MaxIsError selects ERROR over ALERT when a bound is hit.
	MaxIsError bool

	// Passwords are tried against encrypted containers when the task does
	// not carry its own password.
	Passwords []string

	// MaxDepth is the nesting ceiling; containers at this depth are not
	// unpacked further.
	MaxDepth int

	// MaxDescendants caps the total number of tasks extraction may create
	// under one origin submission, across all nesting levels.
	MaxDescendants int

	// WorkDir hosts the per-extraction scratch directories. Empty means
	// the system temp dir.
	WorkDir string
}

// ChildSpawner submits one extracted payload as a child task of parent and
// returns the created task.
type ChildSpawner interface {
	SubmitChild(ctx context.Context, parent *triage.Task, filename string, data []byte) (*triage.Task, error)
}

// StatusReader resolves a task's current aggregate status.
type StatusReader interface {
	TaskStatus(ctx context.Context, id uuid.UUID) (triage.Status, error)
}

// ConvergenceWaiter blocks until every worker has finished the given task.
type ConvergenceWaiter interface {
	AwaitConvergence(ctx context.Context, id uuid.UUID) error
}

// Metrics records extraction activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	IncExtractedFiles(ctx context.Context, count int)
	IncSpawnedChildren(ctx context.Context, count int)
	IncPasswordMisses(ctx context.Context)
	IncDescendantLimitHits(ctx context.Context)
}

// Worker unpacks supported containers and manages the resulting child tasks.
// One instance handles one task at a time; replicas provide parallelism.
type Worker struct {
	cfg Config

	blobs    triage.BlobStore
	tasks    triage.TaskRepository
	spawner  ChildSpawner
	statuses StatusReader
	waiter   ConvergenceWaiter

	logger  *logger.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// NewWorker creates an extraction worker.
func NewWorker(
	cfg Config,
	blobs triage.BlobStore,
	tasks triage.TaskRepository,
	spawner ChildSpawner,
	statuses StatusReader,
	waiter ConvergenceWaiter,
	log *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) *Worker {
	return &Worker{
		cfg:      cfg,
		blobs:    blobs,
		tasks:    tasks,
		spawner:  spawner,
		statuses: statuses,
		waiter:   waiter,
		logger:   log.With("component", "extraction_worker"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Name implements the worker contract.
func (w *Worker) Name() string { return WorkerName }

// Applicable reports whether the task's file is a container the worker can
// open.
func (w *Worker) Applicable(task *triage.Task) bool {
	return task.File().Kind().IsContainer()
}

// Analyse unpacks the container, spawns a child task per extracted payload
// and waits for all of them to converge before finalising its own report.
func (w *Worker) Analyse(ctx context.Context, task *triage.Task, report *triage.Report, manual bool) error {
	ctx, span := w.tracer.Start(ctx, "extraction.worker.analyse",
		trace.WithAttributes(
			attribute.String("task_id", task.ID().String()),
			attribute.String("container_kind", string(task.File().Kind())),
			attribute.Int("depth", task.Depth()),
		))
	defer span.End()

	if task.Depth() >= w.cfg.MaxDepth {
		report.SetStatus(triage.StatusWarn)
		report.AddDetail("Warning", fmt.Sprintf(
			"Maximum container nesting depth (%d) reached, not extracting further.", w.cfg.MaxDepth))
		span.AddEvent("depth_ceiling_reached")
		return nil
	}

	if task.File().Kind() == triage.ContainerEmail {
		return w.analyseEmail(ctx, task, report)
	}
	return w.analyseArchive(ctx, task, report)
}

func (w *Worker) analyseArchive(ctx context.Context, task *triage.Task, report *triage.Report) error {
	span := trace.SpanFromContext(ctx)

	data, err := w.readBlob(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "blob read failed")
		return err
	}

	dest, err := os.MkdirTemp(w.cfg.WorkDir, "extract-*")
	if err != nil {
		return fmt.Errorf("creating extraction dir: %w", err)
	}
	defer os.RemoveAll(dest)

	name := task.File().Name()
	paths, err := w.unpack(ctx, task, report, data, dest)
	if err != nil {
		// Unreadable containers are suspicious, not fatal: record the
		// failure on the report and let the task finish.
		w.logger.Warn(ctx, "Extraction worker: unable to extract container",
			"task_id", task.ID().String(), "file", name, "error", err)
		span.RecordError(err)
		span.AddEvent("extraction_failed")
		report.SetStatus(triage.StatusWarn)
		report.AddDetail("Warning", fmt.Sprintf("Unable to extract %s: %s.", name, err))
		report.AddExtra("no_password", true)
		w.metrics.IncPasswordMisses(ctx)
		return w.converge(ctx, task, report, nil)
	}
	w.metrics.IncExtractedFiles(ctx, len(paths))
	span.SetAttributes(attribute.Int("extracted_files", len(paths)))

	payloads, err := loadPayloads(paths)
	if err != nil {
		return fmt.Errorf("reading extracted files: %w", err)
	}
	children, err := w.spawn(ctx, task, report, payloads)
	if err != nil {
		return err
	}
	return w.converge(ctx, task, report, children)
}

// unpack routes the container to its format handler. Zip gets a second pass
// under the AES-capable reader when the first yields nothing; the details and
// extras accumulated by the failed pass are dropped first so the report only
// reflects the attempt that counted.
func (w *Worker) unpack(ctx context.Context, task *triage.Task, report *triage.Report, data []byte, dest string) ([]string, error) {
	switch task.File().Kind() {
	case triage.ContainerZip:
		paths, err := w.extractZip(ctx, task, report, data, dest, false)
		if err == nil && len(paths) == 0 {
			report.ClearExtras()
			report.ClearDetails()
			paths, err = w.extractZip(ctx, task, report, data, dest, true)
		}
		return paths, err
	case triage.Container7z:
		return w.extract7z(ctx, task, report, data, dest)
	case triage.ContainerRar:
		return w.extractRar(ctx, task, report, data, dest)
	case triage.ContainerTar:
		return w.extractTar(ctx, task, report, data, dest)
	case triage.ContainerGzip, triage.ContainerBzip2, triage.ContainerXz:
		return w.extractStream(ctx, task, report, data, dest)
	case triage.ContainerISO:
		return w.extractISO(ctx, task, report, data, dest)
	default:
		return nil, fmt.Errorf("unsupported container type %q", task.File().MIME())
	}
}

// payload is one extracted file ready to be resubmitted.
type payload struct {
	name string
	data []byte
}

func loadPayloads(paths []string) ([]payload, error) {
	out := make([]payload, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filepath.Base(p), err)
		}
		out = append(out, payload{name: filepath.Base(p), data: data})
	}
	return out, nil
}

// spawn resubmits the payloads as child tasks, honouring the per-origin
// descendant budget. Payloads beyond the granted budget are dropped with a
// detail; a failed submission skips that payload and keeps the rest.
func (w *Worker) spawn(ctx context.Context, task *triage.Task, report *triage.Report, payloads []payload) ([]*triage.Task, error) {
	if len(payloads) == 0 {
		return nil, nil
	}

	grant, err := w.tasks.ReserveDescendants(ctx, task.Origin(), len(payloads), w.cfg.MaxDescendants)
	if err != nil {
		return nil, fmt.Errorf("reserving descendant budget: %w", err)
	}
	if grant < len(payloads) {
		dropped := len(payloads) - grant
		w.logger.Warn(ctx, "Extraction worker: descendant budget exhausted",
			"task_id", task.ID().String(), "origin_id", task.Origin().String(), "dropped", dropped)
		w.overflow(report, fmt.Sprintf(
			"Too many files extracted under this submission, dropping %d.", dropped))
		w.metrics.IncDescendantLimitHits(ctx)
		payloads = payloads[:grant]
	}

	children := make([]*triage.Task, 0, len(payloads))
	for _, p := range payloads {
		child, err := w.spawner.SubmitChild(ctx, task, p.name, p.data)
		if err != nil {
			w.logger.Warn(ctx, "Extraction worker: unable to submit extracted file",
				"task_id", task.ID().String(), "file", p.name, "error", err)
			report.AddDetail("Warning", fmt.Sprintf("Unable to process extracted file %s: %s.", p.name, err))
			continue
		}
		children = append(children, child)
	}
	w.metrics.IncSpawnedChildren(ctx, len(children))
	return children, nil
}

// converge waits for every child to finish all of its workers, then folds
// the children's final statuses into this report. No children means the
// container produced nothing, which is itself suspicious.
func (w *Worker) converge(ctx context.Context, task *triage.Task, report *triage.Report, children []*triage.Task) error {
	if len(children) == 0 {
		report.SetStatus(triage.Fold(report.Status(), []triage.Status{triage.StatusWarn}))
		report.AddDetail("Warning", "Looks like the archive is empty (?). This is suspicious.")
		return nil
	}

	statuses := make([]triage.Status, 0, len(children))
	for _, child := range children {
		if err := w.waiter.AwaitConvergence(ctx, child.ID()); err != nil {
			return fmt.Errorf("waiting for extracted file %s: %w", child.ID(), err)
		}
		status, err := w.statuses.TaskStatus(ctx, child.ID())
		if err != nil {
			return fmt.Errorf("resolving status of extracted file %s: %w", child.ID(), err)
		}
		statuses = append(statuses, status)
	}

	final := triage.Fold(report.Status(), statuses)
	report.SetStatus(final)
	if final.Rank() > triage.StatusClean.Rank() {
		report.AddDetail("Warning", `There are suspicious files in this archive, click on the "Extracted" tab for more.`)
	}
	return nil
}

func (w *Worker) readBlob(ctx context.Context, task *triage.Task) ([]byte, error) {
	rc, err := w.blobs.Get(ctx, task.File().SHA256())
	if err != nil {
		return nil, fmt.Errorf("fetching container contents: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading container contents: %w", err)
	}
	return data, nil
}

// passwordCandidates returns the passwords to try, task-supplied password
// exclusively when present.
func (w *Worker) passwordCandidates(task *triage.Task) []string {
	if pwd := task.Password(); pwd != "" {
		return []string{pwd}
	}
	return w.cfg.Passwords
}

// overflow records a bound violation with the configured severity.
func (w *Worker) overflow(report *triage.Report, msg string) {
	if w.cfg.MaxIsError {
		report.SetStatus(triage.StatusError)
	} else {
		report.SetStatus(triage.StatusAlert)
	}
	report.AddDetail("Warning", msg)
}

func (w *Worker) skipTooBig(report *triage.Report, name string, size int64) {
	w.overflow(report, fmt.Sprintf("Skipping file %s, too big (%d).", name, size))
}

// passwordFailure records that no candidate password opened the container.
func (w *Worker) passwordFailure(ctx context.Context, report *triage.Report, msg string) {
	report.SetStatus(triage.StatusWarn)
	report.AddDetail("Warning", msg)
	report.AddExtra("no_password", true)
	w.metrics.IncPasswordMisses(ctx)
}

var errEmptyEntryName = errors.New("empty entry name")

// entryPath joins an archive entry name onto dest, normalising the name so
// entries cannot escape the extraction directory.
func entryPath(dest, name string) (string, error) {
	cleaned := path.Clean("/" + filepath.ToSlash(name))[1:]
	if cleaned == "" {
		return "", errEmptyEntryName
	}
	return filepath.Join(dest, filepath.FromSlash(cleaned)), nil
}

// writeEntry copies one entry into dest, capping the copy at the size
// ceiling. It returns the written path, the byte count and whether the entry
// blew past the cap (in which case the partial file is removed).
func (w *Worker) writeEntry(dest, name string, r io.Reader) (string, int64, bool, error) {
	target, err := entryPath(dest, name)
	if err != nil {
		return "", 0, false, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", 0, false, fmt.Errorf("creating entry dir: %w", err)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, false, fmt.Errorf("creating entry file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, w.cfg.MaxSizeBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return "", 0, false, err
	}
	if n > w.cfg.MaxSizeBytes {
		os.Remove(target)
		return "", n, true, nil
	}
	return target, n, false, nil
}

// drainCapped reads r fully up to the size ceiling plus one byte, so callers
// can tell a maximal stream from an oversized one.
func (w *Worker) drainCapped(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(r, w.cfg.MaxSizeBytes+1)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
