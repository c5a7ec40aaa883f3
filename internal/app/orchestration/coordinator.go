// Package orchestration owns the task lifecycle outside the workers: intake
// of submitted content, resubmission of extracted payloads as child tasks,
// file deletion, manual re-triggering, operator overrides and the status and
// report queries served to operators.
package orchestration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/filesift/internal/app/extraction"
	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/internal/infra/probe"
	"github.com/ahrav/filesift/pkg/common"
	"github.com/ahrav/filesift/pkg/common/logger"
)

var (
	_ extraction.ChildSpawner = (*Coordinator)(nil)
	_ extraction.StatusReader = (*Coordinator)(nil)
)

// Metrics records intake and lifecycle activity. Implementations must be safe
// for concurrent use.
type Metrics interface {
	IncSubmissions(ctx context.Context)
	IncChildSubmissions(ctx context.Context)
	IncRejectedSubmissions(ctx context.Context)
	IncDeletedFiles(ctx context.Context)
	IncManualTriggers(ctx context.Context)
}

// Config bounds the intake path.
type Config struct {
	// MaxUploadBytes caps the size of one submission. Zero means unbounded.
	MaxUploadBytes int64

	// RatePerSecond and RateBurst gate how fast submissions are accepted.
	// Extracted children pass the same gate, which bounds the fan-out
	// velocity of deeply nested containers. A zero rate disables the gate.
	RatePerSecond float64
	RateBurst     int
}

// Coordinator is the application service behind every task lifecycle
// operation. It also serves as the extraction worker's spawner and status
// resolver, so extracted payloads re-enter the system through the same intake
// path as operator submissions.
type Coordinator struct {
	cfg Config

	// workers lists the registered worker names in registration order; it
	// defines the report set a task's status is resolved over.
	workers    []string
	registered map[string]bool

	tasks   triage.TaskRepository
	reports triage.ReportRepository
	files   triage.FileRepository
	blobs   triage.BlobStore
	queue   triage.TaskQueue

	limiter *common.RateLimiter

	logger  *logger.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// NewCoordinator creates a coordinator for the given worker set.
func NewCoordinator(
	cfg Config,
	workers []string,
	tasks triage.TaskRepository,
	reports triage.ReportRepository,
	files triage.FileRepository,
	blobs triage.BlobStore,
	queue triage.TaskQueue,
	log *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) *Coordinator {
	registered := make(map[string]bool, len(workers))
	for _, name := range workers {
		registered[name] = true
	}

	var limiter *common.RateLimiter
	if cfg.RatePerSecond > 0 {
		limiter = common.NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst)
	}

	return &Coordinator{
		cfg:        cfg,
		workers:    workers,
		registered: registered,
		tasks:      tasks,
		reports:    reports,
		files:      files,
		blobs:      blobs,
		queue:      queue,
		limiter:    limiter,
		logger:     log.With("component", "coordinator"),
		metrics:    metrics,
		tracer:     tracer,
	}
}

type submitSettings struct {
	password        string
	disabledWorkers []string
	parent          *triage.Task
}

// SubmitOption customises one submission.
type SubmitOption func(*submitSettings)

// WithPassword attaches the password the submitter supplied for encrypted
// containers.
func WithPassword(password string) SubmitOption {
	return func(s *submitSettings) { s.password = password }
}

// WithDisabledWorkers names workers that must not analyse this submission.
func WithDisabledWorkers(names []string) SubmitOption {
	return func(s *submitSettings) { s.disabledWorkers = names }
}

// withParent marks the submission as extracted from parent. Lineage only
// enters through SubmitChild.
func withParent(parent *triage.Task) SubmitOption {
	return func(s *submitSettings) { s.parent = parent }
}

// Submit ingests one piece of content: it identifies the file, stores its
// bytes and metadata, creates the task and fans the assignment out to every
// worker group. The returned task is already queued.
func (c *Coordinator) Submit(ctx context.Context, filename string, r io.Reader, opts ...SubmitOption) (*triage.Task, error) {
	var settings submitSettings
	for _, opt := range opts {
		opt(&settings)
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.submit",
		trace.WithAttributes(
			attribute.String("filename", filename),
			attribute.Bool("child", settings.parent != nil),
		))
	defer span.End()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate gate wait failed")
			return nil, fmt.Errorf("waiting for submission slot: %w", err)
		}
	}

	data, err := c.readUpload(r)
	if err != nil {
		if errors.Is(err, triage.ErrUploadTooLarge) {
			c.metrics.IncRejectedSubmissions(ctx)
			span.AddEvent("upload_rejected")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload read failed")
		return nil, err
	}

	file, err := probe.Identify(filename, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "identification failed")
		return nil, fmt.Errorf("identifying submission: %w", err)
	}
	span.SetAttributes(
		attribute.String("sha256", file.SHA256()),
		attribute.String("mime_type", file.MIME()),
	)

	if err := c.blobs.Put(ctx, file.SHA256(), bytes.NewReader(data), file.Size()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "blob store failed")
		return nil, fmt.Errorf("storing submission contents: %w", err)
	}
	if err := c.files.Save(ctx, file); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "file record store failed")
		return nil, fmt.Errorf("storing file record: %w", err)
	}

	taskOpts := make([]triage.TaskOption, 0, 3)
	if settings.password != "" {
		taskOpts = append(taskOpts, triage.WithPassword(settings.password))
	}
	if len(settings.disabledWorkers) > 0 {
		taskOpts = append(taskOpts, triage.WithDisabledWorkers(settings.disabledWorkers))
	}
	if settings.parent != nil {
		taskOpts = append(taskOpts, triage.WithParent(settings.parent))
	}
	task, err := triage.NewTask(file, taskOpts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task creation failed")
		return nil, fmt.Errorf("creating task: %w", err)
	}

	if err := c.tasks.Save(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task store failed")
		return nil, fmt.Errorf("storing task: %w", err)
	}
	if settings.parent != nil {
		if err := c.tasks.AddChild(ctx, settings.parent.ID(), task.ID()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lineage store failed")
			return nil, fmt.Errorf("recording extraction lineage: %w", err)
		}
	}

	assignment := triage.Assignment{TaskID: task.ID(), DisabledWorkers: task.DisabledWorkers()}
	if err := c.queue.Publish(ctx, assignment); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assignment publish failed")
		return nil, fmt.Errorf("publishing assignment: %w", err)
	}

	span.SetAttributes(attribute.String("task_id", task.ID().String()))
	span.AddEvent("task_submitted")
	c.logger.Info(ctx, "Coordinator: task submitted",
		"task_id", task.ID(),
		"file", file.Name(),
		"sha256", file.SHA256(),
		"kind", string(file.Kind()),
		"child", settings.parent != nil)
	if settings.parent != nil {
		c.metrics.IncChildSubmissions(ctx)
	} else {
		c.metrics.IncSubmissions(ctx)
	}
	return task, nil
}

// SubmitChild resubmits one extracted payload as a child of parent. The child
// inherits the parent's disabled workers and password, carries the extraction
// lineage and passes the same intake gate as an operator submission.
func (c *Coordinator) SubmitChild(ctx context.Context, parent *triage.Task, filename string, data []byte) (*triage.Task, error) {
	opts := []SubmitOption{withParent(parent)}
	if disabled := parent.DisabledWorkers(); len(disabled) > 0 {
		opts = append(opts, WithDisabledWorkers(disabled))
	}
	if pwd := parent.Password(); pwd != "" {
		opts = append(opts, WithPassword(pwd))
	}
	return c.Submit(ctx, filename, bytes.NewReader(data), opts...)
}

// readUpload drains the submission up to the size ceiling plus one byte, so
// an oversized upload is rejected without buffering all of it.
func (c *Coordinator) readUpload(r io.Reader) ([]byte, error) {
	if c.cfg.MaxUploadBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("reading submission: %w", err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, c.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading submission: %w", err)
	}
	if int64(len(data)) > c.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", triage.ErrUploadTooLarge, c.cfg.MaxUploadBytes)
	}
	return data, nil
}

// Delete removes the task's content bytes and marks its file record deleted.
// Metadata and digests survive so past results keep rendering; workers that
// pick the task up afterwards report DELETED.
func (c *Coordinator) Delete(ctx context.Context, taskID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.delete",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	task, err := c.tasks.Load(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task lookup failed")
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}

	sha256 := task.File().SHA256()
	if err := c.blobs.Delete(ctx, sha256); err != nil && !errors.Is(err, triage.ErrBlobNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "blob delete failed")
		return fmt.Errorf("deleting contents of %s: %w", sha256, err)
	}
	if err := c.files.MarkDeleted(ctx, sha256); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "file record update failed")
		return fmt.Errorf("marking file %s deleted: %w", sha256, err)
	}

	span.AddEvent("file_deleted")
	c.metrics.IncDeletedFiles(ctx)
	c.logger.Info(ctx, "Coordinator: file deleted", "task_id", taskID, "sha256", sha256)
	return nil
}

// Trigger re-publishes the task with a manual worker name. Every worker group
// re-consumes the assignment; the named worker runs with the manual flag set,
// which workers gated on MANUAL use to proceed.
func (c *Coordinator) Trigger(ctx context.Context, taskID uuid.UUID, workerName string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.trigger",
		trace.WithAttributes(
			attribute.String("task_id", taskID.String()),
			attribute.String("worker", workerName),
		))
	defer span.End()

	if !c.registered[workerName] {
		err := fmt.Errorf("unknown worker %q", workerName)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown worker")
		return err
	}

	task, err := c.tasks.Load(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task lookup failed")
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}

	assignment := triage.Assignment{
		TaskID:          task.ID(),
		DisabledWorkers: task.DisabledWorkers(),
		ManualWorker:    workerName,
	}
	if err := c.queue.Publish(ctx, assignment); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assignment publish failed")
		return fmt.Errorf("publishing manual assignment: %w", err)
	}

	span.AddEvent("manual_worker_triggered")
	c.metrics.IncManualTriggers(ctx)
	c.logger.Info(ctx, "Coordinator: manual worker triggered", "task_id", taskID, "worker", workerName)
	return nil
}

// Override pins the task's status to OVERWRITE. There is no undo; the flag
// records an operator's final call.
func (c *Coordinator) Override(ctx context.Context, taskID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.override",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	if err := c.tasks.SetOverride(ctx, taskID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "override failed")
		return fmt.Errorf("overriding task %s: %w", taskID, err)
	}

	span.AddEvent("status_overridden")
	c.logger.Info(ctx, "Coordinator: task status overridden", "task_id", taskID)
	return nil
}

// TaskStatus resolves the task's aggregate status across the registered
// worker set. A deleted or vanished file reads DELETED regardless of report
// state; workers without a stored report count as still WAITING.
func (c *Coordinator) TaskStatus(ctx context.Context, id uuid.UUID) (triage.Status, error) {
	task, err := c.tasks.Load(ctx, id)
	if err != nil {
		return "", fmt.Errorf("loading task %s: %w", id, err)
	}

	file, err := c.files.Load(ctx, task.File().SHA256())
	switch {
	case errors.Is(err, triage.ErrFileNotFound):
		return triage.StatusDeleted, nil
	case err != nil:
		return "", fmt.Errorf("loading file %s: %w", task.File().SHA256(), err)
	case file.Deleted():
		return triage.StatusDeleted, nil
	}

	reports, err := c.workerReports(ctx, id)
	if err != nil {
		return "", err
	}
	return triage.Resolve(task.Overridden(), reports), nil
}

// Task returns the stored task.
func (c *Coordinator) Task(ctx context.Context, id uuid.UUID) (*triage.Task, error) {
	task, err := c.tasks.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	return task, nil
}

// Reports returns one report per registered worker in registration order,
// synthesizing a WAITING placeholder for workers that have not started.
func (c *Coordinator) Reports(ctx context.Context, id uuid.UUID) ([]*triage.Report, error) {
	if _, err := c.tasks.Load(ctx, id); err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	return c.workerReports(ctx, id)
}

// Children returns the tasks extracted from the given task, in extraction
// order.
func (c *Coordinator) Children(ctx context.Context, id uuid.UUID) ([]*triage.Task, error) {
	ids, err := c.tasks.Children(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", id, err)
	}

	children := make([]*triage.Task, 0, len(ids))
	for _, childID := range ids {
		child, err := c.tasks.Load(ctx, childID)
		if err != nil {
			return nil, fmt.Errorf("loading child %s: %w", childID, err)
		}
		children = append(children, child)
	}
	return children, nil
}

func (c *Coordinator) workerReports(ctx context.Context, id uuid.UUID) ([]*triage.Report, error) {
	stored, err := c.reports.ListByTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing reports for %s: %w", id, err)
	}

	byWorker := make(map[string]*triage.Report, len(stored))
	for _, r := range stored {
		byWorker[r.Worker()] = r
	}

	reports := make([]*triage.Report, 0, len(c.workers))
	for _, name := range c.workers {
		if r, ok := byWorker[name]; ok {
			reports = append(reports, r)
			continue
		}
		// Never-started workers read WAITING with an empty timeline.
		reports = append(reports, triage.ReconstructReport(id, name, triage.StatusWaiting, nil, nil, time.Time{}, time.Time{}))
	}
	return reports, nil
}
