package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/pkg/common/logger"
)

// Runner executes one worker replica against its queue group. It enforces the
// report lifecycle around Analyse: short-circuit statuses for disabled,
// deleted and not-applicable tasks, a persisted RUNNING marker while analysis
// is in flight, timeout and panic containment, and exactly one finalization.
type Runner struct {
	worker   Worker
	settings Settings

	tasks   triage.TaskRepository
	files   triage.FileRepository
	reports triage.ReportRepository
	tracker *Tracker

	logger  *logger.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// NewRunner creates a runner wrapping one worker instance.
func NewRunner(
	worker Worker,
	settings Settings,
	tasks triage.TaskRepository,
	files triage.FileRepository,
	reports triage.ReportRepository,
	tracker *Tracker,
	log *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) *Runner {
	return &Runner{
		worker:   worker,
		settings: settings,
		tasks:    tasks,
		files:    files,
		reports:  reports,
		tracker:  tracker,
		logger:   log.With("component", "runner", "worker", worker.Name()),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Handle processes one assignment. It always finalizes and persists exactly
// one report for (task, worker) unless the task cannot be loaded at all.
func (r *Runner) Handle(ctx context.Context, a triage.Assignment, ack triage.AckFunc) error {
	ctx, span := r.tracer.Start(ctx, "runner.dispatch.handle_assignment",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("component", "runner"),
			attribute.String("worker", r.worker.Name()),
			attribute.String("task_id", a.TaskID.String()),
		))
	defer span.End()

	r.metrics.IncAssignmentsHandled(ctx, r.worker.Name())

	manual := a.ManualWorker != "" && a.ManualWorker == r.worker.Name()
	if manual {
		span.SetAttributes(attribute.Bool("manual", true))
	}

	task, err := r.tasks.Load(ctx, a.TaskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task lookup failed")
		r.logger.Error(ctx, "Runner: task lookup failed", "task_id", a.TaskID, "err", err)
		r.metrics.IncAssignmentsFailed(ctx, r.worker.Name())
		ack(err)
		return fmt.Errorf("runner[%s]: load task %s: %w", r.worker.Name(), a.TaskID, err)
	}

	report := triage.NewReport(task.ID(), r.worker.Name())

	switch {
	case task.WorkerDisabled(r.worker.Name()) || !r.settings.Enabled:
		report.SetStatus(triage.StatusDisabled)
		span.AddEvent("worker_disabled")
	case r.fileDeleted(ctx, task):
		report.SetStatus(triage.StatusDeleted)
		span.AddEvent("file_deleted")
	case !r.worker.Applicable(task):
		report.SetStatus(triage.StatusNotApplicable)
		span.AddEvent("not_applicable")
	default:
		report = r.analyse(ctx, task, report, manual)
	}

	report.Finish()
	if err := r.reports.Save(ctx, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report persistence failed")
		r.logger.Error(ctx, "Runner: failed to persist report",
			"task_id", task.ID(), "status", report.Status(), "err", err)
		r.metrics.IncAssignmentsFailed(ctx, r.worker.Name())
		ack(err)
		return fmt.Errorf("runner[%s]: save report for task %s: %w", r.worker.Name(), task.ID(), err)
	}

	span.SetAttributes(attribute.String("status", string(report.Status())))
	span.AddEvent("report_finalized")
	r.metrics.IncReportsFinalized(ctx, r.worker.Name(), report.Status())
	r.tracker.ReportFinished(ctx, task.ID())
	ack(nil)
	return nil
}

// fileDeleted checks the file store for a deletion that happened after the
// task was published. A vanished record counts as deleted.
func (r *Runner) fileDeleted(ctx context.Context, task *triage.Task) bool {
	file, err := r.files.Load(ctx, task.File().SHA256())
	if err != nil {
		if errors.Is(err, triage.ErrFileNotFound) {
			return true
		}
		r.logger.Warn(ctx, "Runner: file lookup failed, assuming present",
			"task_id", task.ID(), "sha256", task.File().SHA256(), "err", err)
		return false
	}
	return file.Deleted()
}

// analyse runs the worker under the configured wall-clock timeout and maps
// the outcome onto the report. The returned report is the one to finalize;
// on timeout it is a fresh instance so late writes from the abandoned
// analysis goroutine cannot race the persisted result.
func (r *Runner) analyse(ctx context.Context, task *triage.Task, report *triage.Report, manual bool) *triage.Report {
	// RUNNING is persisted before analyse so status reads show work in
	// flight. Failure to persist the marker is not fatal.
	if err := r.reports.Save(ctx, report); err != nil {
		r.logger.Warn(ctx, "Runner: failed to persist RUNNING marker", "task_id", task.ID(), "err", err)
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if r.settings.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.settings.Timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("analyse panicked: %v", rec)
			}
		}()
		done <- r.worker.Analyse(runCtx, task, report, manual)
	}()

	select {
	case err := <-done:
		r.metrics.ObserveAnalyseDuration(ctx, r.worker.Name(), time.Since(start))
		if err != nil {
			r.logger.Error(ctx, "Runner: analyse failed", "task_id", task.ID(), "err", err)
			report.SetStatus(triage.StatusError)
			report.AddDetail("Error", err.Error())
			return report
		}
		if report.Status() == triage.StatusRunning {
			report.SetStatus(triage.StatusClean)
		}
		return report

	case <-runCtx.Done():
		r.metrics.ObserveAnalyseDuration(ctx, r.worker.Name(), time.Since(start))
		r.logger.Error(ctx, "Runner: analyse timed out",
			"task_id", task.ID(), "timeout", r.settings.Timeout)

		// The analysis goroutine may still be writing to the original
		// report; finalize a fresh one carrying the original start time.
		detail := fmt.Sprintf("timeout on analyse call after %s", r.settings.Timeout)
		if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			detail = "analysis interrupted before completion"
		}
		return triage.ReconstructReport(
			task.ID(),
			r.worker.Name(),
			triage.StatusError,
			[]triage.Detail{{Label: "Error", Message: detail}},
			nil,
			report.StartedAt(),
			time.Time{},
		)
	}
}
