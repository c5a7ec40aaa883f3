// Package metrics provides the daemon's OpenTelemetry instrumentation. One
// collector implements the consumer-side metrics interfaces of the intake,
// dispatch, extraction and queue layers.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/filesift/internal/app/dispatch"
	"github.com/ahrav/filesift/internal/app/extraction"
	"github.com/ahrav/filesift/internal/app/orchestration"
	"github.com/ahrav/filesift/internal/domain/triage"
	kafkaqueue "github.com/ahrav/filesift/internal/infra/queue/kafka"
	redisqueue "github.com/ahrav/filesift/internal/infra/queue/redis"
)

// DaemonMetrics defines the metrics operations needed by the daemon. The
// two queue interfaces are identical; both are listed so either transport
// can take the collector.
type DaemonMetrics interface {
	orchestration.Metrics
	dispatch.Metrics
	extraction.Metrics
	redisqueue.Metrics
	kafkaqueue.Metrics
}

var _ DaemonMetrics = (*Daemon)(nil)

// Daemon implements DaemonMetrics.
type Daemon struct {
	// Intake metrics.
	submissions         metric.Int64Counter
	childSubmissions    metric.Int64Counter
	rejectedSubmissions metric.Int64Counter
	deletedFiles        metric.Int64Counter
	manualTriggers      metric.Int64Counter

	// Dispatch metrics.
	assignmentsHandled metric.Int64Counter
	assignmentsFailed  metric.Int64Counter
	reportsFinalized   metric.Int64Counter
	analyseDuration    metric.Float64Histogram
	tasksConverged     metric.Int64Counter

	// Extraction metrics.
	extractedFiles      metric.Int64Counter
	spawnedChildren     metric.Int64Counter
	passwordMisses      metric.Int64Counter
	descendantLimitHits metric.Int64Counter

	// Queue metrics.
	assignmentsPublished metric.Int64Counter
	assignmentsConsumed  metric.Int64Counter
	publishErrors        metric.Int64Counter
	consumeErrors        metric.Int64Counter
}

const namespace = "siftd"

// New creates a new Daemon metrics instance.
func New(mp metric.MeterProvider) (*Daemon, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	d := new(Daemon)
	var err error

	if d.submissions, err = meter.Int64Counter(
		"submissions_total",
		metric.WithDescription("Total number of top-level submissions accepted"),
	); err != nil {
		return nil, err
	}

	if d.childSubmissions, err = meter.Int64Counter(
		"child_submissions_total",
		metric.WithDescription("Total number of extracted children submitted"),
	); err != nil {
		return nil, err
	}

	if d.rejectedSubmissions, err = meter.Int64Counter(
		"rejected_submissions_total",
		metric.WithDescription("Total number of submissions rejected before storage"),
	); err != nil {
		return nil, err
	}

	if d.deletedFiles, err = meter.Int64Counter(
		"deleted_files_total",
		metric.WithDescription("Total number of file contents deleted"),
	); err != nil {
		return nil, err
	}

	if d.manualTriggers, err = meter.Int64Counter(
		"manual_triggers_total",
		metric.WithDescription("Total number of manual worker re-runs requested"),
	); err != nil {
		return nil, err
	}

	if d.assignmentsHandled, err = meter.Int64Counter(
		"assignments_handled_total",
		metric.WithDescription("Total number of assignments consumed by workers"),
	); err != nil {
		return nil, err
	}

	if d.assignmentsFailed, err = meter.Int64Counter(
		"assignments_failed_total",
		metric.WithDescription("Total number of assignments that could not be processed"),
	); err != nil {
		return nil, err
	}

	if d.reportsFinalized, err = meter.Int64Counter(
		"reports_finalized_total",
		metric.WithDescription("Total number of finished reports by worker and status"),
	); err != nil {
		return nil, err
	}

	if d.analyseDuration, err = meter.Float64Histogram(
		"analyse_duration_seconds",
		metric.WithDescription("Wall-clock time of one analysis run"),
	); err != nil {
		return nil, err
	}

	if d.tasksConverged, err = meter.Int64Counter(
		"tasks_converged_total",
		metric.WithDescription("Total number of tasks whose full worker set finished"),
	); err != nil {
		return nil, err
	}

	if d.extractedFiles, err = meter.Int64Counter(
		"extracted_files_total",
		metric.WithDescription("Total number of files unpacked from containers"),
	); err != nil {
		return nil, err
	}

	if d.spawnedChildren, err = meter.Int64Counter(
		"spawned_children_total",
		metric.WithDescription("Total number of child tasks spawned by extraction"),
	); err != nil {
		return nil, err
	}

	if d.passwordMisses, err = meter.Int64Counter(
		"password_misses_total",
		metric.WithDescription("Total number of protected archives no candidate password opened"),
	); err != nil {
		return nil, err
	}

	if d.descendantLimitHits, err = meter.Int64Counter(
		"descendant_limit_hits_total",
		metric.WithDescription("Total number of extractions truncated by the descendant ceiling"),
	); err != nil {
		return nil, err
	}

	if d.assignmentsPublished, err = meter.Int64Counter(
		"assignments_published_total",
		metric.WithDescription("Total number of assignments published to the queue"),
	); err != nil {
		return nil, err
	}

	if d.assignmentsConsumed, err = meter.Int64Counter(
		"assignments_consumed_total",
		metric.WithDescription("Total number of assignments acknowledged by group"),
	); err != nil {
		return nil, err
	}

	if d.publishErrors, err = meter.Int64Counter(
		"queue_publish_errors_total",
		metric.WithDescription("Total number of queue publish errors"),
	); err != nil {
		return nil, err
	}

	if d.consumeErrors, err = meter.Int64Counter(
		"queue_consume_errors_total",
		metric.WithDescription("Total number of queue consume errors by group"),
	); err != nil {
		return nil, err
	}

	return d, nil
}

// Interface implementation methods.
func (d *Daemon) IncSubmissions(ctx context.Context) { d.submissions.Add(ctx, 1) }

func (d *Daemon) IncChildSubmissions(ctx context.Context) { d.childSubmissions.Add(ctx, 1) }

func (d *Daemon) IncRejectedSubmissions(ctx context.Context) { d.rejectedSubmissions.Add(ctx, 1) }

func (d *Daemon) IncDeletedFiles(ctx context.Context) { d.deletedFiles.Add(ctx, 1) }

func (d *Daemon) IncManualTriggers(ctx context.Context) { d.manualTriggers.Add(ctx, 1) }

func (d *Daemon) IncAssignmentsHandled(ctx context.Context, worker string) {
	d.assignmentsHandled.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
}

func (d *Daemon) IncAssignmentsFailed(ctx context.Context, worker string) {
	d.assignmentsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
}

func (d *Daemon) IncReportsFinalized(ctx context.Context, worker string, status triage.Status) {
	d.reportsFinalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.String("status", string(status)),
	))
}

func (d *Daemon) ObserveAnalyseDuration(ctx context.Context, worker string, duration time.Duration) {
	d.analyseDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("worker", worker)))
}

func (d *Daemon) IncTasksConverged(ctx context.Context) { d.tasksConverged.Add(ctx, 1) }

func (d *Daemon) IncExtractedFiles(ctx context.Context, count int) {
	d.extractedFiles.Add(ctx, int64(count))
}

func (d *Daemon) IncSpawnedChildren(ctx context.Context, count int) {
	d.spawnedChildren.Add(ctx, int64(count))
}

func (d *Daemon) IncPasswordMisses(ctx context.Context) { d.passwordMisses.Add(ctx, 1) }

func (d *Daemon) IncDescendantLimitHits(ctx context.Context) { d.descendantLimitHits.Add(ctx, 1) }

func (d *Daemon) IncAssignmentPublished(ctx context.Context) { d.assignmentsPublished.Add(ctx, 1) }

func (d *Daemon) IncAssignmentConsumed(ctx context.Context, group string) {
	d.assignmentsConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("group", group)))
}

func (d *Daemon) IncPublishError(ctx context.Context) { d.publishErrors.Add(ctx, 1) }

func (d *Daemon) IncConsumeError(ctx context.Context, group string) {
	d.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("group", group)))
}
