package dispatch

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/pkg/common/logger"
)

// Pool builds the configured number of replicas for every registered worker
// and subscribes them to their queue groups. Each replica is its own worker
// instance with its own runner, so one slow task never stalls a whole worker,
// only one of its replicas.
type Pool struct {
	registry *Registry
	queue    triage.TaskQueue

	tasks   triage.TaskRepository
	files   triage.FileRepository
	reports triage.ReportRepository
	tracker *Tracker

	logger  *logger.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// NewPool creates a pool over the given registry and queue.
func NewPool(
	registry *Registry,
	queue triage.TaskQueue,
	tasks triage.TaskRepository,
	files triage.FileRepository,
	reports triage.ReportRepository,
	tracker *Tracker,
	log *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) *Pool {
	return &Pool{
		registry: registry,
		queue:    queue,
		tasks:    tasks,
		files:    files,
		reports:  reports,
		tracker:  tracker,
		logger:   log.With("component", "pool"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Start instantiates all replicas and subscribes them. It returns once every
// subscription is running; consumption continues until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	initCtx, span := p.tracer.Start(ctx, "pool.dispatch.start",
		trace.WithAttributes(
			attribute.String("component", "pool"),
			attribute.Int("workers", p.registry.Size()),
		))
	defer span.End()

	for _, entry := range p.registry.Entries() {
		replicas := entry.Settings().Replicas
		for i := 0; i < replicas; i++ {
			worker, err := entry.New()
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "worker construction failed")
				return fmt.Errorf("pool: build worker %q: %w", entry.Name(), err)
			}
			if worker.Name() != entry.Name() {
				err := fmt.Errorf("pool: worker %q reports name %q", entry.Name(), worker.Name())
				span.RecordError(err)
				return err
			}

			runner := NewRunner(worker, entry.Settings(),
				p.tasks, p.files, p.reports, p.tracker, p.logger, p.metrics, p.tracer)
			if err := p.queue.Subscribe(ctx, entry.Name(), runner.Handle); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "subscription failed")
				return fmt.Errorf("pool: subscribe worker %q: %w", entry.Name(), err)
			}
		}
		p.logger.Info(initCtx, "Pool: worker subscribed",
			"worker", entry.Name(), "replicas", replicas)
	}

	span.AddEvent("all_workers_subscribed")
	return nil
}
