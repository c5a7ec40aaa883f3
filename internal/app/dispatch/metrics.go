package dispatch

import (
	"context"
	"time"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// Metrics defines the instrumentation surface for the dispatch layer.
type Metrics interface {
	// IncAssignmentsHandled counts assignments a runner consumed, whether
	// or not analysis ran.
	IncAssignmentsHandled(ctx context.Context, worker string)

	// IncAssignmentsFailed counts assignments that could not be processed
	// at all (task lookup or report persistence failures).
	IncAssignmentsFailed(ctx context.Context, worker string)

	// IncReportsFinalized counts finished reports by terminal status.
	IncReportsFinalized(ctx context.Context, worker string, status triage.Status)

	// ObserveAnalyseDuration records the wall-clock time of one Analyse
	// call that actually ran.
	ObserveAnalyseDuration(ctx context.Context, worker string, d time.Duration)

	// IncTasksConverged counts tasks whose full worker set finished.
	IncTasksConverged(ctx context.Context)
}
