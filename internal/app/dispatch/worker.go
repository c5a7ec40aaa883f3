// Package dispatch fans submitted tasks out to the registered analysis
// workers. It owns the worker contract, the static registry, the per-replica
// runner that enforces the report lifecycle, and the convergence tracker that
// marks a task done once every worker has finished.
package dispatch

import (
	"context"
	"time"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// Worker is the contract every analysis plugin implements. Implementations
// own exactly one report per task and never read another worker's report.
type Worker interface {
	// Name identifies the worker. It keys the report, the queue group and
	// the configuration entry.
	Name() string

	// Applicable is a cheap metadata-only check invoked before Analyse.
	// Returning false records a NOTAPPLICABLE report without running the
	// worker.
	Applicable(task *triage.Task) bool

	// Analyse inspects the task's file and records findings on the report.
	// Leaving the report status RUNNING means no findings; the runner
	// promotes it to CLEAN. The manual flag is set when an operator
	// re-triggered this worker explicitly; workers that gate themselves
	// behind MANUAL use it to proceed.
	Analyse(ctx context.Context, task *triage.Task, report *triage.Report, manual bool) error
}

// Settings carries one worker's static metadata, sourced from configuration
// at startup.
type Settings struct {
	// Name must match the instantiated worker's Name.
	Name string

	// Enabled gates the worker globally. Disabled workers still produce
	// DISABLED reports so convergence accounting stays exact.
	Enabled bool

	// Timeout bounds one Analyse call wall-clock. Zero means no limit.
	Timeout time.Duration

	// Replicas is how many concurrent runner instances consume the
	// worker's queue group. Each replica processes one task at a time.
	Replicas int

	// Options is the worker-specific settings bag, passed through to the
	// factory uninterpreted.
	Options map[string]any
}

// Factory builds one worker instance. The pool calls it once per replica so
// implementations may keep per-instance state without locking.
type Factory func(s Settings) (Worker, error)
