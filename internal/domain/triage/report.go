package triage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Detail is one human-readable observation attached to a report. Details are
// append-only and keep their insertion order.
type Detail struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

// Report is one worker's verdict for one task. A report is owned exclusively
// by the worker that produces it; the runner and the aggregator only read it.
// Reports begin RUNNING and are finished exactly once.
type Report struct {
	taskID uuid.UUID
	worker string

	status  Status
	details []Detail
	extras  map[string]any

	timeline *Timeline
}

// ReportOption allows customizing report creation.
type ReportOption func(*Report)

// WithReportTimeProvider sets a custom time provider, primarily for testing.
func WithReportTimeProvider(tp TimeProvider) ReportOption {
	return func(r *Report) { r.timeline = NewTimeline(tp) }
}

// NewReport creates a report in the RUNNING state for the given task and worker.
func NewReport(taskID uuid.UUID, worker string, opts ...ReportOption) *Report {
	r := &Report{
		taskID:   taskID,
		worker:   worker,
		status:   StatusRunning,
		extras:   make(map[string]any),
		timeline: NewTimeline(&realTimeProvider{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconstructReport rebuilds a report from persisted state without side
// effects. Used by storage layers.
func ReconstructReport(
	taskID uuid.UUID,
	worker string,
	status Status,
	details []Detail,
	extras map[string]any,
	startedAt time.Time,
	completedAt time.Time,
) *Report {
	if extras == nil {
		extras = make(map[string]any)
	}
	return &Report{
		taskID:   taskID,
		worker:   worker,
		status:   status,
		details:  details,
		extras:   extras,
		timeline: ReconstructTimeline(startedAt, completedAt),
	}
}

// TaskID returns the id of the task this report belongs to.
func (r *Report) TaskID() uuid.UUID { return r.taskID }

// Worker returns the name of the worker that owns this report.
func (r *Report) Worker() string { return r.worker }

// Status returns the report's current status.
func (r *Report) Status() Status { return r.status }

// SetStatus replaces the report's status. Only the owning worker and the
// runner call this.
func (r *Report) SetStatus(status Status) { r.status = status }

// Details returns a copy of the detail entries in insertion order.
func (r *Report) Details() []Detail {
	out := make([]Detail, len(r.details))
	copy(out, r.details)
	return out
}

// AddDetail appends a human-readable observation.
func (r *Report) AddDetail(label, message string) {
	r.details = append(r.details, Detail{Label: label, Message: message})
}

// ClearDetails discards all detail entries. Used when an extraction pass is
// retried under a different reader and its failure notes no longer apply.
func (r *Report) ClearDetails() { r.details = nil }

// Extras returns a copy of the machine-readable extra values.
func (r *Report) Extras() map[string]any {
	out := make(map[string]any, len(r.extras))
	for k, v := range r.extras {
		out[k] = v
	}
	return out
}

// Extra returns a single extra value and whether it was set.
func (r *Report) Extra(key string) (any, bool) {
	v, ok := r.extras[key]
	return v, ok
}

// AddExtra records a machine-readable value for presentation layers.
func (r *Report) AddExtra(key string, value any) { r.extras[key] = value }

// ClearExtras discards all extra values.
func (r *Report) ClearExtras() { r.extras = make(map[string]any) }

// StartedAt returns when the worker began this run.
func (r *Report) StartedAt() time.Time { return r.timeline.StartedAt() }

// CompletedAt returns when the report was finished, zero while in progress.
func (r *Report) CompletedAt() time.Time { return r.timeline.CompletedAt() }

// Duration returns the run duration once finished.
func (r *Report) Duration() time.Duration { return r.timeline.Duration() }

// Finished reports whether the report has been finalized.
func (r *Report) Finished() bool { return r.timeline.IsCompleted() }

// Finish finalizes the report. Subsequent calls have no effect.
func (r *Report) Finish() { r.timeline.MarkCompleted() }

// reportJSON is the wire representation of a Report.
type reportJSON struct {
	TaskID      uuid.UUID      `json:"task_id"`
	Worker      string         `json:"worker"`
	Status      Status         `json:"status"`
	Details     []Detail       `json:"details,omitempty"`
	Extras      map[string]any `json:"extras,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// MarshalJSON serializes the Report object into a JSON byte array.
func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(&reportJSON{
		TaskID:      r.taskID,
		Worker:      r.worker,
		Status:      r.status,
		Details:     r.details,
		Extras:      r.extras,
		StartedAt:   r.timeline.StartedAt(),
		CompletedAt: r.timeline.CompletedAt(),
	})
}

// UnmarshalJSON deserializes JSON data into a Report object.
func (r *Report) UnmarshalJSON(data []byte) error {
	var aux reportJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	rec := ReconstructReport(aux.TaskID, aux.Worker, aux.Status, aux.Details, aux.Extras, aux.StartedAt, aux.CompletedAt)
	*r = *rec
	return nil
}
