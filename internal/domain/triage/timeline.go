package triage

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// Real implementation for production.
type realTimeProvider struct{}

func (r *realTimeProvider) Now() time.Time { return time.Now() }

// Timeline tracks temporal aspects of a worker run.
type Timeline struct {
	startedAt    time.Time
	completedAt  time.Time
	timeProvider TimeProvider
}

// NewTimeline creates a new Timeline instance.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	return &Timeline{
		startedAt:    timeProvider.Now(),
		timeProvider: timeProvider,
	}
}

// ReconstructTimeline creates a Timeline from persisted timestamps.
func ReconstructTimeline(startedAt, completedAt time.Time) *Timeline {
	return &Timeline{
		startedAt:    startedAt,
		completedAt:  completedAt,
		timeProvider: &realTimeProvider{},
	}
}

// StartedAt returns the time the run started.
func (t *Timeline) StartedAt() time.Time { return t.startedAt }

// CompletedAt returns the time the run completed.
func (t *Timeline) CompletedAt() time.Time { return t.completedAt }

// MarkCompleted records the completion time. It only takes effect once.
func (t *Timeline) MarkCompleted() {
	if t.completedAt.IsZero() {
		t.completedAt = t.timeProvider.Now()
	}
}

// IsCompleted checks if the timeline has been marked as completed.
func (t *Timeline) IsCompleted() bool { return !t.completedAt.IsZero() }

// Duration returns the elapsed time between start and completion, or zero
// while the run is still in progress.
func (t *Timeline) Duration() time.Duration {
	if t.completedAt.IsZero() {
		return 0
	}
	return t.completedAt.Sub(t.startedAt)
}
