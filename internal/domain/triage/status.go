package triage

import "fmt"

// Status represents the outcome of analysis work, both for a single worker's
// Report and for a Task as a whole. Statuses are totally ordered by rank;
// combining verdicts always keeps the highest rank.
type Status string

const (
	// StatusWaiting indicates not every worker has finished yet.
	StatusWaiting Status = "WAITING"

	// StatusRunning indicates a worker is currently analysing the file.
	StatusRunning Status = "RUNNING"

	// StatusDeleted indicates the submitted file was deleted and can no
	// longer be analysed.
	StatusDeleted Status = "DELETED"

	// StatusNotApplicable indicates a worker that does not handle this kind
	// of file.
	StatusNotApplicable Status = "NOTAPPLICABLE"

	// StatusManual indicates the verdict requires manual review.
	StatusManual Status = "MANUAL"

	// StatusUnknown indicates a worker that could not reach a verdict.
	StatusUnknown Status = "UNKNOWN"

	// StatusDisabled indicates a worker that was turned off, either for this
	// task or process-wide.
	StatusDisabled Status = "DISABLED"

	// StatusError indicates a worker failure, timeout or hard resource bound.
	StatusError Status = "ERROR"

	// StatusClean is the all-good baseline verdict.
	StatusClean Status = "CLEAN"

	// StatusWarn flags a suspicious but inconclusive observation.
	StatusWarn Status = "WARN"

	// StatusAlert flags a confirmed detection.
	StatusAlert Status = "ALERT"

	// StatusOverwrite is reserved for manual operator overrides and dominates
	// any automated verdict.
	StatusOverwrite Status = "OVERWRITE"
)

// Rank returns the aggregation precedence of the status, ascending. The zero
// value and unrecognized statuses rank below everything.
func (s Status) Rank() int {
	switch s {
	case StatusWaiting:
		return 1
	case StatusRunning:
		return 2
	case StatusDeleted:
		return 3
	case StatusNotApplicable:
		return 4
	case StatusManual:
		return 5
	case StatusUnknown:
		return 6
	case StatusDisabled:
		return 7
	case StatusError:
		return 8
	case StatusClean:
		return 9
	case StatusWarn:
		return 10
	case StatusAlert:
		return 11
	case StatusOverwrite:
		return 12
	default:
		return 0
	}
}

// Severe reports whether the status freezes a task's aggregate verdict. Once
// a finished report carries one of these, lower-severity results can no
// longer change the outcome.
func (s Status) Severe() bool {
	switch s {
	case StatusDeleted, StatusError, StatusAlert, StatusWarn:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool { return s.Rank() != 0 }

// String returns the string representation of the status.
func (s Status) String() string { return string(s) }

// MaxStatus returns the higher ranked of a and b, preferring a on ties.
func MaxStatus(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseStatus converts a string representation back into a Status. It is
// used when reconstructing persisted reports and tasks.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", fmt.Errorf("invalid status: %q", s)
	}
	return st, nil
}
