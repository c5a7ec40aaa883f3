package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRankOrdering(t *testing.T) {
	t.Parallel()

	ordered := []Status{
		StatusWaiting,
		StatusRunning,
		StatusDeleted,
		StatusNotApplicable,
		StatusManual,
		StatusUnknown,
		StatusDisabled,
		StatusError,
		StatusClean,
		StatusWarn,
		StatusAlert,
		StatusOverwrite,
	}

	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Rank(), ordered[i-1].Rank(),
			"%s must outrank %s", ordered[i], ordered[i-1])
	}
}

func TestStatusSevere(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{name: "deleted is severe", status: StatusDeleted, want: true},
		{name: "error is severe", status: StatusError, want: true},
		{name: "warn is severe", status: StatusWarn, want: true},
		{name: "alert is severe", status: StatusAlert, want: true},
		{name: "clean is not severe", status: StatusClean, want: false},
		{name: "waiting is not severe", status: StatusWaiting, want: false},
		{name: "running is not severe", status: StatusRunning, want: false},
		{name: "disabled is not severe", status: StatusDisabled, want: false},
		{name: "overwrite is not severe", status: StatusOverwrite, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.status.Severe())
		})
	}
}

func TestMaxStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b Status
		want Status
	}{
		{name: "alert beats clean", a: StatusClean, b: StatusAlert, want: StatusAlert},
		{name: "order does not matter", a: StatusAlert, b: StatusClean, want: StatusAlert},
		{name: "clean beats error", a: StatusError, b: StatusClean, want: StatusClean},
		{name: "overwrite beats alert", a: StatusAlert, b: StatusOverwrite, want: StatusOverwrite},
		{name: "equal statuses", a: StatusWarn, b: StatusWarn, want: StatusWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MaxStatus(tt.a, tt.b))
		})
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	valid := []Status{
		StatusWaiting, StatusRunning, StatusDeleted, StatusNotApplicable,
		StatusManual, StatusUnknown, StatusDisabled, StatusError,
		StatusClean, StatusWarn, StatusAlert, StatusOverwrite,
	}
	for _, want := range valid {
		got, err := ParseStatus(want.String())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	for _, s := range []string{"", "BOGUS", "clean"} {
		_, err := ParseStatus(s)
		assert.Error(t, err, "parsing %q should fail", s)
	}
}
