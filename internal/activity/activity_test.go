package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ts(t time.Time) *time.Time { return &t }

func TestIsActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	week := 7 * 24 * time.Hour
	day := 24 * time.Hour

	tests := []struct {
		name string
		sig  Signal
		want bool
	}{
		{"both absent", Signal{}, false},
		{"recent commit only", Signal{Commit: ts(now.Add(-day))}, true},
		{"recent run only", Signal{WorkflowRun: ts(now.Add(-2 * day))}, true},
		{"stale commit, recent run", Signal{
			Commit:      ts(now.Add(-10 * day)),
			WorkflowRun: ts(now.Add(-2 * day)),
		}, true},
		{"both stale", Signal{
			Commit:      ts(now.Add(-10 * day)),
			WorkflowRun: ts(now.Add(-30 * day)),
		}, false},
		{"commit exactly at threshold", Signal{Commit: ts(now.Add(-week))}, true},
		{"commit just past threshold", Signal{Commit: ts(now.Add(-week - time.Second))}, false},
	}

	e := Evaluator{Threshold: week}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.IsActive(tc.sig, now))
		})
	}
}

func TestIsActive_ZeroThresholdDefaultsToWeek(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Evaluator{}

	assert.True(t, e.IsActive(Signal{Commit: ts(now.Add(-6 * 24 * time.Hour))}, now))
	assert.False(t, e.IsActive(Signal{Commit: ts(now.Add(-8 * 24 * time.Hour))}, now))
}

func TestIsActive_RequireBoth(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	e := Evaluator{Threshold: 7 * day, RequireBoth: true}

	recent := ts(now.Add(-day))
	stale := ts(now.Add(-20 * day))

	assert.True(t, e.IsActive(Signal{Commit: recent, WorkflowRun: recent}, now))
	assert.False(t, e.IsActive(Signal{Commit: recent, WorkflowRun: stale}, now))
	assert.False(t, e.IsActive(Signal{Commit: recent}, now))
	assert.False(t, e.IsActive(Signal{}, now))
}
