// Package activity decides whether a repository counts as active based
// on how recently it saw a commit or a workflow run.
package activity

import "time"

// DefaultThreshold is the cut-off age for activity when none is
// configured: a repository untouched for a week is abandoned.
const DefaultThreshold = 7 * 24 * time.Hour

// Signal carries the per-repository activity timestamps. Either field
// may be nil: a repository with no commits or no workflow runs simply
// has no signal of that kind, which is not an error. Timestamps are
// normalized to UTC by the gateway that produces them.
type Signal struct {
	Commit      *time.Time
	WorkflowRun *time.Time
}

// Evaluator classifies signals against a recency threshold.
type Evaluator struct {
	// Threshold is the maximum age of the most recent signal for a
	// repository to count as active. Zero means DefaultThreshold.
	Threshold time.Duration

	// RequireBoth switches from OR to AND semantics: both signals
	// must be present and recent. Off by default.
	RequireBoth bool
}

// IsActive reports whether sig represents recent-enough activity at
// the instant now. With the default OR semantics a single recent
// signal suffices; a signal that is absent fails its clause, so a
// repository with neither commits nor runs is never active.
func (e Evaluator) IsActive(sig Signal, now time.Time) bool {
	threshold := e.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	commitRecent := sig.Commit != nil && now.Sub(*sig.Commit) <= threshold
	runRecent := sig.WorkflowRun != nil && now.Sub(*sig.WorkflowRun) <= threshold

	if e.RequireBoth {
		return commitRecent && runRecent
	}
	return commitRecent || runRecent
}
