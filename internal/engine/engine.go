// Package engine defines the abstraction for compute backends that run
// per-repository self-hosted GitHub Actions runners. Each backend
// (Docker containers, GCP VMs, future: EC2, Azure) implements the
// Engine interface so the reconciler stays compute-agnostic.
package engine

import (
	"context"

	"github.com/terrpan/runnerfleet/internal/fleet"
)

// Engine is the contract every compute backend must satisfy.
//
// A backend hosts at most one runner per repository, identified purely
// by the fleet naming convention -- the backend's resource listing is
// the sole source of truth for which repositories currently have a
// runner. There is no separate persisted state.
type Engine interface {
	// ListRunners enumerates the repositories that currently have a
	// runner resource in this backend. Resources whose names do not
	// decode under the naming convention are skipped with a warning,
	// never reported as errors.
	ListRunners(ctx context.Context) ([]fleet.Repo, error)

	// StartRunner provisions a runner for repo, registering it with
	// the provided short-lived token. The returned id is opaque --
	// a container ID, an instance name, etc. Failures are scoped to
	// this repository.
	StartRunner(ctx context.Context, repo fleet.Repo, token string) (id string, err error)

	// StopRunner tears down the runner for repo. A runner that no
	// longer exists is treated as already stopped: StopRunner is
	// idempotent and returns an error only for genuine backend
	// failures.
	StopRunner(ctx context.Context, repo fleet.Repo) error
}
