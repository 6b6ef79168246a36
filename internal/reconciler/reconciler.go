// Package reconciler is the orchestration core: it computes the set of
// repositories that should have a self-hosted runner, observes which
// ones currently do, and drives the compute backend to converge the
// two.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/runnerfleet/internal/activity"
	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/fleet"
)

// defaultConcurrency bounds per-repository fan-out against the
// rate-limited GitHub API.
const defaultConcurrency = 4

// Forge is the slice of the source-control gateway the reconciler
// consumes.
type Forge interface {
	ListRepositories(ctx context.Context, owner string) ([]fleet.Repo, error)
	LatestCommit(ctx context.Context, repo fleet.Repo) (time.Time, bool, error)
	LatestWorkflowRun(ctx context.Context, repo fleet.Repo) (time.Time, bool, error)
	RegistrationToken(ctx context.Context, repo fleet.Repo) (string, error)
}

// Classifier decides whether a repository declares self-hosted jobs.
type Classifier interface {
	UsesSelfHosted(ctx context.Context, repo fleet.Repo) (bool, error)
}

// Config holds the reconciler's collaborators and policy knobs.
type Config struct {
	Owner      string
	Forge      Forge
	Classifier Classifier
	Engine     engine.Engine
	Evaluator  activity.Evaluator

	// Concurrency bounds the per-repository fan-out. Default: 4.
	Concurrency int

	// Deprovision forces an empty desired set: every runner is torn
	// down regardless of activity.
	Deprovision bool

	Logger *slog.Logger

	// Now overrides the clock, for tests. Default: time.Now.
	Now func() time.Time
}

// Failure records one per-repository operation that did not succeed
// during a pass. Failures never abort the pass; the repository stays in
// its pre-pass state until the next invocation.
type Failure struct {
	Repo fleet.Repo
	Op   string
	Err  error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s: %v", f.Op, f.Repo, f.Err)
}

// Summary is the user-visible result of one reconciliation pass.
type Summary struct {
	Evaluated  int // repositories discovered for the owner
	SelfHosted int // of those, declaring a self-hosted job
	Active     int // of those, recently active (the desired set)
	Started    int
	Stopped    int
	Failures   []Failure
}

// Reconciler converges the running runner fleet to the desired set.
// It is stateless across passes: everything it needs is observable in
// the source-control system and the compute backend.
type Reconciler struct {
	owner       string
	forge       Forge
	classifier  Classifier
	engine      engine.Engine
	evaluator   activity.Evaluator
	concurrency int
	deprovision bool
	logger      *slog.Logger
	now         func() time.Time

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runnersStarted metric.Int64Counter
	runnersStopped metric.Int64Counter
	repoFailures   metric.Int64Counter
	passDuration   metric.Float64Histogram
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Reconciler{
		owner:       cfg.Owner,
		forge:       cfg.Forge,
		classifier:  cfg.Classifier,
		engine:      cfg.Engine,
		evaluator:   cfg.Evaluator,
		concurrency: cfg.Concurrency,
		deprovision: cfg.Deprovision,
		logger:      cfg.Logger,
		now:         cfg.Now,
		tracer:      otel.Tracer("runnerfleet/reconciler"),
		meter:       otel.Meter("runnerfleet/reconciler"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	r.runnersStarted, err = r.meter.Int64Counter(
		"runnerfleet.runners.started",
		metric.WithDescription("Total number of runners started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersStarted counter", slog.String("error", err.Error()))
	}

	r.runnersStopped, err = r.meter.Int64Counter(
		"runnerfleet.runners.stopped",
		metric.WithDescription("Total number of runners stopped"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersStopped counter", slog.String("error", err.Error()))
	}

	r.repoFailures, err = r.meter.Int64Counter(
		"runnerfleet.repo.failures",
		metric.WithDescription("Per-repository operation failures during reconciliation"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create repoFailures counter", slog.String("error", err.Error()))
	}

	r.passDuration, err = r.meter.Float64Histogram(
		"runnerfleet.pass.duration",
		metric.WithDescription("Duration of a reconciliation pass (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create passDuration histogram", slog.String("error", err.Error()))
	}

	return r
}

// Pass runs one full reconciliation: discover, classify, evaluate,
// observe, diff, apply. Only repository discovery and the runtime
// listing can fail the pass; every per-repository error degrades to a
// Summary failure entry. Pass is idempotent: re-running it with no
// external state change produces an empty diff.
func (r *Reconciler) Pass(ctx context.Context) (*Summary, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.Pass")
	defer span.End()

	started := r.now()
	passID := uuid.NewString()[:8]
	logger := r.logger.With(slog.String("pass", passID))
	span.SetAttributes(attribute.String("pass.id", passID))

	summary := &Summary{}
	var failures failureList

	desired, err := r.desiredSet(ctx, logger, summary, &failures)
	if err != nil {
		return nil, err
	}

	current, err := r.currentSet(ctx)
	if err != nil {
		return nil, err
	}

	toStop, toStart := fleet.Diff(current, desired)
	span.SetAttributes(
		attribute.Int("pass.desired", len(desired)),
		attribute.Int("pass.current", len(current)),
		attribute.Int("pass.to_stop", len(toStop)),
		attribute.Int("pass.to_start", len(toStart)),
	)
	logger.Info("reconciliation diff computed",
		slog.Int("desired", len(desired)),
		slog.Int("current", len(current)),
		slog.Int("toStop", len(toStop)),
		slog.Int("toStart", len(toStart)),
	)

	// Stops run before starts to free resources first under
	// constrained container-count limits.
	summary.Stopped = r.applyStops(ctx, logger, toStop, &failures)
	summary.Started = r.applyStarts(ctx, logger, toStart, &failures)
	summary.Failures = failures.snapshot()

	if r.passDuration != nil {
		r.passDuration.Record(ctx, r.now().Sub(started).Seconds())
	}

	logger.Info("reconciliation pass complete",
		slog.Int("evaluated", summary.Evaluated),
		slog.Int("selfHosted", summary.SelfHosted),
		slog.Int("active", summary.Active),
		slog.Int("started", summary.Started),
		slog.Int("stopped", summary.Stopped),
		slog.Int("failed", len(summary.Failures)),
	)
	for _, f := range summary.Failures {
		logger.Warn("reconciliation failure",
			slog.String("repo", f.Repo.Full()),
			slog.String("op", f.Op),
			slog.String("error", f.Err.Error()),
		)
	}

	return summary, nil
}

// desiredSet computes the repositories that should have a runner:
// those declaring self-hosted jobs and recently active. Classification
// runs before the activity fetches so workflow-irrelevant repositories
// cost one listing call instead of three.
func (r *Reconciler) desiredSet(ctx context.Context, logger *slog.Logger, summary *Summary, failures *failureList) (fleet.Set, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.desiredSet")
	defer span.End()

	desired := fleet.Set{}
	if r.deprovision {
		logger.Info("deprovision mode: desired set is empty")
		span.SetAttributes(attribute.Bool("pass.deprovision", true))
		return desired, nil
	}

	repos, err := r.forge.ListRepositories(ctx, r.owner)
	if err != nil {
		return nil, fmt.Errorf("listing repositories for %s: %w", r.owner, err)
	}
	summary.Evaluated = len(repos)
	span.SetAttributes(attribute.Int("pass.repositories", len(repos)))

	now := r.now().UTC()

	var (
		mu         sync.Mutex
		selfHosted int
	)
	g := &errgroup.Group{}
	g.SetLimit(r.concurrency)
	for _, repo := range repos {
		g.Go(func() error {
			uses, err := r.classifier.UsesSelfHosted(ctx, repo)
			if err != nil {
				failures.add(Failure{Repo: repo, Op: "classify", Err: err})
				r.countFailure(ctx, "classify")
				return nil
			}
			if !uses {
				return nil
			}

			sig := r.activitySignal(ctx, repo, failures)

			mu.Lock()
			defer mu.Unlock()
			selfHosted++
			if r.evaluator.IsActive(sig, now) {
				desired[repo] = struct{}{}
			}
			return nil
		})
	}
	// Workers report failures through the list, never as errors.
	_ = g.Wait()

	summary.SelfHosted = selfHosted
	summary.Active = len(desired)
	return desired, nil
}

// activitySignal fetches both activity timestamps for repo. A fetch
// failure degrades to an absent signal -- the conservative default --
// and is recorded, but never stops the pass.
func (r *Reconciler) activitySignal(ctx context.Context, repo fleet.Repo, failures *failureList) activity.Signal {
	var sig activity.Signal

	if ts, ok, err := r.forge.LatestCommit(ctx, repo); err != nil {
		failures.add(Failure{Repo: repo, Op: "latest commit", Err: err})
		r.countFailure(ctx, "latest commit")
	} else if ok {
		sig.Commit = &ts
	}

	if ts, ok, err := r.forge.LatestWorkflowRun(ctx, repo); err != nil {
		failures.add(Failure{Repo: repo, Op: "latest workflow run", Err: err})
		r.countFailure(ctx, "latest workflow run")
	} else if ok {
		sig.WorkflowRun = &ts
	}

	return sig
}

// currentSet observes the compute backend. Failure here aborts the
// pass: without the current set there is nothing to diff against.
func (r *Reconciler) currentSet(ctx context.Context) (fleet.Set, error) {
	repos, err := r.engine.ListRunners(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing runners: %w", err)
	}
	return fleet.NewSet(repos...), nil
}

// applyStops stops every runner in toStop, in parallel across
// distinct repositories, and returns the number stopped.
func (r *Reconciler) applyStops(ctx context.Context, logger *slog.Logger, toStop []fleet.Repo, failures *failureList) int {
	ctx, span := r.tracer.Start(ctx, "reconciler.applyStops")
	defer span.End()
	span.SetAttributes(attribute.Int("pass.to_stop", len(toStop)))

	var (
		mu      sync.Mutex
		stopped int
	)
	g := &errgroup.Group{}
	g.SetLimit(r.concurrency)
	for _, repo := range toStop {
		g.Go(func() error {
			if err := r.engine.StopRunner(ctx, repo); err != nil {
				failures.add(Failure{Repo: repo, Op: "stop", Err: err})
				r.countFailure(ctx, "stop")
				return nil
			}
			logger.Info("runner stopped", slog.String("repo", repo.Full()))
			if r.runnersStopped != nil {
				r.runnersStopped.Add(ctx, 1)
			}
			mu.Lock()
			stopped++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return stopped
}

// applyStarts starts a runner for every repository in toStart,
// fetching a fresh registration token immediately before each start.
// Tokens are short-lived and never reused across passes.
func (r *Reconciler) applyStarts(ctx context.Context, logger *slog.Logger, toStart []fleet.Repo, failures *failureList) int {
	ctx, span := r.tracer.Start(ctx, "reconciler.applyStarts")
	defer span.End()
	span.SetAttributes(attribute.Int("pass.to_start", len(toStart)))

	var (
		mu      sync.Mutex
		started int
	)
	g := &errgroup.Group{}
	g.SetLimit(r.concurrency)
	for _, repo := range toStart {
		g.Go(func() error {
			token, err := r.forge.RegistrationToken(ctx, repo)
			if err != nil {
				failures.add(Failure{Repo: repo, Op: "registration token", Err: err})
				r.countFailure(ctx, "registration token")
				return nil
			}
			id, err := r.engine.StartRunner(ctx, repo, token)
			if err != nil {
				failures.add(Failure{Repo: repo, Op: "start", Err: err})
				r.countFailure(ctx, "start")
				return nil
			}
			logger.Info("runner started",
				slog.String("repo", repo.Full()),
				slog.String("id", id),
			)
			if r.runnersStarted != nil {
				r.runnersStarted.Add(ctx, 1)
			}
			mu.Lock()
			started++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return started
}

func (r *Reconciler) countFailure(ctx context.Context, op string) {
	if r.repoFailures != nil {
		r.repoFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

// failureList is a concurrency-safe collector for per-repository
// failures.
type failureList struct {
	mu       sync.Mutex
	failures []Failure
}

func (l *failureList) add(f Failure) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, f)
}

func (l *failureList) snapshot() []Failure {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Failure, len(l.failures))
	copy(out, l.failures)
	return out
}
