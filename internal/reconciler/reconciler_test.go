package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/runnerfleet/internal/activity"
	"github.com/terrpan/runnerfleet/internal/fleet"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time { return testNow.Add(-time.Duration(n) * 24 * time.Hour) }

// ---------------------------------------------------------------------------
// Mock forge
// ---------------------------------------------------------------------------

type repoFacts struct {
	commit      *time.Time
	workflowRun *time.Time
	commitErr   error
	runErr      error
	tokenErr    error
}

type mockForge struct {
	mu    sync.Mutex
	repos []fleet.Repo
	facts map[fleet.Repo]*repoFacts

	listErr     error
	commitCalls map[fleet.Repo]int
	tokenCalls  int
}

func newMockForge() *mockForge {
	return &mockForge{
		facts:       map[fleet.Repo]*repoFacts{},
		commitCalls: map[fleet.Repo]int{},
	}
}

func (m *mockForge) addRepo(repo fleet.Repo, facts *repoFacts) {
	m.repos = append(m.repos, repo)
	if facts == nil {
		facts = &repoFacts{}
	}
	m.facts[repo] = facts
}

func (m *mockForge) ListRepositories(_ context.Context, _ string) ([]fleet.Repo, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.repos, nil
}

func (m *mockForge) LatestCommit(_ context.Context, repo fleet.Repo) (time.Time, bool, error) {
	m.mu.Lock()
	m.commitCalls[repo]++
	m.mu.Unlock()

	f := m.facts[repo]
	if f == nil {
		return time.Time{}, false, nil
	}
	if f.commitErr != nil {
		return time.Time{}, false, f.commitErr
	}
	if f.commit == nil {
		return time.Time{}, false, nil
	}
	return *f.commit, true, nil
}

func (m *mockForge) LatestWorkflowRun(_ context.Context, repo fleet.Repo) (time.Time, bool, error) {
	f := m.facts[repo]
	if f == nil {
		return time.Time{}, false, nil
	}
	if f.runErr != nil {
		return time.Time{}, false, f.runErr
	}
	if f.workflowRun == nil {
		return time.Time{}, false, nil
	}
	return *f.workflowRun, true, nil
}

func (m *mockForge) RegistrationToken(_ context.Context, repo fleet.Repo) (string, error) {
	m.mu.Lock()
	m.tokenCalls++
	m.mu.Unlock()

	if f := m.facts[repo]; f != nil && f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "token-for-" + repo.Name, nil
}

// ---------------------------------------------------------------------------
// Mock classifier
// ---------------------------------------------------------------------------

type mockClassifier struct {
	selfHosted map[fleet.Repo]bool
	errs       map[fleet.Repo]error
}

func (m *mockClassifier) UsesSelfHosted(_ context.Context, repo fleet.Repo) (bool, error) {
	if err := m.errs[repo]; err != nil {
		return false, err
	}
	return m.selfHosted[repo], nil
}

// ---------------------------------------------------------------------------
// Mock engine
// ---------------------------------------------------------------------------

type mockEngine struct {
	mu      sync.Mutex
	running map[fleet.Repo]bool

	listErr   error
	startErrs map[fleet.Repo]error
	stopErrs  map[fleet.Repo]error

	startedOrder []fleet.Repo
	stoppedOrder []fleet.Repo
	tokens       map[fleet.Repo]string
}

func newMockEngine(running ...fleet.Repo) *mockEngine {
	m := &mockEngine{
		running: map[fleet.Repo]bool{},
		tokens:  map[fleet.Repo]string{},
	}
	for _, r := range running {
		m.running[r] = true
	}
	return m
}

func (m *mockEngine) ListRunners(_ context.Context) ([]fleet.Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []fleet.Repo
	for r := range m.running {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockEngine) StartRunner(_ context.Context, repo fleet.Repo, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.startErrs[repo]; err != nil {
		return "", err
	}
	m.running[repo] = true
	m.startedOrder = append(m.startedOrder, repo)
	m.tokens[repo] = token
	return fmt.Sprintf("id-%s", repo.Name), nil
}

func (m *mockEngine) StopRunner(_ context.Context, repo fleet.Repo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.stopErrs[repo]; err != nil {
		return err
	}
	delete(m.running, repo)
	m.stoppedOrder = append(m.stoppedOrder, repo)
	return nil
}

func (m *mockEngine) runningSet() fleet.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := fleet.Set{}
	for r := range m.running {
		s[r] = struct{}{}
	}
	return s
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ReconcilerSuite struct {
	suite.Suite
	ctx        context.Context
	forge      *mockForge
	classifier *mockClassifier
	engine     *mockEngine
	logger     *slog.Logger
}

func (s *ReconcilerSuite) SetupTest() {
	s.ctx = context.Background()
	s.forge = newMockForge()
	s.classifier = &mockClassifier{
		selfHosted: map[fleet.Repo]bool{},
		errs:       map[fleet.Repo]error{},
	}
	s.engine = newMockEngine()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *ReconcilerSuite) newReconciler(opts ...func(*Config)) *Reconciler {
	cfg := Config{
		Owner:      "octo",
		Forge:      s.forge,
		Classifier: s.classifier,
		Engine:     s.engine,
		Evaluator:  activity.Evaluator{Threshold: 7 * 24 * time.Hour},
		Logger:     s.logger,
		Now:        func() time.Time { return testNow },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func repo(name string) fleet.Repo { return fleet.Repo{Owner: "octo", Name: name} }

// addActiveSelfHosted registers a repository that will land in the
// desired set: self-hosted workflow plus a commit one day ago.
func (s *ReconcilerSuite) addActiveSelfHosted(name string) fleet.Repo {
	r := repo(name)
	c := daysAgo(1)
	s.forge.addRepo(r, &repoFacts{commit: &c})
	s.classifier.selfHosted[r] = true
	return r
}

// ---------------------------------------------------------------------------
// Diff application
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) TestPass_StopsAndStartsExactlyTheDiff() {
	// Current = {a, b}, desired = {b, c}: stop a, start c, leave b.
	a, b, c := repo("a"), repo("b"), repo("c")
	s.engine = newMockEngine(a, b)

	for _, r := range []fleet.Repo{b, c} {
		commit := daysAgo(1)
		s.forge.addRepo(r, &repoFacts{commit: &commit})
		s.classifier.selfHosted[r] = true
	}

	summary, err := s.newReconciler().Pass(s.ctx)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), []fleet.Repo{a}, s.engine.stoppedOrder)
	assert.Equal(s.T(), []fleet.Repo{c}, s.engine.startedOrder)
	assert.Equal(s.T(), 1, summary.Started)
	assert.Equal(s.T(), 1, summary.Stopped)
	assert.Empty(s.T(), summary.Failures)
	assert.Equal(s.T(), fleet.NewSet(b, c), s.engine.runningSet())
}

func (s *ReconcilerSuite) TestPass_IsIdempotent() {
	s.addActiveSelfHosted("widgets")
	s.addActiveSelfHosted("blog")

	r := s.newReconciler()

	first, err := r.Pass(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, first.Started)

	second, err := r.Pass(s.ctx)
	require.NoError(s.T(), err)
	assert.Zero(s.T(), second.Started)
	assert.Zero(s.T(), second.Stopped)
	assert.Empty(s.T(), second.Failures)
}

// ---------------------------------------------------------------------------
// Desired-set computation
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) TestPass_ActivityScenario() {
	// alpha: fresh commit but no self-hosted workflow.
	alpha := repo("alpha")
	alphaCommit := daysAgo(1)
	s.forge.addRepo(alpha, &repoFacts{commit: &alphaCommit})

	// beta: stale commit, recent workflow run, self-hosted.
	beta := repo("beta")
	betaCommit := daysAgo(10)
	betaRun := daysAgo(2)
	s.forge.addRepo(beta, &repoFacts{commit: &betaCommit, workflowRun: &betaRun})
	s.classifier.selfHosted[beta] = true

	// gamma: no commits, no workflows.
	s.forge.addRepo(repo("gamma"), nil)

	summary, err := s.newReconciler().Pass(s.ctx)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 3, summary.Evaluated)
	assert.Equal(s.T(), 1, summary.SelfHosted)
	assert.Equal(s.T(), 1, summary.Active)
	assert.Equal(s.T(), []fleet.Repo{beta}, s.engine.startedOrder)
}

func (s *ReconcilerSuite) TestPass_FiltersBeforeFetchingActivity() {
	// Repositories without self-hosted workflows must not cost
	// activity-signal calls.
	hosted := repo("hosted-only")
	commit := daysAgo(1)
	s.forge.addRepo(hosted, &repoFacts{commit: &commit})

	s.addActiveSelfHosted("self-hosted-repo")

	_, err := s.newReconciler().Pass(s.ctx)
	require.NoError(s.T(), err)

	assert.Zero(s.T(), s.forge.commitCalls[hosted])
	assert.Equal(s.T(), 1, s.forge.commitCalls[repo("self-hosted-repo")])
}

func (s *ReconcilerSuite) TestPass_StaleSelfHostedRepoIsStopped() {
	stale := repo("stale")
	commit := daysAgo(30)
	s.forge.addRepo(stale, &repoFacts{commit: &commit})
	s.classifier.selfHosted[stale] = true
	s.engine = newMockEngine(stale)

	summary, err := s.newReconciler().Pass(s.ctx)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 1, summary.SelfHosted)
	assert.Zero(s.T(), summary.Active)
	assert.Equal(s.T(), []fleet.Repo{stale}, s.engine.stoppedOrder)
}

// ---------------------------------------------------------------------------
// Failure isolation
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) TestPass_TokenFailureDoesNotBlockOtherStarts() {
	var repos []fleet.Repo
	for _, name := range []string{"r1", "r2", "r3", "r4", "r5"} {
		repos = append(repos, s.addActiveSelfHosted(name))
	}
	s.forge.facts[repos[2]].tokenErr = errors.New("registration denied")

	summary, err := s.newReconciler().Pass(s.ctx)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 4, summary.Started)
	require.Len(s.T(), summary.Failures, 1)
	assert.Equal(s.T(), repos[2], summary.Failures[0].Repo)
	assert.Equal(s.T(), "registration token", summary.Failures[0].Op)
	assert.False(s.T(), s.engine.runningSet().Contains(repos[2]))
}

func (s *ReconcilerSuite) TestPass_StartFailureIsIsolated() {
	ok := s.addActiveSelfHosted("ok")
	bad := s.addActiveSelfHosted("bad")
	s.engine.startErrs = map[fleet.Repo]error{bad: errors.New("image pull failed")}

	summary, err := s.newReconciler().Pass(s.ctx)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 1, summary.Started)
	require.Len(s.T(), summary.Failures, 1)
	assert.Equal(s.T(), "start", summary.Failures[0].Op)
	assert.True(s.T(), s.engine.runningSet().Contains(ok))
}

func (s *ReconcilerSuite) TestPass_StopFailureIsIsolated() {
	stuck, gone := repo("stuck"), repo("gone")
	s.engine = newMockEngine(stuck, gone)
	s.engine.stopErrs = map[fleet.Repo]error{stuck: errors.New("engine unavailable")}

	summary, err := s.newReconciler().Pass(s.ctx)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 1, summary.Stopped)
	require.Len(s.T(), summary.Failures, 1)
	assert.Equal(s.T(), "stop", summary.Failures[0].Op)
	// The stuck runner stays until a later pass.
	assert.True(s.T(), s.engine.runningSet().Contains(stuck))
}

func (s *ReconcilerSuite) TestPass_ClassificationFailureSkipsRepo() {
	broken := repo("broken")
	s.forge.addRepo(broken, nil)
	s.classifier.errs[broken] = errors.New("listing failed")
	s.addActiveSelfHosted("fine")

	summary, err := s.newReconciler().Pass(s.ctx)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 1, summary.Started)
	require.Len(s.T(), summary.Failures, 1)
	assert.Equal(s.T(), "classify", summary.Failures[0].Op)
}

func (s *ReconcilerSuite) TestPass_ActivityFetchFailureDegradesToAbsent() {
	flaky := repo("flaky")
	run := daysAgo(1)
	s.forge.addRepo(flaky, &repoFacts{
		commitErr:   errors.New("timeout"),
		workflowRun: &run,
	})
	s.classifier.selfHosted[flaky] = true

	summary, err := s.newReconciler().Pass(s.ctx)
	require.NoError(s.T(), err)

	// Still active via the surviving workflow-run signal.
	assert.Equal(s.T(), 1, summary.Active)
	assert.Equal(s.T(), 1, summary.Started)
	require.Len(s.T(), summary.Failures, 1)
	assert.Equal(s.T(), "latest commit", summary.Failures[0].Op)
}

// ---------------------------------------------------------------------------
// Fatal errors
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) TestPass_ListRepositoriesFailureAbortsPass() {
	s.forge.listErr = errors.New("bad credentials")

	_, err := s.newReconciler().Pass(s.ctx)
	assert.ErrorContains(s.T(), err, "listing repositories")
}

func (s *ReconcilerSuite) TestPass_ListRunnersFailureAbortsPass() {
	s.addActiveSelfHosted("widgets")
	s.engine.listErr = errors.New("daemon unreachable")

	_, err := s.newReconciler().Pass(s.ctx)
	assert.ErrorContains(s.T(), err, "listing runners")
}

// ---------------------------------------------------------------------------
// Deprovision mode
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) TestPass_DeprovisionStopsEverything() {
	a, b := repo("a"), repo("b")
	s.engine = newMockEngine(a, b)
	s.forge.listErr = errors.New("must not be called")

	summary, err := s.newReconciler(func(c *Config) { c.Deprovision = true }).Pass(s.ctx)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 2, summary.Stopped)
	assert.Zero(s.T(), summary.Started)
	assert.Empty(s.T(), s.engine.runningSet())
}

// ---------------------------------------------------------------------------
// Registration tokens
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) TestPass_FreshTokenPerStart() {
	r1 := s.addActiveSelfHosted("r1")
	r2 := s.addActiveSelfHosted("r2")

	_, err := s.newReconciler().Pass(s.ctx)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 2, s.forge.tokenCalls)
	assert.Equal(s.T(), "token-for-r1", s.engine.tokens[r1])
	assert.Equal(s.T(), "token-for-r2", s.engine.tokens[r2])
}

func (s *ReconcilerSuite) TestPass_NoTokenFetchWithoutStarts() {
	r := s.addActiveSelfHosted("already-running")
	s.engine = newMockEngine(r)

	_, err := s.newReconciler().Pass(s.ctx)
	require.NoError(s.T(), err)

	assert.Zero(s.T(), s.forge.tokenCalls)
}
