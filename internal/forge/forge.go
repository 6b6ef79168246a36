// Package forge is the read-mostly gateway to the GitHub API. It
// answers the questions the reconciler needs -- which repositories
// exist, when they were last touched, what their workflows declare --
// and mints runner registration tokens. It never mutates repository
// state.
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/terrpan/runnerfleet/internal/fleet"
)

// maxRepositories bounds transparent pagination in ListRepositories.
const maxRepositories = 1000

// workflowDir is where GitHub looks for workflow definitions.
const workflowDir = ".github/workflows"

// TransportError wraps a failed GitHub API call with enough context to
// report it per repository. Soft negatives (missing commits, missing
// workflow directory) are not transport errors -- the query methods
// translate those into absent results.
type TransportError struct {
	Op   string
	Repo fleet.Repo
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Repo, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config holds the settings needed to talk to the GitHub API.
type Config struct {
	// Token is a PAT or installation token with repo scope.
	Token string

	// APIURL overrides the API base URL for GitHub Enterprise
	// (e.g. "https://ghe.example.com/api/v3/"). Empty means
	// github.com.
	APIURL string

	// Timeout bounds each API call. Default: 30s.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client implements the gateway over go-github.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// New creates a Client authenticated with the configured token.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	httpClient := oauth2.NewClient(context.Background(), src)
	httpClient.Timeout = cfg.Timeout

	gh := github.NewClient(httpClient)
	if cfg.APIURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing api url %q: %w", cfg.APIURL, err)
		}
		gh.BaseURL = base
	}

	return &Client{gh: gh, logger: cfg.Logger}, nil
}

// ListRepositories returns every non-archived repository owned by
// owner, paginating transparently up to maxRepositories. Failure here
// is fatal to a reconciliation pass: nothing can proceed without the
// repository list.
func (c *Client) ListRepositories(ctx context.Context, owner string) ([]fleet.Repo, error) {
	opts := &github.RepositoryListOptions{
		Type:        "owner",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var repos []fleet.Repo
	for {
		page, resp, err := c.gh.Repositories.List(ctx, owner, opts)
		if err != nil {
			return nil, &TransportError{Op: "list repositories", Repo: fleet.Repo{Owner: owner}, Err: err}
		}
		for _, r := range page {
			if r.GetArchived() {
				continue
			}
			repo := fleet.Repo{Owner: owner, Name: r.GetName()}
			if err := repo.Validate(); err != nil {
				// Cannot encode a runner name for it, so it can
				// never be reconciled. Skip with a warning.
				c.logger.Warn("skipping repository with unsupported name",
					slog.String("repo", repo.Full()),
					slog.String("error", err.Error()),
				)
				continue
			}
			repos = append(repos, repo)
		}
		if resp.NextPage == 0 || len(repos) >= maxRepositories {
			break
		}
		opts.Page = resp.NextPage
	}

	return repos, nil
}

// LatestCommit returns the timestamp of the most recent commit on the
// default branch, normalized to UTC. A repository with no commits
// yields (zero, false, nil) -- absence, not an error.
func (c *Client) LatestCommit(ctx context.Context, repo fleet.Repo) (time.Time, bool, error) {
	commits, _, err := c.gh.Repositories.ListCommits(ctx, repo.Owner, repo.Name,
		&github.CommitsListOptions{ListOptions: github.ListOptions{PerPage: 1}})
	if err != nil {
		if isEmptyRepository(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, &TransportError{Op: "latest commit", Repo: repo, Err: err}
	}
	if len(commits) == 0 {
		return time.Time{}, false, nil
	}

	ts := commits[0].GetCommit().GetCommitter().GetDate()
	if ts.IsZero() {
		return time.Time{}, false, nil
	}
	return ts.Time.UTC(), true, nil
}

// LatestWorkflowRun returns the last-updated time of the most recent
// workflow run, normalized to UTC; (zero, false, nil) when the
// repository has never run a workflow.
func (c *Client) LatestWorkflowRun(ctx context.Context, repo fleet.Repo) (time.Time, bool, error) {
	runs, _, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, repo.Owner, repo.Name,
		&github.ListWorkflowRunsOptions{ListOptions: github.ListOptions{PerPage: 1}})
	if err != nil {
		if isNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, &TransportError{Op: "latest workflow run", Repo: repo, Err: err}
	}
	if len(runs.WorkflowRuns) == 0 {
		return time.Time{}, false, nil
	}

	ts := runs.WorkflowRuns[0].GetUpdatedAt()
	if ts.IsZero() {
		return time.Time{}, false, nil
	}
	return ts.Time.UTC(), true, nil
}

// ListWorkflowFiles lists the YAML files directly under
// .github/workflows. A repository without that directory yields an
// empty list, not an error.
func (c *Client) ListWorkflowFiles(ctx context.Context, repo fleet.Repo) ([]string, error) {
	_, dir, _, err := c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, workflowDir, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, &TransportError{Op: "list workflow files", Repo: repo, Err: err}
	}

	var files []string
	for _, entry := range dir {
		if entry.GetType() != "file" {
			continue
		}
		switch strings.ToLower(path.Ext(entry.GetName())) {
		case ".yml", ".yaml":
			files = append(files, entry.GetPath())
		}
	}
	return files, nil
}

// FetchFileContent returns the decoded text of a single repository
// file. Any failure -- including undecodable content -- is a
// TransportError; callers treat it as "cannot determine" for
// classification, never as fatal.
func (c *Client) FetchFileContent(ctx context.Context, repo fleet.Repo, filePath string) (string, error) {
	file, _, _, err := c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, filePath, nil)
	if err != nil {
		return "", &TransportError{Op: "fetch " + filePath, Repo: repo, Err: err}
	}
	if file == nil {
		return "", &TransportError{Op: "fetch " + filePath, Repo: repo, Err: errors.New("path is not a file")}
	}
	content, err := file.GetContent()
	if err != nil {
		return "", &TransportError{Op: "decode " + filePath, Repo: repo, Err: err}
	}
	return content, nil
}

// RegistrationToken obtains a short-lived token authorizing one runner
// registration against repo. Tokens are single-use from the caller's
// perspective: fetched immediately before each start, never cached,
// never logged.
func (c *Client) RegistrationToken(ctx context.Context, repo fleet.Repo) (string, error) {
	tok, _, err := c.gh.Actions.CreateRegistrationToken(ctx, repo.Owner, repo.Name)
	if err != nil {
		return "", &TransportError{Op: "registration token", Repo: repo, Err: err}
	}
	if tok.GetToken() == "" {
		return "", &TransportError{Op: "registration token", Repo: repo, Err: errors.New("empty token in response")}
	}
	return tok.GetToken(), nil
}

// isNotFound reports whether err is a 404 from the API.
func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) &&
		ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusNotFound
}

// isEmptyRepository matches the responses GitHub returns for commit
// listings on repositories with no commits: 409 "Git Repository is
// empty" (or 404 on some API versions).
func isEmptyRepository(err error) bool {
	if isNotFound(err) {
		return true
	}
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) &&
		ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusConflict
}
