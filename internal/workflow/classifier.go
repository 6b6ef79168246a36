// Package workflow classifies repositories by whether their GitHub
// Actions workflows declare any self-hosted job.
package workflow

import (
	"context"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/runnerfleet/internal/fleet"
)

// SelfHostedLabel is the runs-on token that marks a self-hosted job.
const SelfHostedLabel = "self-hosted"

// Source provides workflow file listings and contents, typically the
// forge gateway.
type Source interface {
	ListWorkflowFiles(ctx context.Context, repo fleet.Repo) ([]string, error)
	FetchFileContent(ctx context.Context, repo fleet.Repo, path string) (string, error)
}

// Classifier decides the usesSelfHosted predicate for a repository.
type Classifier struct {
	source Source
	logger *slog.Logger

	// substringMatch skips YAML parsing and looks for the literal
	// self-hosted token anywhere in the file body. Looser than the
	// structural check, but usable when workflows carry YAML the
	// parser rejects.
	substringMatch bool
}

// Config configures a Classifier.
type Config struct {
	Source         Source
	Logger         *slog.Logger
	SubstringMatch bool
}

// New creates a Classifier.
func New(cfg Config) *Classifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Classifier{
		source:         cfg.Source,
		logger:         cfg.Logger,
		substringMatch: cfg.SubstringMatch,
	}
}

// UsesSelfHosted reports whether any workflow file of repo declares a
// job with runs-on self-hosted. A repository with no workflow files is
// false without any content fetch. Per-file fetch or parse failures
// skip that file; only the initial listing can fail the check, and the
// gateway already treats a missing workflow directory as an empty
// listing.
func (c *Classifier) UsesSelfHosted(ctx context.Context, repo fleet.Repo) (bool, error) {
	files, err := c.source.ListWorkflowFiles(ctx, repo)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}

	for _, path := range files {
		content, err := c.source.FetchFileContent(ctx, repo, path)
		if err != nil {
			c.logger.Debug("skipping unreadable workflow file",
				slog.String("repo", repo.Full()),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if c.declaresSelfHosted(repo, path, content) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Classifier) declaresSelfHosted(repo fleet.Repo, path, content string) bool {
	if c.substringMatch {
		return strings.Contains(content, SelfHostedLabel)
	}

	var doc struct {
		Jobs map[string]struct {
			RunsOn yaml.Node `yaml:"runs-on"`
		} `yaml:"jobs"`
	}
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		c.logger.Debug("skipping unparseable workflow file",
			slog.String("repo", repo.Full()),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return false
	}

	for _, job := range doc.Jobs {
		if runsOnSelfHosted(job.RunsOn) {
			return true
		}
	}
	return false
}

// runsOnSelfHosted matches runs-on both as a scalar label and as a
// sequence of labels.
func runsOnSelfHosted(node yaml.Node) bool {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Value == SelfHostedLabel
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if item.Kind == yaml.ScalarNode && item.Value == SelfHostedLabel {
				return true
			}
		}
	}
	return false
}
