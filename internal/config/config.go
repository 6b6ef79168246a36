// Package config handles loading, validating, and applying
// configuration for runnerfleet.  Configuration is read from a YAML
// file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/runnerfleet/internal/activity"
	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/engine/docker"
	"github.com/terrpan/runnerfleet/internal/engine/gcp"
	"github.com/terrpan/runnerfleet/internal/forge"
	"github.com/terrpan/runnerfleet/internal/workflow"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub     GitHubConfig     `yaml:"github"`
	Activity   ActivityConfig   `yaml:"activity"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Runner     RunnerConfig     `yaml:"runner"`
	Engine     EngineConfig     `yaml:"engine"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// Duration wraps time.Duration so YAML accepts "168h" style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return d.Std().String() }

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds the account to reconcile and its credentials.
type GitHubConfig struct {
	// Owner is the user or organization whose repositories are
	// reconciled (required).
	Owner string `yaml:"owner"`

	// Token is a personal access token with repo scope (required).
	// Also settable via the GITHUB_TOKEN environment variable.
	Token string `yaml:"token"`

	// APIURL overrides the API base URL for GitHub Enterprise
	// (e.g. "https://ghe.example.com/api/v3/").  Empty means github.com.
	APIURL string `yaml:"api_url"`
}

// ---------------------------------------------------------------------------
// Activity & classification
// ---------------------------------------------------------------------------

// ActivityConfig controls what counts as a recently active repository.
type ActivityConfig struct {
	// Threshold is how far back a commit or workflow run may be and
	// still count as recent.  Default: 168h (one week).
	Threshold Duration `yaml:"threshold"`

	// RequireBoth demands both a recent commit and a recent workflow
	// run instead of either.  Default: false.
	RequireBoth bool `yaml:"require_both"`
}

// ClassifierConfig controls how workflow files are inspected for
// self-hosted jobs.
type ClassifierConfig struct {
	// SubstringMatch falls back to a plain substring scan of workflow
	// files instead of parsing runs-on structurally.  Broader but can
	// match the label inside comments.  Default: false.
	SubstringMatch bool `yaml:"substring_match"`
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunnerConfig describes the runners themselves, independent of the
// compute backend.
type RunnerConfig struct {
	// Image is the runner image.  For the docker engine this is a
	// container image; for gcp it overrides engine.gcp.image when set.
	// Default (docker): "ghcr.io/actions/actions-runner:latest".
	Image string `yaml:"image"`

	// Labels are the runner labels passed to the registration step.
	// Default: ["self-hosted"].
	Labels []string `yaml:"labels"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "docker" or "gcp".
	Type string `yaml:"type"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPEngineConfig `yaml:"gcp"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// ForceRemove force-removes containers on stop instead of a plain
	// stop plus auto-remove.  Default: false.
	ForceRemove bool `yaml:"force_remove"`

	// Dind enables Docker-in-Docker by bind-mounting the host's
	// Docker socket into each runner container.
	Dind bool `yaml:"dind"`
}

// GCPEngineConfig holds GCP Compute Engine engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the runner image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).  If empty, the default
	// subnet for the zone is used.
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  A *bool distinguishes "not set" (nil -> default
	// true) from "explicitly set to false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string `yaml:"service_account"`
}

// ---------------------------------------------------------------------------
// Reconcile loop
// ---------------------------------------------------------------------------

// ReconcileConfig controls the reconciliation loop itself.
type ReconcileConfig struct {
	// Concurrency bounds the per-repository fan-out against the
	// GitHub API and the engine.  Default: 4.
	Concurrency int `yaml:"concurrency"`

	// Interval between passes.  Zero means run a single pass and exit.
	Interval Duration `yaml:"interval"`

	// Deprovision forces an empty desired set: every managed runner
	// is torn down.  Default: false.
	Deprovision bool `yaml:"deprovision"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Prometheus
// ---------------------------------------------------------------------------

// PrometheusConfig controls the local metrics and health endpoint.
type PrometheusConfig struct {
	// Port serves /metrics and /healthz when > 0.  Default: 0 (off).
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.Token == "" {
		c.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
	if c.Activity.Threshold == 0 {
		c.Activity.Threshold = Duration(activity.DefaultThreshold)
	}
	if len(c.Runner.Labels) == 0 {
		c.Runner.Labels = []string{"self-hosted"}
	}
	if c.Engine.Type == "" {
		c.Engine.Type = "docker"
	}
	if c.Engine.Type == "docker" && c.Runner.Image == "" {
		c.Runner.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Reconcile.Concurrency == 0 {
		c.Reconcile.Concurrency = 4
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// OTel defaults: disabled by default, insecure=true for local dev
	if !c.OTel.Enabled {
		if c.OTel.Insecure == false && c.OTel.Endpoint == "" {
			c.OTel.Insecure = true
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.GitHub.Owner == "" {
		return fmt.Errorf("github.owner is required")
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("no credentials: provide github.token or the GITHUB_TOKEN environment variable")
	}
	if c.Activity.Threshold < 0 {
		return fmt.Errorf("activity.threshold must be positive, got %s", c.Activity.Threshold)
	}
	for i, l := range c.Runner.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("runner.labels[%d] is empty", i)
		}
	}
	if c.Reconcile.Concurrency < 0 {
		return fmt.Errorf("reconcile.concurrency must be positive, got %d", c.Reconcile.Concurrency)
	}
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("reconcile.interval must not be negative, got %s", c.Reconcile.Interval)
	}

	switch c.Engine.Type {
	case "docker":
		// OK
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
		if c.gcpImage() == "" {
			return fmt.Errorf("engine.gcp.image is required when engine.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: docker, gcp)", c.Engine.Type)
	}

	return nil
}

// gcpImage resolves the VM image: runner.image wins over
// engine.gcp.image when both are set.
func (c *Config) gcpImage() string {
	if c.Runner.Image != "" {
		return c.Runner.Image
	}
	return c.Engine.GCP.Image
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewForge creates the GitHub gateway from the configured credentials.
func (c *Config) NewForge(logger *slog.Logger) (*forge.Client, error) {
	return forge.New(forge.Config{
		Token:  c.GitHub.Token,
		APIURL: c.GitHub.APIURL,
		Logger: logger.WithGroup("forge"),
	})
}

// NewClassifier creates the workflow classifier reading through the
// given gateway.
func (c *Config) NewClassifier(src workflow.Source, logger *slog.Logger) *workflow.Classifier {
	return workflow.New(workflow.Config{
		Source:         src,
		SubstringMatch: c.Classifier.SubstringMatch,
		Logger:         logger.WithGroup("classifier"),
	})
}

// NewEvaluator creates the activity evaluator.
func (c *Config) NewEvaluator() activity.Evaluator {
	return activity.Evaluator{
		Threshold:   c.Activity.Threshold.Std(),
		RequireBoth: c.Activity.RequireBoth,
	}
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "docker":
		return docker.New(ctx, docker.Config{
			Image:       c.Runner.Image,
			Labels:      c.Runner.Labels,
			ForceRemove: c.Engine.Docker.ForceRemove,
			Dind:        c.Engine.Docker.Dind,
		}, logger.WithGroup("engine.docker"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.GCP.Project,
			Zone:           c.Engine.GCP.Zone,
			MachineType:    c.Engine.GCP.MachineType,
			Image:          c.gcpImage(),
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
			RunnerLabels:   c.Runner.Labels,
		}, logger.WithGroup("engine.gcp"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}
