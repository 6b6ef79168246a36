package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/runnerfleet/internal/buildinfo"
	"github.com/terrpan/runnerfleet/internal/config"
	"github.com/terrpan/runnerfleet/internal/health"
	"github.com/terrpan/runnerfleet/internal/otel"
	"github.com/terrpan/runnerfleet/internal/reconciler"
)

var (
	cfgPath       string
	flagOverrides config.Config
	flagThreshold time.Duration
	flagInterval  time.Duration
	flagOnce      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runnerfleet",
	Short: "Ephemeral self-hosted GitHub Actions runners for active repositories",
	Long: `runnerfleet keeps one ephemeral self-hosted runner per recently active
repository of a GitHub user or organization.  Each pass it discovers the
repositories, keeps those whose workflows target self-hosted runners and
that saw a commit or workflow run recently, and converges the compute
backend (Docker or GCP) to exactly that set.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	Version:      fmt.Sprintf("%s (%s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.Owner, "owner", "", "GitHub user or organization to reconcile")
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token (also read from GITHUB_TOKEN)")
	f.StringVar(&flagOverrides.GitHub.APIURL, "api-url", "", "GitHub API base URL (for GitHub Enterprise)")

	// Policy overrides
	f.DurationVar(&flagThreshold, "threshold", 0, "Activity threshold (e.g. 168h)")
	f.StringVar(&flagOverrides.Runner.Image, "image", "", "Runner image")
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute backend (docker, gcp)")
	f.DurationVar(&flagInterval, "interval", 0, "Interval between passes (0 runs a single pass)")
	f.BoolVar(&flagOverrides.Reconcile.Deprovision, "deprovision", false, "Tear down every managed runner and exit")
	f.BoolVar(&flagOnce, "once", false, "Run a single pass regardless of reconcile.interval")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.Owner != "" {
		cfg.GitHub.Owner = flagOverrides.GitHub.Owner
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.APIURL != "" {
		cfg.GitHub.APIURL = flagOverrides.GitHub.APIURL
	}
	if flagThreshold != 0 {
		cfg.Activity.Threshold = config.Duration(flagThreshold)
	}
	if flagOverrides.Runner.Image != "" {
		cfg.Runner.Image = flagOverrides.Runner.Image
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagInterval != 0 {
		cfg.Reconcile.Interval = config.Duration(flagInterval)
	}
	if flagOverrides.Reconcile.Deprovision {
		cfg.Reconcile.Deprovision = true
	}
	if flagOnce {
		cfg.Reconcile.Interval = 0
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("owner", cfg.GitHub.Owner),
		slog.String("engine", cfg.Engine.Type),
		slog.String("threshold", cfg.Activity.Threshold.String()),
		slog.String("interval", cfg.Reconcile.Interval.String()),
		slog.Bool("deprovision", cfg.Reconcile.Deprovision),
	)

	// ---------------------------------------------------------------
	// 3. Set up OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "runnerfleet", otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: cfg.Prometheus.Port,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Serve /metrics and /healthz
	// ---------------------------------------------------------------
	if cfg.Prometheus.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", health.Handler(cfg.GitHub.Owner, cfg.Engine.Type))

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Prometheus.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// ---------------------------------------------------------------
	// 5. Create forge client and classifier
	// ---------------------------------------------------------------
	forgeClient, err := cfg.NewForge(logger)
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}
	classifier := cfg.NewClassifier(forgeClient, logger)

	// ---------------------------------------------------------------
	// 6. Initialize compute engine
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	// ---------------------------------------------------------------
	// 7. Create reconciler and run
	// ---------------------------------------------------------------
	rec := reconciler.New(reconciler.Config{
		Owner:       cfg.GitHub.Owner,
		Forge:       forgeClient,
		Classifier:  classifier,
		Engine:      eng,
		Evaluator:   cfg.NewEvaluator(),
		Concurrency: cfg.Reconcile.Concurrency,
		Deprovision: cfg.Reconcile.Deprovision,
		Logger:      logger.WithGroup("reconciler"),
	})

	if cfg.Reconcile.Interval == 0 {
		return runPass(ctx, rec, logger)
	}

	// Periodic mode: one pass immediately, then on every tick until
	// the context is cancelled.
	ticker := time.NewTicker(cfg.Reconcile.Interval.Std())
	defer ticker.Stop()

	for {
		if err := runPass(ctx, rec, logger); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			// A failed pass is retried on the next tick.
			logger.Error("pass failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down gracefully")
			return nil
		case <-ticker.C:
		}
	}

	logger.Info("shutting down gracefully")
	return nil
}

// runPass executes a single reconciliation pass. Per-repository
// failures are logged; only a fatal pass error propagates.
func runPass(ctx context.Context, rec *reconciler.Reconciler, logger *slog.Logger) error {
	summary, err := rec.Pass(ctx)
	if err != nil {
		return err
	}
	if len(summary.Failures) > 0 {
		logger.Warn("pass finished with failures", slog.Int("failed", len(summary.Failures)))
	}
	return nil
}
