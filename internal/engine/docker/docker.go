// Package docker implements the engine.Engine interface using the
// Docker daemon to run per-repository self-hosted runners as
// containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/fleet"
)

// managedLabel marks containers created by this process so that
// ListRunners never touches containers that merely share the name
// prefix.
const managedLabel = "runnerfleet.managed"

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to use for runners.
	// Default: ghcr.io/actions/actions-runner:latest
	Image string

	// Labels are the runner labels passed to config.sh.
	// Default: ["self-hosted"].
	Labels []string

	// ForceRemove removes containers with force on StopRunner instead
	// of relying on a plain stop plus AutoRemove. Some runner images
	// trap SIGTERM and linger; this option is the stricter teardown.
	ForceRemove bool

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each runner container, so
	// workflows can run Docker commands.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon. Only enable this if you trust the workflows
	// that will run on these runners.
	Dind bool
}

// Engine manages per-repository runners as Docker containers. The
// daemon's container listing is the sole source of truth for which
// repositories have a runner; the engine keeps no state of its own.
type Engine struct {
	client      *dockerclient.Client
	image       string
	labels      []string
	forceRemove bool
	dind        bool
	logger      *slog.Logger
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine, connects to the daemon, and pulls the
// runner image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = []string{"self-hosted"}
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling runner image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	logger.Info("runner image ready", slog.String("image", cfg.Image))

	return &Engine{
		client:      client,
		image:       cfg.Image,
		labels:      cfg.Labels,
		forceRemove: cfg.ForceRemove,
		dind:        cfg.Dind,
		logger:      logger,
	}, nil
}

// ListRunners enumerates running containers whose names follow the
// fleet naming convention and decodes each into a repository identity.
func (e *Engine) ListRunners(ctx context.Context) ([]fleet.Repo, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", managedLabel+"=true"),
			filters.Arg("name", fleet.NamePrefix),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var repos []fleet.Repo
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}
		// The daemon reports names with a leading slash.
		name := strings.TrimPrefix(c.Names[0], "/")
		repo, err := fleet.DecodeRunnerName(name)
		if err != nil {
			e.logger.Warn("skipping container with undecodable name",
				slog.String("container", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// StartRunner creates and starts a detached, self-removing container
// that registers against repo with the provided token and then runs
// jobs. The token reaches config.sh only through the container
// environment; it is never logged.
func (e *Engine) StartRunner(ctx context.Context, repo fleet.Repo, token string) (string, error) {
	name, err := fleet.EncodeRunnerName(repo)
	if err != nil {
		return "", err
	}

	env := []string{
		"RUNNER_NAME=" + name,
		"REG_TOKEN=" + token,
	}
	cmd := fmt.Sprintf(
		`./config.sh --url %s --token "$REG_TOKEN" --labels %s --unattended --ephemeral && ./run.sh`,
		repo.URL(), strings.Join(e.labels, ","),
	)

	user := "runner"
	hostCfg := &container.HostConfig{AutoRemove: true}
	if e.dind {
		// Run as root for cross-platform socket access: on Linux the
		// docker group has write permission, on macOS Docker Desktop
		// only the owner does.
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg.Binds = []string{"/var/run/docker.sock:/var/run/docker.sock"}
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  e.image,
			User:   user,
			Cmd:    []string{"sh", "-c", cmd},
			Env:    env,
			Labels: map[string]string{managedLabel: "true"},
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", name, err)
	}

	e.logger.Info("runner started",
		slog.String("repo", repo.Full()),
		slog.String("container", name),
		slog.String("containerID", resp.ID),
	)

	return resp.ID, nil
}

// StopRunner stops the container for repo. AutoRemove set at creation
// time cleans the container up once it exits; with ForceRemove the
// container is instead removed immediately. A missing container means
// the runner is already gone, which is success.
func (e *Engine) StopRunner(ctx context.Context, repo fleet.Repo) error {
	name, err := fleet.EncodeRunnerName(repo)
	if err != nil {
		return err
	}

	if e.forceRemove {
		err = e.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	} else {
		err = e.client.ContainerStop(ctx, name, container.StopOptions{})
	}
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			e.logger.Debug("container already gone",
				slog.String("repo", repo.Full()),
				slog.String("container", name),
			)
			return nil
		}
		return fmt.Errorf("container stop %s: %w", name, err)
	}

	e.logger.Info("runner stopped",
		slog.String("repo", repo.Full()),
		slog.String("container", name),
	)
	return nil
}
