package sf3d

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	stopTimeoutSecs  = 10
	healthPollPeriod = 2 * time.Second
)

// dockerAPI is the subset of the Docker client the launcher needs.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// HealthChecker reports whether the backend answers requests.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// LauncherConfig configures a Launcher.
type LauncherConfig struct {
	Image     string
	Name      string
	GPU       bool
	StartWait time.Duration
}

// Launcher starts the ComfyUI container on demand when the backend is down.
type Launcher struct {
	cli    dockerAPI
	cfg    LauncherConfig
	health HealthChecker
	logger *slog.Logger
	poll   time.Duration
}

// NewLauncher creates a Docker-backed launcher.
func NewLauncher(cfg LauncherConfig, health HealthChecker, logger *slog.Logger) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newLauncher(cli, cfg, health, logger), nil
}

func newLauncher(cli dockerAPI, cfg LauncherConfig, health HealthChecker, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StartWait <= 0 {
		cfg.StartWait = 60 * time.Second
	}
	return &Launcher{cli: cli, cfg: cfg, health: health, logger: logger, poll: healthPollPeriod}
}

// EnsureRunning returns nil once the backend is healthy, creating or
// restarting the named container if needed.
func (l *Launcher) EnsureRunning(ctx context.Context) error {
	if l.health.Healthy(ctx) {
		return nil
	}

	inspect, err := l.cli.ContainerInspect(ctx, l.cfg.Name)
	switch {
	case err == nil && inspect.State != nil && inspect.State.Running:
		l.logger.Info("sf3d container running but not healthy yet", "container_id", inspect.ID)
	case err == nil:
		l.logger.Info("starting stopped sf3d container", "container_id", inspect.ID)
		if err := l.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("start container %s: %w", inspect.ID, err)
		}
	case errdefs.IsNotFound(err):
		if err := l.create(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("inspect container %s: %w", l.cfg.Name, err)
	}

	return l.waitHealthy(ctx)
}

func (l *Launcher) create(ctx context.Context) error {
	if l.cfg.Image == "" {
		return fmt.Errorf("%w: no docker image configured", ErrUnavailable)
	}
	l.logger.Info("creating sf3d container", "image", l.cfg.Image, "name", l.cfg.Name)

	hostConfig := &container.HostConfig{
		NetworkMode:   "host",
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if l.cfg.GPU {
		hostConfig.DeviceRequests = []container.DeviceRequest{{
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := l.cli.ContainerCreate(ctx, &container.Config{Image: l.cfg.Image}, hostConfig, nil, nil, l.cfg.Name)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := l.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			l.logger.Warn("failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return fmt.Errorf("start container %s: %w", resp.ID, err)
	}
	l.logger.Info("sf3d container started", "container_id", resp.ID)
	return nil
}

func (l *Launcher) waitHealthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StartWait)
	defer cancel()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		if l.health.Healthy(ctx) {
			l.logger.Info("sf3d backend ready")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: not healthy after %s", ErrUnavailable, l.cfg.StartWait)
		case <-ticker.C:
		}
	}
}

// Stop stops and removes the container. A missing container is not an error.
func (l *Launcher) Stop(ctx context.Context) error {
	timeout := stopTimeoutSecs
	if err := l.cli.ContainerStop(ctx, l.cfg.Name, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		l.logger.Warn("failed to stop sf3d container", "name", l.cfg.Name, "error", err)
	}
	if err := l.cli.ContainerRemove(ctx, l.cfg.Name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", l.cfg.Name, err)
	}
	return nil
}

// Close releases the Docker client.
func (l *Launcher) Close() error {
	return l.cli.Close()
}
