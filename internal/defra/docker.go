package defra

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	DefaultImage         = "sourcenetwork/defradb:latest"
	DefaultContainerName = "snapshelf-defra"
	DefaultPort          = "9181"

	containerPort = nat.Port("9181/tcp")
	dataDir       = "/data"
	managedLabel  = "snapshelf.managed"
)

// ContainerStatus is the observed state of the DefraDB container.
type ContainerStatus string

const (
	ContainerRunning  ContainerStatus = "running"
	ContainerStopped  ContainerStatus = "stopped"
	ContainerStarting ContainerStatus = "starting"
	ContainerMissing  ContainerStatus = "not_found"
)

// DockerConfig configures the DefraDB container.
type DockerConfig struct {
	ContainerName string
	Image         string
	DataPath      string // host directory bind-mounted at /data
	HostPort      string
	ReadyTimeout  time.Duration
	Logger        *slog.Logger
}

// DockerManager runs DefraDB in a local Docker container.
type DockerManager struct {
	cli    *client.Client
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerManager connects to the Docker daemon from the environment.
func NewDockerManager(cfg DockerConfig) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.ContainerName == "" {
		cfg.ContainerName = DefaultContainerName
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.HostPort == "" {
		cfg.HostPort = DefaultPort
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DockerManager{
		cli:    cli,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "defra-docker", "container", cfg.ContainerName),
	}, nil
}

// Close releases the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

// URL is the host-side DefraDB API address.
func (m *DockerManager) URL() string {
	return "http://localhost:" + m.cfg.HostPort
}

// Start makes sure the container exists, is running and answers health checks.
func (m *DockerManager) Start(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}

	status, id, err := m.inspect(ctx)
	if err != nil {
		return err
	}
	switch status {
	case ContainerRunning:
		m.logger.Debug("container already running")
	case ContainerStopped:
		m.logger.Info("starting existing container")
		if err := m.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start existing container: %w", err)
		}
	case ContainerMissing:
		if err := m.create(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("container in unexpected state: %s", status)
	}
	return m.WaitReady(ctx)
}

// Stop stops the container if it exists.
func (m *DockerManager) Stop(ctx context.Context) error {
	status, id, err := m.inspect(ctx)
	if err != nil || status == ContainerMissing {
		return err
	}
	timeout := 10
	if err := m.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove force-removes the container and its anonymous volumes.
func (m *DockerManager) Remove(ctx context.Context) error {
	status, id, err := m.inspect(ctx)
	if err != nil || status == ContainerMissing {
		return err
	}
	if err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Status reports the container state.
func (m *DockerManager) Status(ctx context.Context) (ContainerStatus, error) {
	status, _, err := m.inspect(ctx)
	return status, err
}

// Logs returns the last tail lines of container output.
func (m *DockerManager) Logs(ctx context.Context, tail string) (string, error) {
	status, id, err := m.inspect(ctx)
	if err != nil {
		return "", err
	}
	if status == ContainerMissing {
		return "", fmt.Errorf("container %s not found", m.cfg.ContainerName)
	}

	rc, err := m.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: tail})
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(b), nil
}

// WaitReady polls the health endpoint once a second until ReadyTimeout.
func (m *DockerManager) WaitReady(ctx context.Context) error {
	hc := &http.Client{Timeout: 2 * time.Second}
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL()+"/health-check", nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := hc.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(m.cfg.ReadyTimeout/time.Second)),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (m *DockerManager) create(ctx context.Context) error {
	if _, err := m.cli.ImageInspect(ctx, m.cfg.Image); err != nil {
		m.logger.Info("pulling image", "image", m.cfg.Image)
		rc, err := m.cli.ImagePull(ctx, m.cfg.Image, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image: %w", err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to pull image: %w", err)
		}
	}

	cfg := &container.Config{
		Image:        m.cfg.Image,
		Cmd:          []string{"start", "--no-keyring", "--url", "0.0.0.0:9181", "--store", "badger", "--rootdir", dataDir},
		Labels:       map[string]string{managedLabel: "true"},
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	host := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: m.cfg.HostPort}},
		},
	}
	if m.cfg.DataPath != "" {
		host.Mounts = []mount.Mount{{Type: mount.TypeBind, Source: m.cfg.DataPath, Target: dataDir}}
	}

	m.logger.Info("creating container", "image", m.cfg.Image, "port", m.cfg.HostPort)
	resp, err := m.cli.ContainerCreate(ctx, cfg, host, nil, nil, m.cfg.ContainerName)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (m *DockerManager) inspect(ctx context.Context) (ContainerStatus, string, error) {
	args := filters.NewArgs()
	args.Add("name", m.cfg.ContainerName)
	list, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", "", fmt.Errorf("failed to list containers: %w", err)
	}
	if len(list) == 0 {
		return ContainerMissing, "", nil
	}
	c := list[0]
	switch c.State {
	case "running":
		return ContainerRunning, c.ID, nil
	case "exited", "dead":
		return ContainerStopped, c.ID, nil
	case "created", "restarting":
		return ContainerStarting, c.ID, nil
	}
	return ContainerStatus(c.State), c.ID, nil
}
