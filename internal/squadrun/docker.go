package squadrun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/antigravity-dev/squadforge/internal/config"
)

// DockerDispatcher launches each squad's backend process as its own
// long-lived container, bind-mounting the squad's project directory as its
// workspace (§4.1).
type DockerDispatcher struct {
	cli *client.Client
	cfg config.Backend

	mu   sync.Mutex
	name map[string]string // handle.ID -> container name
}

// NewDockerDispatcher constructs a DockerDispatcher from the Docker client
// found in the environment (DOCKER_HOST, default socket, etc.).
func NewDockerDispatcher(cfg config.Backend) (*DockerDispatcher, error) {
	if cfg.Driver == "local" {
		return nil, fmt.Errorf("squadrun: backend driver %q has no dispatcher implementation; only \"docker\" is supported", cfg.Driver)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("squadrun: docker client: %w", err)
	}
	return &DockerDispatcher{cli: cli, cfg: cfg, name: make(map[string]string)}, nil
}

func (d *DockerDispatcher) Name() string { return "docker" }

func (d *DockerDispatcher) Launch(ctx context.Context, opts LaunchOpts) (ProcessHandle, string, error) {
	containerName := fmt.Sprintf("squadforge-squad-%s-%d", opts.SquadID, time.Now().UnixNano())

	workDirPath, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return ProcessHandle{}, "", fmt.Errorf("squadrun: resolve workdir: %w", err)
	}
	if err := os.MkdirAll(workDirPath, 0o755); err != nil {
		return ProcessHandle{}, "", fmt.Errorf("squadrun: create workdir: %w", err)
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: workDirPath, Target: "/workspace"},
	}
	for _, m := range d.cfg.BindMounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m, Target: m, ReadOnly: true})
	}

	image := d.cfg.Image
	if image == "" {
		image = "opencode/backend:latest"
	}

	containerConfig := &container.Config{
		Image:      image,
		Env:        opts.Env,
		WorkingDir: "/workspace",
		ExposedPorts: nil,
	}
	hostConfig := &container.HostConfig{
		Mounts:     mounts,
		AutoRemove: false,
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return ProcessHandle{}, "", fmt.Errorf("squadrun: create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return ProcessHandle{}, "", fmt.Errorf("squadrun: start container: %w", err)
	}

	d.mu.Lock()
	d.name[resp.ID] = containerName
	d.mu.Unlock()

	baseURL := fmt.Sprintf("http://%s:%d", containerName, d.cfg.StartupPort)
	return ProcessHandle{ID: resp.ID, Name: containerName}, baseURL, nil
}

func (d *DockerDispatcher) Inspect(ctx context.Context, handle ProcessHandle) (ProcessState, error) {
	ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	inspect, err := d.cli.ContainerInspect(ictx, handle.ID)
	if err != nil {
		return ProcessState{}, fmt.Errorf("squadrun: inspect container: %w", err)
	}
	return ProcessState{Running: inspect.State.Running, ExitCode: inspect.State.ExitCode}, nil
}

func (d *DockerDispatcher) Stop(ctx context.Context, handle ProcessHandle) error {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := d.cli.ContainerRemove(sctx, handle.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("squadrun: remove container: %w", err)
	}

	d.mu.Lock()
	delete(d.name, handle.ID)
	d.mu.Unlock()
	return nil
}
