package beads

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// SandboxRunner runs the bd binary inside a short-lived Docker container
// rather than directly on the host, bind-mounting the project directory so
// bd's own writes (its local index, sqlite file) land back on the host.
type SandboxRunner struct {
	cli   *client.Client
	Image string
}

// NewSandboxRunner builds a SandboxRunner using the ambient Docker
// environment (DOCKER_HOST, TLS config, etc).
func NewSandboxRunner(image string) (*SandboxRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("beads: initializing docker client: %w", err)
	}
	if image == "" {
		image = "citadel-bd-sandbox:latest"
	}
	return &SandboxRunner{cli: cli, Image: image}, nil
}

// Run implements Runner by creating a fresh container per invocation,
// running `bd <args>` with dir bind-mounted at /workspace, and returning
// its stdout; stderr is reported in the error on a non-zero exit.
func (r *SandboxRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := append([]string{"bd"}, args...)

	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      r.Image,
			Cmd:        cmd,
			WorkingDir: "/workspace",
			Tty:        false,
		},
		&container.HostConfig{
			Mounts: []mount.Mount{
				{Type: mount.TypeBind, Source: dir, Target: "/workspace"},
			},
			AutoRemove: false,
		},
		nil, nil, "",
	)
	if err != nil {
		return nil, fmt.Errorf("beads: sandbox: create container: %w", err)
	}
	defer r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("beads: sandbox: start container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("beads: sandbox: wait: %w", err)
		}
	case <-statusCh:
	}

	logs, err := r.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("beads: sandbox: container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("beads: sandbox: demux logs: %w", err)
	}

	inspect, err := r.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("beads: sandbox: inspect: %w", err)
	}
	if inspect.State.ExitCode != 0 {
		return nil, fmt.Errorf("bd %v failed: exit %d\nstderr: %s", args, inspect.State.ExitCode, strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}

// NewSandboxedAdapter builds a SubprocessAdapter whose commands run inside a
// Docker sandbox rather than directly on the host.
func NewSandboxedAdapter(dir string, autoSync bool, image string) (*SubprocessAdapter, error) {
	runner, err := NewSandboxRunner(image)
	if err != nil {
		return nil, err
	}
	return &SubprocessAdapter{Dir: dir, AutoSync: autoSync, Runner: runner}, nil
}
