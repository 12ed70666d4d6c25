package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/client"
)

// ContainerRuntime is the slice of the container runtime the lifecycle
// manager needs. Implemented by DockerRuntime for production and by fakes
// in tests.
type ContainerRuntime interface {
	// IsRunning reports whether the named container is running.
	IsRunning(ctx context.Context, name string) (bool, error)

	// Start starts a stopped container.
	Start(ctx context.Context, name string) error

	// Restart restarts a container.
	Restart(ctx context.Context, name string) error

	// Exec runs a command inside the container and returns exit code and
	// combined output.
	Exec(ctx context.Context, name string, cmd []string) (int, string, error)
}

// DockerRuntime talks to the Docker daemon through the moby client.
type DockerRuntime struct {
	api *client.Client
}

// NewDockerRuntime connects to the daemon at the given socket path.
func NewDockerRuntime(socketPath string) (*DockerRuntime, error) {
	api, err := client.New(
		client.WithHost("unix://"+socketPath),
		client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.DialTimeout("unix", socketPath, 30*time.Second)
				},
			},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create docker client: %w", err)
	}
	return &DockerRuntime{api: api}, nil
}

// Ping checks that the daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.api.Ping(ctx, client.PingOptions{})
	return err
}

// IsRunning inspects the named container's state.
func (d *DockerRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	result, err := d.api.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return false, nil
		}
		return false, fmt.Errorf("inspect %s: %w", name, err)
	}
	state := result.Container.State
	return state != nil && state.Running, nil
}

// Start starts the named container.
func (d *DockerRuntime) Start(ctx context.Context, name string) error {
	if _, err := d.api.ContainerStart(ctx, name, client.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	return nil
}

// Restart restarts the named container.
func (d *DockerRuntime) Restart(ctx context.Context, name string) error {
	if _, err := d.api.ContainerRestart(ctx, name, client.ContainerRestartOptions{}); err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}
	return nil
}

// Exec runs cmd inside the named container and returns the exit code and
// combined stdout/stderr.
func (d *DockerRuntime) Exec(ctx context.Context, name string, cmd []string) (int, string, error) {
	execResp, err := d.api.ExecCreate(ctx, name, client.ExecCreateOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, "", fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := d.api.ExecAttach(ctx, execResp.ID, client.ExecAttachOptions{})
	if err != nil {
		return -1, "", fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return -1, "", fmt.Errorf("exec read: %w", err)
	}
	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}

	inspectResp, err := d.api.ExecInspect(ctx, execResp.ID, client.ExecInspectOptions{})
	if err != nil {
		return -1, stdout.String(), fmt.Errorf("exec inspect: %w", err)
	}
	return inspectResp.ExitCode, stdout.String(), nil
}

// Close releases the client.
func (d *DockerRuntime) Close() error {
	return d.api.Close()
}
