package tools

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerShell runs each command in a throwaway container with the
// project root bind-mounted at /workspace and no network.
type DockerShell struct {
	client   *client.Client
	image    string
	memoryMB int64
	root     string
}

// NewDockerShell creates a sandboxed shell for the given project root.
func NewDockerShell(image string, memoryMB int64, root string) (*DockerShell, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if image == "" {
		image = "alpine:3.20"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}

	return &DockerShell{
		client:   cli,
		image:    image,
		memoryMB: memoryMB * 1024 * 1024,
		root:     root,
	}, nil
}

// Exec runs a command in an ephemeral container.
func (d *DockerShell) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryMB,
		},
		NetworkMode: "none",
		Binds:       []string{fmt.Sprintf("%s:/workspace", d.root)},
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}

	containerID := resp.ID
	// Removed explicitly after logs are read; AutoRemove races the log
	// fetch against the daemon deleting the container.
	defer func() {
		_ = d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container error: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		// Force kill on timeout.
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return "", "command timed out", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Close closes the docker client.
func (d *DockerShell) Close() error {
	return d.client.Close()
}
