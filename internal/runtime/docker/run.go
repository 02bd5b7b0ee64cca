package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/repobox/control-plane/internal/runtime"
)

// Run creates and starts a container with a pooled host port published.
// On any failure after the port is acquired, the lease is released before
// returning; on success the caller owns the lease.
func (r *Runtime) Run(ctx context.Context, spec runtime.RunSpec, out runtime.LogLine) (*runtime.RunResult, error) {
	lease, err := r.pool.Acquire()
	if err != nil {
		return nil, err
	}

	containerPort := spec.ContainerPort
	if containerPort == 0 {
		containerPort = r.cfg.DefaultContainerPort
	}
	exposed := nat.Port(fmt.Sprintf("%d/tcp", containerPort))

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image: spec.ImageRef,
		Env:   env,
		ExposedPorts: nat.PortSet{
			exposed: struct{}{},
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			exposed: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", lease.Port())},
			},
		},
	}
	if r.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(r.cfg.Network)
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, (*ocispec.Platform)(nil), spec.Name)
	if err != nil {
		lease.Release()
		return nil, &runtime.RunError{Err: fmt.Errorf("creating container: %w", err)}
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		r.remove(context.Background(), created.ID)
		lease.Release()
		return nil, &runtime.RunError{Err: fmt.Errorf("starting container: %w", err)}
	}

	go r.pumpLogs(created.ID, out)

	r.logger.Info("container started",
		"container_id", created.ID,
		"image", spec.ImageRef,
		"host_port", lease.Port(),
	)

	return &runtime.RunResult{
		ContainerID: created.ID,
		HostPort:    lease.Port(),
		Lease:       lease,
	}, nil
}

// pumpLogs follows the container's combined output and forwards it line
// by line. The stream ends when the container exits or is removed.
func (r *Runtime) pumpLogs(containerID string, out runtime.LogLine) {
	logs, err := r.cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.logger.Warn("failed to attach container logs", "container_id", containerID, "error", err)
		return
	}
	defer logs.Close()

	// Without a TTY the daemon multiplexes stdout/stderr with an 8-byte
	// header protocol; stdcopy demultiplexes it.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out(scanner.Text())
	}
}

// Stop stops the container, waiting up to grace before the daemon kills
// it. Missing containers are treated as already stopped.
func (r *Runtime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stopping container: %w", err)
	}
	r.remove(ctx, containerID)
	return nil
}

// remove deletes the container; best effort.
func (r *Runtime) remove(ctx context.Context, containerID string) {
	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		r.logger.Warn("failed to remove container", "container_id", containerID, "error", err)
	}
}

// Inspect reports the container's running state and exit code.
func (r *Runtime) Inspect(ctx context.Context, containerID string) (*runtime.Status, error) {
	info, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	return &runtime.Status{
		Running:  info.State.Running,
		ExitCode: info.State.ExitCode,
	}, nil
}

// Wait blocks until the container exits and returns its exit code.
func (r *Runtime) Wait(ctx context.Context, containerID string) (int, error) {
	waitCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case result := <-waitCh:
		if result.Error != nil {
			return int(result.StatusCode), fmt.Errorf("container wait: %s", result.Error.Message)
		}
		return int(result.StatusCode), nil
	case err := <-errCh:
		return 0, fmt.Errorf("waiting for container: %w", err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
