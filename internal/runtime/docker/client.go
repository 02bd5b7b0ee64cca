// Package docker implements the runtime abstraction against the Docker
// Engine API. All Docker SDK calls are isolated here.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/client"
	"github.com/repobox/control-plane/internal/ports"
)

// Config holds Docker runtime configuration.
type Config struct {
	// Network is the network mode for build and run ("" for the default).
	Network string
	// DefaultContainerPort is assumed when a run spec does not name the
	// application port.
	DefaultContainerPort int
	// AccessHost is the hostname used to construct access URLs.
	AccessHost string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultContainerPort: 8080,
		AccessHost:           "127.0.0.1",
	}
}

// Runtime talks to the Docker daemon. It is safe for concurrent use; the
// SDK client handles its own connection pooling.
type Runtime struct {
	cli    *client.Client
	pool   *ports.Pool
	cfg    *Config
	logger *slog.Logger
}

// New connects to the Docker daemon and verifies it is reachable.
func New(cfg *Config, pool *ports.Pool, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	logger.Info("docker runtime connected", "host", cli.DaemonHost())
	return &Runtime{
		cli:    cli,
		pool:   pool,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Close releases the SDK client connection.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// Ping checks the Docker daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}
