// Package runtime abstracts the container engine behind build, run,
// stop, and inspect operations. The orchestrator depends only on this
// interface; the Docker implementation lives in the docker subpackage.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/ports"
)

// LogLine receives one line of build or run output as it is produced.
type LogLine func(line string)

// BuildSpec describes an image build.
type BuildSpec struct {
	// ContextDir is the absolute build context directory on disk.
	ContextDir string
	// Dockerfile is the Dockerfile path relative to ContextDir.
	Dockerfile string
	// Tag is the image reference to assign.
	Tag string
	// Params are the caller-supplied build parameters.
	Params models.BuildParams
}

// RunSpec describes a container run.
type RunSpec struct {
	// ImageRef is the image to run.
	ImageRef string
	// Name is the container name.
	Name string
	// Env holds environment variables for the container. Values are
	// consumed here and never persisted.
	Env map[string]string
	// ContainerPort is the port the application listens on inside the
	// container; the adapter publishes it on a pooled host port.
	ContainerPort int
}

// RunResult is the outcome of a successful Run. Lease is the owned
// release token for the bound host port; the caller releases it exactly
// once on stop, failure, or archive.
type RunResult struct {
	ContainerID string
	HostPort    int
	Lease       *ports.Lease
}

// Status is a point-in-time view of a container.
type Status struct {
	Running  bool
	ExitCode int
}

// Runtime is the pluggable container engine abstraction.
type Runtime interface {
	// Build constructs an image, forwarding builder output line by line.
	Build(ctx context.Context, spec BuildSpec, out LogLine) (imageRef string, err error)

	// Run starts a container with a pooled host port bound, forwarding
	// container output line by line until the container exits.
	Run(ctx context.Context, spec RunSpec, out LogLine) (*RunResult, error)

	// Stop stops a container, waiting up to grace before killing it.
	// Stopping an already-stopped or missing container is not an error.
	Stop(ctx context.Context, containerID string, grace time.Duration) error

	// Inspect reports whether the container is still running and its
	// exit code once it is not.
	Inspect(ctx context.Context, containerID string) (*Status, error)

	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, containerID string) (int, error)
}

// BuildError is an image construction failure. Tail carries the last
// lines of builder output for the case error message.
type BuildError struct {
	Tail []string
	Err  error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if len(e.Tail) > 0 {
		return fmt.Sprintf("build failed: %v\n%s", e.Err, strings.Join(e.Tail, "\n"))
	}
	return fmt.Sprintf("build failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// RunError is a container start failure. Any acquired port has already
// been released by the adapter when this is returned.
type RunError struct {
	Err error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("container start failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Err
}
