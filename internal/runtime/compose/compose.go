// Package compose runs multi-service cases through the docker compose
// CLI. The orchestrator uses it when preflight selects the compose
// strategy; single-container cases go through the runtime adapter.
package compose

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// LogLine receives one line of compose output as it is produced.
type LogLine func(line string)

// Runner drives docker compose up/down for a case.
type Runner struct {
	// Binary is the docker executable, "docker" by default.
	Binary string
}

// NewRunner creates a compose runner.
func NewRunner() *Runner {
	return &Runner{Binary: "docker"}
}

// ProjectName derives the compose project name for a case. Compose
// project names must be lowercase.
func ProjectName(caseID string) string {
	return "repobox-" + caseID
}

// Up builds and starts the compose project in detached mode, streaming
// compose output to out. The returned project name identifies the
// running stack for Down.
func (r *Runner) Up(ctx context.Context, workDir, composeFile, caseID string, out LogLine) (string, error) {
	project := ProjectName(caseID)
	args := []string{"compose", "-f", composeFile, "-p", project, "up", "--build", "-d"}
	if err := r.run(ctx, workDir, args, out); err != nil {
		return "", fmt.Errorf("compose up: %w", err)
	}
	return project, nil
}

// Down stops and removes the compose project, waiting up to grace for
// containers to exit.
func (r *Runner) Down(ctx context.Context, workDir, composeFile, project string, grace time.Duration, out LogLine) error {
	timeout := int(grace.Seconds())
	if timeout < 1 {
		timeout = 1
	}
	args := []string{"compose", "-f", composeFile, "-p", project, "down", "--timeout", strconv.Itoa(timeout)}
	if err := r.run(ctx, workDir, args, out); err != nil {
		return fmt.Errorf("compose down: %w", err)
	}
	return nil
}

func (r *Runner) run(ctx context.Context, workDir string, args []string, out LogLine) error {
	bin := r.Binary
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = workDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, pipe := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func(rd io.Reader) {
			defer wg.Done()
			scanner := bufio.NewScanner(rd)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				if out != nil {
					out(scanner.Text())
				}
			}
		}(pipe)
	}

	wg.Wait()
	return cmd.Wait()
}
