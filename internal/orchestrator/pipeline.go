package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/repobox/control-plane/internal/fetch"
	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/ports"
	"github.com/repobox/control-plane/internal/preflight"
	"github.com/repobox/control-plane/internal/runtime"
)

// runJob executes one pipeline pass for a dequeued case job. It holds
// the case lock for the whole pass, so management operations issued
// meanwhile serialize behind it. A job whose case has moved on since it
// was enqueued is skipped.
func (e *Engine) runJob(ctx context.Context, job *models.CaseJob) error {
	mu := e.lock(job.CaseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Cases().Get(ctx, job.CaseID)
	if err != nil {
		return fmt.Errorf("loading case %s: %w", job.CaseID, err)
	}

	switch {
	case c.Status == models.CaseStatusPending:
		return e.runPipeline(ctx, c, false)
	case c.Status == models.CaseStatusBuilding && job.Action == models.JobActionRetry:
		return e.runPipeline(ctx, c, true)
	default:
		e.logger.Debug("skipping stale job", "case_id", c.ID, "status", c.Status, "action", job.Action)
		return nil
	}
}

// runPipeline drives one attempt: clone, preflight, build, run. With
// skipClone the last snapshot and resolved commit are reused; the
// snapshot is re-fetched pinned to that commit if it is gone from disk.
func (e *Engine) runPipeline(ctx context.Context, c *models.Case, skipClone bool) error {
	srcDir := e.snapshotDir(c.ID)

	if skipClone {
		if _, err := os.Stat(srcDir); err != nil {
			skipClone = false
		}
	}

	if !skipClone {
		ref := c.Ref
		if c.CommitSHA != "" && c.Status == models.CaseStatusBuilding {
			// Restart with a lost snapshot: pin to the resolved commit.
			ref = c.CommitSHA
		}

		if err := e.transition(ctx, c, models.CaseStatusCloning, models.StageClone, "cloning "+c.RepoURL); err != nil {
			return err
		}

		os.RemoveAll(srcDir)
		fetchCtx, cancel := stepContext(ctx, e.cfg.CloneTimeout)
		snap, err := e.fetcher.Fetch(fetchCtx, c.RepoURL, ref, srcDir)
		cancel()
		if err != nil {
			if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
				return e.fail(ctx, c, models.StageClone, models.CodeGitCloneFailed,
					fmt.Sprintf("clone did not finish within %s", e.cfg.CloneTimeout))
			}
			var fe *fetch.Error
			if errors.As(err, &fe) {
				return e.fail(ctx, c, models.StageClone, fe.Code, fe.Error())
			}
			return e.fail(ctx, c, models.StageClone, models.CodeInternal, err.Error())
		}
		c.CommitSHA = snap.CommitSHA
	}

	if err := e.transition(ctx, c, models.CaseStatusBuilding, models.StageBuild, "resolving build strategy"); err != nil {
		return err
	}

	decision, err := e.preflight.Decide(srcDir, c.Directives)
	if err != nil {
		var pe *preflight.Error
		if errors.As(err, &pe) {
			c.Preflight = pe.Decision
			return e.fail(ctx, c, models.StageBuild, pe.Code, pe.Message)
		}
		return e.fail(ctx, c, models.StageBuild, models.CodeInternal, err.Error())
	}

	c.Preflight = decision
	c.UpdatedAt = time.Now().UTC()
	if err := e.store.Cases().Update(ctx, c); err != nil {
		return fmt.Errorf("updating case: %w", err)
	}
	e.emitDecision(c.ID, decision)

	switch decision.Strategy {
	case models.StrategyShowcase:
		// Documentation preview only: no container is started.
		return e.transition(ctx, c, models.CaseStatusFinished, models.StageRun, "showcase mode, no container started")
	case models.StrategyCompose:
		return e.runCompose(ctx, c, srcDir, decision)
	default:
		return e.buildAndRun(ctx, c, srcDir, decision)
	}
}

// buildAndRun executes the dockerfile and generated strategies.
func (e *Engine) buildAndRun(ctx context.Context, c *models.Case, srcDir string, decision *models.PreflightDecision) error {
	contextDir := filepath.Join(srcDir, decision.ContextPath)
	dockerfile, err := filepath.Rel(decision.ContextPath, decision.SelectedPath)
	if err != nil || strings.HasPrefix(dockerfile, "..") {
		dockerfile = decision.SelectedPath
	}

	tag := imageTag(c)
	buildOut := e.recorder.Line(c.ID, models.StreamBuild, models.LevelInfo)
	buildCtx, cancel := stepContext(ctx, e.cfg.BuildTimeout)
	imageRef, err := e.runtime.Build(buildCtx, runtime.BuildSpec{
		ContextDir: contextDir,
		Dockerfile: dockerfile,
		Tag:        tag,
		Params:     c.Directives.Build,
	}, buildOut)
	cancel()
	if err != nil {
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return e.fail(ctx, c, models.StageBuild, models.CodeBuildFailed,
				fmt.Sprintf("build did not finish within %s", e.cfg.BuildTimeout))
		}
		var be *runtime.BuildError
		if errors.As(err, &be) {
			return e.fail(ctx, c, models.StageBuild, models.CodeBuildFailed, be.Error())
		}
		return e.fail(ctx, c, models.StageBuild, models.CodeInternal, err.Error())
	}

	if err := e.transition(ctx, c, models.CaseStatusStarting, models.StageRun, "starting container from "+imageRef); err != nil {
		return err
	}

	runOut := e.recorder.Line(c.ID, models.StreamRun, models.LevelInfo)
	res, err := e.runtime.Run(ctx, runtime.RunSpec{
		ImageRef:      imageRef,
		Name:          "repobox-" + c.ID,
		Env:           e.envFor(c.ID),
		ContainerPort: e.cfg.ContainerPort,
	}, runOut)
	if err != nil {
		if errors.Is(err, ports.ErrExhausted) {
			return e.fail(ctx, c, models.StageSystem, models.CodePortPoolExhausted, "no host ports available, try again later")
		}
		return e.fail(ctx, c, models.StageRun, models.CodeStartFailed, err.Error())
	}

	if err := e.awaitReady(ctx, res.HostPort, res.ContainerID); err != nil {
		code := models.CodeReadinessTimeout
		if status, ierr := e.runtime.Inspect(ctx, res.ContainerID); ierr == nil && !status.Running && status.ExitCode != 0 {
			code = models.CodeContainerExitNonzero
		}
		stopErr := e.runtime.Stop(ctx, res.ContainerID, e.cfg.StopGrace)
		if stopErr != nil {
			e.logger.Warn("teardown after failed start", "case_id", c.ID, "error", stopErr)
		}
		res.Lease.Release()
		return e.fail(ctx, c, models.StageRun, code, err.Error())
	}

	c.Runtime = models.RuntimeInfo{
		AccessURL:   fmt.Sprintf("http://%s:%d", e.cfg.AccessHost, res.HostPort),
		HostPort:    res.HostPort,
		ContainerID: res.ContainerID,
	}
	if err := e.transition(ctx, c, models.CaseStatusRunning, models.StageRun, "container running on port "+fmt.Sprint(res.HostPort)); err != nil {
		res.Lease.Release()
		return err
	}

	e.mu.Lock()
	e.active[c.ID] = &activeRun{containerID: res.ContainerID, lease: res.Lease}
	e.mu.Unlock()

	go e.monitor(c.ID, res.ContainerID, res.Lease)
	return nil
}

// runCompose executes the compose strategy. Compose publishes its own
// ports, so no pool lease is held; the runtime snapshot carries the
// project reference instead of a container id.
func (e *Engine) runCompose(ctx context.Context, c *models.Case, srcDir string, decision *models.PreflightDecision) error {
	if err := e.transition(ctx, c, models.CaseStatusStarting, models.StageRun, "starting compose stack"); err != nil {
		return err
	}

	out := e.recorder.Line(c.ID, models.StreamBuild, models.LevelInfo)
	project, err := e.compose.Up(ctx, srcDir, decision.SelectedPath, c.ID, out)
	if err != nil {
		return e.fail(ctx, c, models.StageRun, models.CodeStartFailed, err.Error())
	}

	c.Runtime = models.RuntimeInfo{ContainerID: "compose:" + project}
	if err := e.transition(ctx, c, models.CaseStatusRunning, models.StageRun, "compose stack running"); err != nil {
		return err
	}

	e.mu.Lock()
	e.active[c.ID] = &activeRun{project: project, composeFile: decision.SelectedPath, workDir: srcDir}
	e.mu.Unlock()
	return nil
}

// monitor waits for a running container to exit and commits the final
// transition, unless a stop or archive already handled the case.
func (e *Engine) monitor(caseID, containerID string, lease *ports.Lease) {
	ctx := context.Background()
	exitCode, err := e.runtime.Wait(ctx, containerID)

	mu := e.lock(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, gerr := e.store.Cases().Get(ctx, caseID)
	if gerr != nil {
		e.logger.Error("loading case after container exit", "case_id", caseID, "error", gerr)
		lease.Release()
		return
	}
	if c.Status != models.CaseStatusRunning || c.Runtime.ContainerID != containerID {
		// Stop or archive already tore this runtime down.
		return
	}

	e.mu.Lock()
	delete(e.active, caseID)
	e.mu.Unlock()
	lease.Release()
	c.ClearRuntime()

	switch {
	case err != nil:
		if ferr := e.fail(ctx, c, models.StageRun, models.CodeInternal, err.Error()); ferr != nil {
			e.logger.Error("committing crash state", "case_id", caseID, "error", ferr)
		}
	case exitCode == 0:
		if terr := e.transition(ctx, c, models.CaseStatusFinished, models.StageRun, "process exited cleanly"); terr != nil {
			e.logger.Error("committing finished state", "case_id", caseID, "error", terr)
		}
	default:
		msg := fmt.Sprintf("process exited with code %d", exitCode)
		if ferr := e.fail(ctx, c, models.StageRun, models.CodeContainerExitNonzero, msg); ferr != nil {
			e.logger.Error("committing failed state", "case_id", caseID, "error", ferr)
		}
	}
}

// awaitReady applies the configured readiness policy against the bound
// host port.
func (e *Engine) awaitReady(ctx context.Context, hostPort int, containerID string) error {
	switch e.cfg.Readiness.Mode {
	case ReadinessGrace:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.Readiness.GracePeriod):
			return nil
		}
	default:
		addr := net.JoinHostPort(e.cfg.AccessHost, fmt.Sprint(hostPort))
		deadline := time.Now().Add(e.cfg.Readiness.ProbeTimeout)
		for time.Now().Before(deadline) {
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err == nil {
				conn.Close()
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.Readiness.ProbeInterval):
			}
		}
		return fmt.Errorf("port %d not accepting connections after %s", hostPort, e.cfg.Readiness.ProbeTimeout)
	}
}

// emitDecision writes the preflight record verbatim to the system
// stream so operators can see why a strategy was chosen.
func (e *Engine) emitDecision(caseID string, decision *models.PreflightDecision) {
	data, err := json.Marshal(decision)
	if err != nil {
		return
	}
	e.system(caseID, models.LevelInfo, "preflight decision: "+string(data))
	for _, w := range decision.Warnings {
		e.system(caseID, models.LevelInfo, "preflight warning: "+w)
	}
}

// stepContext bounds one pipeline step. A zero timeout leaves the
// parent context untouched.
func stepContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// snapshotDir is the deterministic checkout location for a case. A
// restart finds the previous snapshot here.
func (e *Engine) snapshotDir(caseID string) string {
	return filepath.Join(e.cfg.WorkDir, caseID, "src")
}

func imageTag(c *models.Case) string {
	sha := c.CommitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	if sha == "" {
		sha = "latest"
	}
	return fmt.Sprintf("repobox/%s:%s", c.ID, sha)
}
