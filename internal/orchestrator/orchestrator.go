// Package orchestrator drives a case from intake through clone, build,
// run, and termination. It owns every case state transition; no other
// component mutates case status.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repobox/control-plane/internal/fetch"
	"github.com/repobox/control-plane/internal/logs"
	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/ports"
	"github.com/repobox/control-plane/internal/preflight"
	"github.com/repobox/control-plane/internal/queue"
	"github.com/repobox/control-plane/internal/runtime"
	"github.com/repobox/control-plane/internal/runtime/compose"
	"github.com/repobox/control-plane/internal/store"
	"github.com/repobox/control-plane/internal/validation"
)

// StateError rejects a management operation issued against a case in a
// state the operation is not valid for.
type StateError struct {
	CaseID string
	Op     string
	Status models.CaseStatus
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s case %s in state %s", e.Op, e.CaseID, e.Status)
}

// ReadinessMode selects how STARTING transitions to RUNNING.
const (
	// ReadinessProbe dials the bound host port until it accepts.
	ReadinessProbe = "probe"
	// ReadinessGrace waits a fixed grace period.
	ReadinessGrace = "grace"
)

// ReadinessConfig is the policy for observing container readiness.
type ReadinessConfig struct {
	Mode          string
	GracePeriod   time.Duration
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
}

// Config holds orchestrator configuration.
type Config struct {
	// WorkDir is the root under which case snapshots are checked out.
	WorkDir string
	// ContainerPort is the port applications are expected to listen on
	// inside their container.
	ContainerPort int
	// AccessHost is the host clients use to reach running cases.
	AccessHost string
	// StopGrace bounds cooperative container shutdown.
	StopGrace time.Duration
	// CloneTimeout bounds the fetch step; a stalled remote fails the
	// case instead of holding a worker slot. Zero disables the bound.
	CloneTimeout time.Duration
	// BuildTimeout bounds the image build step. Zero disables the bound.
	BuildTimeout time.Duration
	// Readiness is the STARTING to RUNNING policy.
	Readiness ReadinessConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WorkDir:       "/var/lib/repobox/cases",
		ContainerPort: 8080,
		AccessHost:    "127.0.0.1",
		StopGrace:     10 * time.Second,
		CloneTimeout:  5 * time.Minute,
		BuildTimeout:  30 * time.Minute,
		Readiness: ReadinessConfig{
			Mode:          ReadinessProbe,
			GracePeriod:   3 * time.Second,
			ProbeTimeout:  30 * time.Second,
			ProbeInterval: 500 * time.Millisecond,
		},
	}
}

// Descriptor is a case creation request.
type Descriptor struct {
	RepoURL    string                 `json:"repo_url"`
	Ref        string                 `json:"ref,omitempty"`
	Directives models.BuildDirectives `json:"directives"`
	// Env values are write-only: held in memory for the container,
	// never persisted. Only the key names appear on the case.
	Env map[string]string `json:"env,omitempty"`
}

// activeRun tracks the live runtime of a running case in this process.
type activeRun struct {
	containerID string
	project     string
	composeFile string
	workDir     string
	lease       *ports.Lease
}

// Engine is the case orchestration engine.
type Engine struct {
	cfg       *Config
	store     store.Store
	queue     queue.Queue
	recorder  *logs.Recorder
	runtime   runtime.Runtime
	compose   *compose.Runner
	fetcher   fetch.Fetcher
	preflight *preflight.Engine
	logger    *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]*activeRun

	envMu sync.Mutex
	env   map[string]map[string]string
}

// NewEngine creates a case orchestration engine.
func NewEngine(cfg *Config, s store.Store, q queue.Queue, rec *logs.Recorder, rt runtime.Runtime, f fetch.Fetcher, pf *preflight.Engine, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		store:     s,
		queue:     q,
		recorder:  rec,
		runtime:   rt,
		compose:   compose.NewRunner(),
		fetcher:   f,
		preflight: pf,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
		active:    make(map[string]*activeRun),
		env:       make(map[string]map[string]string),
	}
}

// lock returns the per-case mutex, creating it on first use. Management
// operations and the pipeline serialize on it so teardown never races
// an in-flight pipeline step.
func (e *Engine) lock(caseID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.locks[caseID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[caseID] = m
	}
	return m
}

// Submit validates the descriptor, creates the case in pending state,
// and enqueues it for a worker. It never blocks on the pipeline.
func (e *Engine) Submit(ctx context.Context, desc *Descriptor) (*models.Case, error) {
	if err := validation.ValidateDescriptor(desc.RepoURL, desc.Directives, desc.Env); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &models.Case{
		ID:         uuid.New().String(),
		RepoURL:    desc.RepoURL,
		Ref:        desc.Ref,
		Directives: desc.Directives,
		EnvKeys:    envKeys(desc.Env),
		Status:     models.CaseStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.store.Cases().Create(ctx, c); err != nil {
		return nil, fmt.Errorf("creating case: %w", err)
	}
	e.stashEnv(c.ID, desc.Env)

	job := &models.CaseJob{
		ID:        uuid.New().String(),
		CaseID:    c.ID,
		Action:    models.JobActionLaunch,
		CreatedAt: now,
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing case: %w", err)
	}

	e.logger.Info("case submitted", "case_id", c.ID, "repo_url", c.RepoURL)
	return c, nil
}

// Get returns the latest persisted case snapshot.
func (e *Engine) Get(ctx context.Context, caseID string) (*models.Case, error) {
	return e.store.Cases().Get(ctx, caseID)
}

// List returns all cases, newest first.
func (e *Engine) List(ctx context.Context) ([]*models.Case, error) {
	return e.store.Cases().List(ctx)
}

// Stop tears down a running case and transitions it to finished. A stop
// on a non-running, non-archived case is a no-op.
func (e *Engine) Stop(ctx context.Context, caseID string) error {
	mu := e.lock(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Cases().Get(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status == models.CaseStatusArchived {
		return &StateError{CaseID: caseID, Op: "stop", Status: c.Status}
	}
	if c.Status != models.CaseStatusRunning {
		return nil
	}

	e.teardownLocked(ctx, c)
	c.ClearRuntime()
	return e.transition(ctx, c, models.CaseStatusFinished, models.StageRun, "stopped by request")
}

// Restart tears down any live runtime and re-enters the build stage
// without re-cloning, reusing the last resolved commit.
func (e *Engine) Restart(ctx context.Context, caseID string) error {
	mu := e.lock(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Cases().Get(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status == models.CaseStatusArchived {
		return &StateError{CaseID: caseID, Op: "restart", Status: c.Status}
	}
	if c.CommitSHA == "" {
		// Nothing was ever cloned; a restart has no commit to rebuild.
		return &StateError{CaseID: caseID, Op: "restart", Status: c.Status}
	}

	if c.Status == models.CaseStatusRunning {
		e.teardownLocked(ctx, c)
	}
	c.ClearRuntime()
	c.ClearError()
	if err := e.transition(ctx, c, models.CaseStatusBuilding, models.StageBuild, "restart requested"); err != nil {
		return err
	}

	job := &models.CaseJob{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Action:    models.JobActionRetry,
		CreatedAt: time.Now().UTC(),
	}
	return e.queue.Enqueue(ctx, job)
}

// Retry re-enters pending from failed, clearing error fields atomically
// with the transition. An env override merges into the stored values.
func (e *Engine) Retry(ctx context.Context, caseID string, envOverride map[string]string) error {
	mu := e.lock(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Cases().Get(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status != models.CaseStatusFailed {
		return &StateError{CaseID: caseID, Op: "retry", Status: c.Status}
	}

	if len(envOverride) > 0 {
		if err := validation.ValidateEnv(envOverride); err != nil {
			return err
		}
		e.mergeEnv(caseID, envOverride)
	}
	c.EnvKeys = envKeys(e.envFor(caseID))

	c.ClearError()
	c.ClearRuntime()
	c.Stage = ""
	c.Status = models.CaseStatusPending
	c.UpdatedAt = time.Now().UTC()
	if err := e.store.Cases().Update(ctx, c); err != nil {
		return fmt.Errorf("updating case: %w", err)
	}
	e.system(c.ID, models.LevelInfo, "retry requested, re-entering queue")

	job := &models.CaseJob{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Action:    models.JobActionLaunch,
		CreatedAt: time.Now().UTC(),
	}
	return e.queue.Enqueue(ctx, job)
}

// Archive forces teardown of any live runtime and marks the case
// archived. Archiving an archived case is a no-op; all other mutating
// operations are rejected afterwards.
func (e *Engine) Archive(ctx context.Context, caseID string) error {
	mu := e.lock(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Cases().Get(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status == models.CaseStatusArchived {
		return nil
	}

	if c.Status == models.CaseStatusRunning {
		e.teardownLocked(ctx, c)
	}
	c.ClearRuntime()
	e.dropEnv(caseID)
	e.recorder.Drop(caseID)
	return e.transition(ctx, c, models.CaseStatusArchived, models.StageSystem, "archived")
}

// SetAnalyzeState records the Explain collaborator's status for a case.
// Collaborators never touch lifecycle state.
func (e *Engine) SetAnalyzeState(ctx context.Context, caseID string, status models.JobStatus, ready bool) error {
	mu := e.lock(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Cases().Get(ctx, caseID)
	if err != nil {
		return err
	}
	c.AnalyzeStatus = status
	c.ReportReady = ready
	c.UpdatedAt = time.Now().UTC()
	return e.store.Cases().Update(ctx, c)
}

// SetVisualState records the Visualize collaborator's status for a case.
func (e *Engine) SetVisualState(ctx context.Context, caseID string, status models.JobStatus, ready bool) error {
	mu := e.lock(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.store.Cases().Get(ctx, caseID)
	if err != nil {
		return err
	}
	c.VisualStatus = status
	c.VisualReady = ready
	c.UpdatedAt = time.Now().UTC()
	return e.store.Cases().Update(ctx, c)
}

// transition commits a state change and emits a system log line. The
// caller holds the case lock.
func (e *Engine) transition(ctx context.Context, c *models.Case, status models.CaseStatus, stage models.Stage, note string) error {
	c.Status = status
	c.Stage = stage
	c.UpdatedAt = time.Now().UTC()
	if err := e.store.Cases().Update(ctx, c); err != nil {
		return fmt.Errorf("updating case: %w", err)
	}
	e.system(c.ID, models.LevelInfo, fmt.Sprintf("state %s: %s", status, note))
	return nil
}

// fail commits a failed state with the attributed stage and error. The
// caller holds the case lock.
func (e *Engine) fail(ctx context.Context, c *models.Case, stage models.Stage, code, message string) error {
	c.Status = models.CaseStatusFailed
	c.Stage = stage
	c.ErrorCode = code
	c.ErrorMessage = message
	c.ClearRuntime()
	c.UpdatedAt = time.Now().UTC()
	if err := e.store.Cases().Update(ctx, c); err != nil {
		return fmt.Errorf("updating case: %w", err)
	}
	e.system(c.ID, models.LevelError, fmt.Sprintf("stage %s failed: %s: %s", stage, code, message))
	e.logger.Warn("case failed", "case_id", c.ID, "stage", stage, "error_code", code)
	return nil
}

// teardownLocked stops the case's live runtime and releases its port.
// The caller holds the case lock. Teardown tolerates an already-gone
// container so stop and archive stay idempotent.
func (e *Engine) teardownLocked(ctx context.Context, c *models.Case) {
	e.mu.Lock()
	run := e.active[c.ID]
	delete(e.active, c.ID)
	e.mu.Unlock()

	switch {
	case run != nil && run.project != "":
		out := e.recorder.Line(c.ID, models.StreamSystem, models.LevelInfo)
		if err := e.compose.Down(ctx, run.workDir, run.composeFile, run.project, e.cfg.StopGrace, out); err != nil {
			e.logger.Warn("compose teardown failed", "case_id", c.ID, "error", err)
		}
	case run != nil && run.containerID != "":
		if err := e.runtime.Stop(ctx, run.containerID, e.cfg.StopGrace); err != nil {
			e.logger.Warn("container teardown failed", "case_id", c.ID, "container_id", run.containerID, "error", err)
		}
	case strings.HasPrefix(c.Runtime.ContainerID, "compose:") && c.Preflight != nil:
		// No in-process record, e.g. after a controller restart. The
		// decision record still names the compose file.
		project := strings.TrimPrefix(c.Runtime.ContainerID, "compose:")
		out := e.recorder.Line(c.ID, models.StreamSystem, models.LevelInfo)
		if err := e.compose.Down(ctx, e.snapshotDir(c.ID), c.Preflight.SelectedPath, project, e.cfg.StopGrace, out); err != nil {
			e.logger.Warn("compose teardown failed", "case_id", c.ID, "error", err)
		}
	case c.Runtime.ContainerID != "":
		// No in-process record, e.g. after a controller restart.
		if err := e.runtime.Stop(ctx, c.Runtime.ContainerID, e.cfg.StopGrace); err != nil {
			e.logger.Warn("container teardown failed", "case_id", c.ID, "container_id", c.Runtime.ContainerID, "error", err)
		}
	}

	if run != nil && run.lease != nil {
		run.lease.Release()
	}
}

// system appends a line to the case's system log stream.
func (e *Engine) system(caseID, level, line string) {
	e.recorder.Append(context.Background(), caseID, models.StreamSystem, level, line)
}

func (e *Engine) stashEnv(caseID string, env map[string]string) {
	if len(env) == 0 {
		return
	}
	e.envMu.Lock()
	defer e.envMu.Unlock()
	cp := make(map[string]string, len(env))
	for k, v := range env {
		cp[k] = v
	}
	e.env[caseID] = cp
}

func (e *Engine) mergeEnv(caseID string, override map[string]string) {
	e.envMu.Lock()
	defer e.envMu.Unlock()
	cur := e.env[caseID]
	if cur == nil {
		cur = make(map[string]string, len(override))
		e.env[caseID] = cur
	}
	for k, v := range override {
		cur[k] = v
	}
}

// envFor returns a copy of the case's write-only env values. Values
// live only in this process; a case resumed after a restart runs
// without them.
func (e *Engine) envFor(caseID string) map[string]string {
	e.envMu.Lock()
	defer e.envMu.Unlock()
	cur := e.env[caseID]
	if cur == nil {
		return nil
	}
	cp := make(map[string]string, len(cur))
	for k, v := range cur {
		cp[k] = v
	}
	return cp
}

func (e *Engine) dropEnv(caseID string) {
	e.envMu.Lock()
	defer e.envMu.Unlock()
	delete(e.env, caseID)
}

func envKeys(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
