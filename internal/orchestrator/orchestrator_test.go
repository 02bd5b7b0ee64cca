package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repobox/control-plane/internal/fetch"
	"github.com/repobox/control-plane/internal/logs"
	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/ports"
	"github.com/repobox/control-plane/internal/preflight"
	"github.com/repobox/control-plane/internal/queue/memory"
	"github.com/repobox/control-plane/internal/runtime"
	storemem "github.com/repobox/control-plane/internal/store/memory"
)

// fakeFetcher materializes a fixed file set as the snapshot.
type fakeFetcher struct {
	mu    sync.Mutex
	files map[string]string
	sha   string
	err   error
	block bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, repoURL, ref, destPath string) (*fetch.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	for name, content := range f.files {
		full := filepath.Join(destPath, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	sha := f.sha
	if sha == "" {
		sha = "deadbeefcafe0123456789"
	}
	return &fetch.Snapshot{Path: destPath, CommitSHA: sha}, nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeRuntime simulates the container engine against a real port pool.
type fakeRuntime struct {
	mu         sync.Mutex
	pool       *ports.Pool
	buildErr   error
	buildBlock bool
	runErr     error
	buildCalls int
	exitCh     map[string]chan int
	nextID     int
}

func newFakeRuntime(pool *ports.Pool) *fakeRuntime {
	return &fakeRuntime{pool: pool, exitCh: make(map[string]chan int)}
}

func (r *fakeRuntime) Build(ctx context.Context, spec runtime.BuildSpec, out runtime.LogLine) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buildCalls++
	if r.buildBlock {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if r.buildErr != nil {
		return "", r.buildErr
	}
	if out != nil {
		out("Step 1/1 : " + spec.Dockerfile)
	}
	return spec.Tag, nil
}

func (r *fakeRuntime) Run(ctx context.Context, spec runtime.RunSpec, out runtime.LogLine) (*runtime.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runErr != nil {
		return nil, r.runErr
	}
	lease, err := r.pool.Acquire()
	if err != nil {
		return nil, &runtime.RunError{Err: err}
	}
	r.nextID++
	id := fmt.Sprintf("ctr-%d", r.nextID)
	r.exitCh[id] = make(chan int, 1)
	if out != nil {
		out("listening on " + fmt.Sprint(spec.ContainerPort))
	}
	return &runtime.RunResult{ContainerID: id, HostPort: lease.Port(), Lease: lease}, nil
}

func (r *fakeRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	r.mu.Lock()
	ch, ok := r.exitCh[containerID]
	r.mu.Unlock()
	if ok {
		select {
		case ch <- 137:
		default:
		}
	}
	return nil
}

func (r *fakeRuntime) Inspect(ctx context.Context, containerID string) (*runtime.Status, error) {
	return &runtime.Status{Running: true}, nil
}

func (r *fakeRuntime) Wait(ctx context.Context, containerID string) (int, error) {
	r.mu.Lock()
	ch := r.exitCh[containerID]
	r.mu.Unlock()
	if ch == nil {
		return 0, nil
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case code := <-ch:
		return code, nil
	}
}

// exit makes the container identified by containerID terminate.
func (r *fakeRuntime) exit(containerID string, code int) {
	r.mu.Lock()
	ch := r.exitCh[containerID]
	r.mu.Unlock()
	if ch != nil {
		ch <- code
	}
}

type testEnv struct {
	engine  *Engine
	queue   *memory.MemoryQueue
	runtime *fakeRuntime
	fetcher *fakeFetcher
	pool    *ports.Pool
}

func newTestEnv(t *testing.T, files map[string]string) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st := storemem.NewMemoryStore()
	q := memory.NewMemoryQueue()
	pool, err := ports.NewPool(42000, 42009)
	require.NoError(t, err)
	rt := newFakeRuntime(pool)
	fetcher := &fakeFetcher{files: files}
	rec := logs.NewRecorder(logs.NewBroker(logger), st.Logs(), 1000, logger)

	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.StopGrace = time.Second
	cfg.Readiness = ReadinessConfig{Mode: ReadinessGrace, GracePeriod: time.Millisecond}

	engine := NewEngine(cfg, st, q, rec, rt, fetcher, preflight.NewEngine(nil), logger)
	return &testEnv{engine: engine, queue: q, runtime: rt, fetcher: fetcher, pool: pool}
}

// drain processes queued jobs until the queue is empty.
func (te *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		job, err := te.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		require.NoError(t, te.engine.runJob(ctx, job))
		require.NoError(t, te.queue.Ack(ctx, job.ID))
	}
}

func (te *testEnv) submit(t *testing.T, desc *Descriptor) *models.Case {
	t.Helper()
	c, err := te.engine.Submit(context.Background(), desc)
	require.NoError(t, err)
	return c
}

func (te *testEnv) getCase(t *testing.T, id string) *models.Case {
	t.Helper()
	c, err := te.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestRootDockerfileRuns(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})
	te.drain(t)

	got := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusRunning, got.Status)
	require.NotNil(t, got.Preflight)
	require.Equal(t, models.ReasonRootDockerfile, got.Preflight.Reason)
	require.Equal(t, models.StrategyDockerfile, got.Preflight.Strategy)
	require.False(t, got.Runtime.Empty())
	require.NotEmpty(t, got.Runtime.AccessURL)
	require.NotEmpty(t, got.CommitSHA)

	require.NoError(t, te.engine.Stop(context.Background(), c.ID))
}

func TestAmbiguousDockerfilesFail(t *testing.T) {
	te := newTestEnv(t, map[string]string{
		"app/Dockerfile":    "FROM scratch\n",
		"docker/Dockerfile": "FROM scratch\n",
	})
	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})
	te.drain(t)

	got := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusFailed, got.Status)
	require.Equal(t, models.CodeDockerfileAmbiguous, got.ErrorCode)
	require.NotNil(t, got.Preflight)
	require.True(t, got.Preflight.NonUniquePrimary)
	require.True(t, got.Runtime.Empty())
}

func TestShowcaseFallbackStartsNoContainer(t *testing.T) {
	te := newTestEnv(t, map[string]string{"README.md": "# hello\n"})
	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/docs.git"})
	te.drain(t)

	got := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusFinished, got.Status)
	require.Equal(t, models.StrategyShowcase, got.Preflight.Strategy)
	require.Equal(t, models.ReasonNotFound, got.Preflight.Reason)
	require.Zero(t, te.runtime.buildCalls)
	require.True(t, got.Runtime.Empty())
}

func TestRetryAfterCloneFailure(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	te.fetcher.setErr(&fetch.Error{Code: models.CodeGitCloneFailed, RepoURL: "https://example.com/app.git"})

	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})
	te.drain(t)

	got := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusFailed, got.Status)
	require.Equal(t, models.CodeGitCloneFailed, got.ErrorCode)
	require.Equal(t, models.StageClone, got.Stage)

	require.NoError(t, te.engine.Retry(context.Background(), c.ID, nil))

	got = te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusPending, got.Status)
	require.Empty(t, got.ErrorCode)
	require.Empty(t, got.ErrorMessage)
	require.Empty(t, got.Stage)

	// A fresh clone attempt succeeds once the remote recovers.
	te.fetcher.setErr(nil)
	te.drain(t)
	got = te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusRunning, got.Status)

	require.NoError(t, te.engine.Stop(context.Background(), c.ID))
}

func TestStalledCloneFailsWithinTimeout(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	te.engine.cfg.CloneTimeout = 20 * time.Millisecond
	te.fetcher.block = true

	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})
	te.drain(t)

	got := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusFailed, got.Status)
	require.Equal(t, models.CodeGitCloneFailed, got.ErrorCode)
	require.Equal(t, models.StageClone, got.Stage)
	require.Contains(t, got.ErrorMessage, "did not finish within")
}

func TestStalledBuildFailsWithinTimeout(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	te.engine.cfg.BuildTimeout = 20 * time.Millisecond
	te.runtime.buildBlock = true

	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})
	te.drain(t)

	got := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusFailed, got.Status)
	require.Equal(t, models.CodeBuildFailed, got.ErrorCode)
	require.Equal(t, models.StageBuild, got.Stage)
	require.Contains(t, got.ErrorMessage, "did not finish within")
}

func TestStopReleasesPortAndFinishes(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	baseline := te.pool.Available()

	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})
	te.drain(t)

	got := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusRunning, got.Status)
	require.Equal(t, baseline-1, te.pool.Available())

	require.NoError(t, te.engine.Stop(context.Background(), c.ID))

	got = te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusFinished, got.Status)
	require.True(t, got.Runtime.Empty())
	require.Equal(t, baseline, te.pool.Available())

	// Stop is idempotent on a non-running case.
	require.NoError(t, te.engine.Stop(context.Background(), c.ID))
}

func TestContainerExitTransitions(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	baseline := te.pool.Available()

	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})
	te.drain(t)

	got := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusRunning, got.Status)

	te.runtime.exit(got.Runtime.ContainerID, 3)

	require.Eventually(t, func() bool {
		cur := te.getCase(t, c.ID)
		return cur.Status == models.CaseStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	got = te.getCase(t, c.ID)
	require.Equal(t, models.CodeContainerExitNonzero, got.ErrorCode)
	require.True(t, got.Runtime.Empty())
	require.Equal(t, baseline, te.pool.Available())
}

func TestCleanExitFinishes(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})

	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})
	te.drain(t)

	got := te.getCase(t, c.ID)
	te.runtime.exit(got.Runtime.ContainerID, 0)

	require.Eventually(t, func() bool {
		return te.getCase(t, c.ID).Status == models.CaseStatusFinished
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, te.getCase(t, c.ID).Runtime.Empty())
}

func TestArchiveTearsDownAndLocks(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	baseline := te.pool.Available()

	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})
	te.drain(t)
	require.Equal(t, models.CaseStatusRunning, te.getCase(t, c.ID).Status)

	ctx := context.Background()
	require.NoError(t, te.engine.Archive(ctx, c.ID))

	got := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusArchived, got.Status)
	require.True(t, got.Runtime.Empty())
	require.Equal(t, baseline, te.pool.Available())

	// Archive is idempotent; other mutations are rejected.
	require.NoError(t, te.engine.Archive(ctx, c.ID))
	var serr *StateError
	require.ErrorAs(t, te.engine.Stop(ctx, c.ID), &serr)
	require.ErrorAs(t, te.engine.Retry(ctx, c.ID, nil), &serr)
	require.ErrorAs(t, te.engine.Restart(ctx, c.ID), &serr)
}

func TestRestartSkipsClone(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})

	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})
	te.drain(t)
	first := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusRunning, first.Status)

	// Break the fetcher: a restart must not clone again.
	te.fetcher.setErr(&fetch.Error{Code: models.CodeGitCloneFailed})

	require.NoError(t, te.engine.Restart(context.Background(), c.ID))
	te.drain(t)

	got := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusRunning, got.Status)
	require.Equal(t, first.CommitSHA, got.CommitSHA)

	require.NoError(t, te.engine.Stop(context.Background(), c.ID))
}

func TestRetryRejectedWhenNotFailed(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})

	var serr *StateError
	require.ErrorAs(t, te.engine.Retry(context.Background(), c.ID, nil), &serr)
	require.Equal(t, "retry", serr.Op)
}

func TestPortExhaustionSurfacedDistinctly(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})

	// Occupy the entire pool.
	var leases []*ports.Lease
	for {
		lease, err := te.pool.Acquire()
		if err != nil {
			break
		}
		leases = append(leases, lease)
	}
	defer func() {
		for _, l := range leases {
			l.Release()
		}
	}()

	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})
	te.drain(t)

	got := te.getCase(t, c.ID)
	require.Equal(t, models.CaseStatusFailed, got.Status)
	require.Equal(t, models.CodePortPoolExhausted, got.ErrorCode)
}

func TestEnvKeysRetainedValuesNot(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	c := te.submit(t, &Descriptor{
		RepoURL: "https://example.com/app.git",
		Env:     map[string]string{"API_TOKEN": "s3cret", "PORT": "8080"},
	})

	got := te.getCase(t, c.ID)
	require.ElementsMatch(t, []string{"API_TOKEN", "PORT"}, got.EnvKeys)

	// The persisted snapshot carries no values anywhere.
	require.NotContains(t, fmt.Sprintf("%+v", got), "s3cret")
}
