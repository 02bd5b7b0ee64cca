package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repobox/control-plane/internal/models"
)

func TestWorkerProcessesQueuedCases(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})

	w := NewWorker(&WorkerConfig{Concurrency: 2}, te.engine, te.queue, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	c := te.submit(t, &Descriptor{RepoURL: "https://example.com/app.git"})

	require.Eventually(t, func() bool {
		return te.getCase(t, c.ID).Status == models.CaseStatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, te.engine.Stop(context.Background(), c.ID))
}

func TestRecoveryFailsInterruptedAndResumesPending(t *testing.T) {
	te := newTestEnv(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	ctx := context.Background()

	// A case left mid-pipeline by a dead process.
	interrupted := te.submit(t, &Descriptor{RepoURL: "https://example.com/a.git"})
	ic := te.getCase(t, interrupted.ID)
	ic.Status = models.CaseStatusBuilding
	require.NoError(t, te.engine.store.Cases().Update(ctx, ic))

	// A pending case whose queue entry did not survive.
	pending := te.submit(t, &Descriptor{RepoURL: "https://example.com/b.git"})

	// Empty the queue to simulate a fresh process.
	for {
		job, err := te.queue.Dequeue(ctx)
		if err != nil {
			break
		}
		te.queue.Ack(ctx, job.ID)
	}

	result, err := te.engine.RecoverOnStartup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Interrupted)
	require.Equal(t, 1, result.Resumed)
	require.Empty(t, result.Errors)

	got := te.getCase(t, interrupted.ID)
	require.Equal(t, models.CaseStatusFailed, got.Status)
	require.Equal(t, models.CodeInternal, got.ErrorCode)

	te.drain(t)
	require.Equal(t, models.CaseStatusRunning, te.getCase(t, pending.ID).Status)
	require.NoError(t, te.engine.Stop(ctx, pending.ID))
}
