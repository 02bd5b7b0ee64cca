package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/queue"
)

func TestQueueFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	for _, id := range []string{"a", "b", "c"} {
		err := q.Enqueue(ctx, &models.CaseJob{ID: id, CaseID: "case-" + id, Action: models.JobActionLaunch})
		require.NoError(t, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, job.ID)
	}

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, queue.ErrNoJobs)
}

func TestQueueAckRemovesJob(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, &models.CaseJob{ID: "j1", CaseID: "c1"}))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job.StartedAt)

	require.NoError(t, q.Ack(ctx, job.ID))

	// Second ack for the same job fails.
	err = q.Ack(ctx, job.ID)
	require.True(t, errors.Is(err, queue.ErrJobNotFound))
}

func TestQueueNackRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, &models.CaseJob{ID: "j1", CaseID: "c1"}))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, job.ID))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", again.ID)
	require.Equal(t, 1, again.RetryCount)
}

func TestQueueAckUnknownJob(t *testing.T) {
	q := NewMemoryQueue()
	err := q.Ack(context.Background(), "missing")
	require.ErrorIs(t, err, queue.ErrJobNotFound)
}
