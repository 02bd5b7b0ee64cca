// Package memory provides an in-memory implementation of the case queue,
// used in tests and single-node development setups.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/queue"
)

// MemoryQueue implements queue.Queue with an in-process FIFO.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []*models.CaseJob
	processing map[string]*models.CaseJob
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		processing: make(map[string]*models.CaseJob),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *models.CaseJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	q.pending = append(q.pending, &cp)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*models.CaseJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, queue.ErrNoJobs
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	now := time.Now().UTC()
	job.StartedAt = &now
	q.processing[job.ID] = job
	cp := *job
	return &cp, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[jobID]; !ok {
		return queue.ErrJobNotFound
	}
	delete(q.processing, jobID)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.processing[jobID]
	if !ok {
		return queue.ErrJobNotFound
	}
	delete(q.processing, jobID)
	job.StartedAt = nil
	job.RetryCount++
	q.pending = append(q.pending, job)
	return nil
}

// Len reports the number of pending jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
