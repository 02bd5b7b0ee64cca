// Package postgres provides a PostgreSQL-backed implementation of the
// case queue.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/queue"
)

// PostgresQueue implements queue.Queue using PostgreSQL.
type PostgresQueue struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresQueue creates a new PostgreSQL-backed queue. The queue
// shares the store's connection pool.
func NewPostgresQueue(db *sql.DB, logger *slog.Logger) *PostgresQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueue{
		db:     db,
		logger: logger,
	}
}

// Enqueue adds a new case job to the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, job *models.CaseJob) error {
	query := `
		INSERT INTO case_queue (id, case_id, action, status, retry_count, created_at)
		VALUES ($1, $2, $3, 'pending', $4, $5)`

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, query, job.ID, job.CaseID, job.Action, job.RetryCount, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting job into queue: %w", err)
	}

	q.logger.Debug("enqueued case job", "job_id", job.ID, "case_id", job.CaseID)
	return nil
}

// Dequeue retrieves and locks the next available case job.
// Uses SELECT FOR UPDATE SKIP LOCKED for concurrent worker safety.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*models.CaseJob, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id, case_id, action, retry_count, created_at
		FROM case_queue
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	job := &models.CaseJob{}
	err = tx.QueryRowContext(ctx, selectQuery).Scan(
		&job.ID, &job.CaseID, &job.Action, &job.RetryCount, &job.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoJobs
		}
		return nil, fmt.Errorf("selecting job from queue: %w", err)
	}

	now := time.Now().UTC()
	updateQuery := `
		UPDATE case_queue
		SET status = 'processing', started_at = $2
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, updateQuery, job.ID, now); err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	job.StartedAt = &now
	q.logger.Debug("dequeued case job", "job_id", job.ID, "case_id", job.CaseID)
	return job, nil
}

// Ack acknowledges successful processing of a job, removing it from the queue.
func (q *PostgresQueue) Ack(ctx context.Context, jobID string) error {
	query := `
		DELETE FROM case_queue
		WHERE id = $1 AND status = 'processing'`

	result, err := q.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("deleting job from queue: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return queue.ErrJobNotFound
	}

	q.logger.Debug("acknowledged case job", "job_id", jobID)
	return nil
}

// Nack indicates that job processing failed, making the job available for retry.
func (q *PostgresQueue) Nack(ctx context.Context, jobID string) error {
	query := `
		UPDATE case_queue
		SET status = 'pending', started_at = NULL, retry_count = retry_count + 1
		WHERE id = $1 AND status = 'processing'`

	result, err := q.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return queue.ErrJobNotFound
	}

	q.logger.Debug("nacked case job", "job_id", jobID)
	return nil
}
