package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/repobox/control-plane/internal/models"
)

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Create persists a log record.
func (s *LogStore) Create(ctx context.Context, rec *models.LogRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO case_logs (id, case_id, stream, level, line, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.CaseID, rec.Stream, rec.Level, rec.Line, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting log record: %w", err)
	}
	return nil
}

// List retrieves up to limit records for a case in append order.
func (s *LogStore) List(ctx context.Context, caseID string, limit int) ([]*models.LogRecord, error) {
	query := `
		SELECT id, case_id, stream, level, line, ts
		FROM case_logs
		WHERE case_id = $1
		ORDER BY ts ASC, id ASC
		LIMIT $2`

	return s.queryRecords(ctx, query, caseID, limit)
}

// ListByStream retrieves up to limit records for a case and stream in
// append order.
func (s *LogStore) ListByStream(ctx context.Context, caseID, stream string, limit int) ([]*models.LogRecord, error) {
	query := `
		SELECT id, case_id, stream, level, line, ts
		FROM case_logs
		WHERE case_id = $1 AND stream = $2
		ORDER BY ts ASC, id ASC
		LIMIT $3`

	return s.queryRecords(ctx, query, caseID, stream, limit)
}

// DeleteByCase removes all records for a case.
func (s *LogStore) DeleteByCase(ctx context.Context, caseID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM case_logs WHERE case_id = $1`, caseID)
	if err != nil {
		return fmt.Errorf("deleting case logs: %w", err)
	}
	return nil
}

func (s *LogStore) queryRecords(ctx context.Context, query string, args ...any) ([]*models.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying log records: %w", err)
	}
	defer rows.Close()

	var records []*models.LogRecord
	for rows.Next() {
		rec := &models.LogRecord{}
		if err := rows.Scan(&rec.ID, &rec.CaseID, &rec.Stream, &rec.Level, &rec.Line, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log rows: %w", err)
	}
	return records, nil
}
