package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/store"
)

// CaseStore implements store.CaseStore using PostgreSQL.
type CaseStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const caseColumns = `id, repo_url, ref, commit_sha, directives, env_keys,
	status, stage, error_code, error_message, runtime, preflight,
	analyze_status, report_ready, visual_status, visual_ready,
	created_at, updated_at`

// Create persists a new case.
func (s *CaseStore) Create(ctx context.Context, c *models.Case) error {
	directives, envKeys, runtime, preflight, err := marshalCaseFields(c)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO cases (` + caseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.RepoURL, c.Ref, c.CommitSHA, directives, envKeys,
		c.Status, c.Stage, c.ErrorCode, c.ErrorMessage, runtime, preflight,
		c.AnalyzeStatus, c.ReportReady, c.VisualStatus, c.VisualReady,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting case: %w", err)
	}
	return nil
}

// Get retrieves a case by ID.
func (s *CaseStore) Get(ctx context.Context, id string) (*models.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE id = $1`

	c, err := scanCase(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying case: %w", err)
	}
	return c, nil
}

// List retrieves all cases, newest first.
func (s *CaseStore) List(ctx context.Context) ([]*models.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases ORDER BY created_at DESC`
	return s.queryCases(ctx, query)
}

// ListByStatus retrieves all cases with a given status, oldest first.
func (s *CaseStore) ListByStatus(ctx context.Context, status models.CaseStatus) ([]*models.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE status = $1 ORDER BY created_at ASC`
	return s.queryCases(ctx, query, status)
}

// Update persists an existing case.
func (s *CaseStore) Update(ctx context.Context, c *models.Case) error {
	directives, envKeys, runtime, preflight, err := marshalCaseFields(c)
	if err != nil {
		return err
	}

	query := `
		UPDATE cases
		SET repo_url = $2, ref = $3, commit_sha = $4, directives = $5,
			env_keys = $6, status = $7, stage = $8, error_code = $9,
			error_message = $10, runtime = $11, preflight = $12,
			analyze_status = $13, report_ready = $14, visual_status = $15,
			visual_ready = $16, updated_at = $17
		WHERE id = $1`

	c.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, query,
		c.ID, c.RepoURL, c.Ref, c.CommitSHA, directives,
		envKeys, c.Status, c.Stage, c.ErrorCode,
		c.ErrorMessage, runtime, preflight,
		c.AnalyzeStatus, c.ReportReady, c.VisualStatus,
		c.VisualReady, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating case: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *CaseStore) queryCases(ctx context.Context, query string, args ...any) ([]*models.Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cases: %w", err)
	}
	defer rows.Close()

	var cases []*models.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning case row: %w", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating case rows: %w", err)
	}
	return cases, nil
}

// scannable covers *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanCase(row scannable) (*models.Case, error) {
	c := &models.Case{}
	var directives, envKeys, runtime []byte
	var preflight sql.Null[[]byte]

	err := row.Scan(
		&c.ID, &c.RepoURL, &c.Ref, &c.CommitSHA, &directives, &envKeys,
		&c.Status, &c.Stage, &c.ErrorCode, &c.ErrorMessage, &runtime, &preflight,
		&c.AnalyzeStatus, &c.ReportReady, &c.VisualStatus, &c.VisualReady,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(directives, &c.Directives); err != nil {
		return nil, fmt.Errorf("unmarshaling directives: %w", err)
	}
	if err := json.Unmarshal(envKeys, &c.EnvKeys); err != nil {
		return nil, fmt.Errorf("unmarshaling env keys: %w", err)
	}
	if err := json.Unmarshal(runtime, &c.Runtime); err != nil {
		return nil, fmt.Errorf("unmarshaling runtime: %w", err)
	}
	if preflight.Valid && len(preflight.V) > 0 {
		c.Preflight = &models.PreflightDecision{}
		if err := json.Unmarshal(preflight.V, c.Preflight); err != nil {
			return nil, fmt.Errorf("unmarshaling preflight: %w", err)
		}
	}
	return c, nil
}

func marshalCaseFields(c *models.Case) (directives, envKeys, runtime, preflight []byte, err error) {
	if directives, err = json.Marshal(c.Directives); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling directives: %w", err)
	}
	if c.EnvKeys == nil {
		envKeys = []byte("[]")
	} else if envKeys, err = json.Marshal(c.EnvKeys); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling env keys: %w", err)
	}
	if runtime, err = json.Marshal(c.Runtime); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling runtime: %w", err)
	}
	if c.Preflight != nil {
		if preflight, err = json.Marshal(c.Preflight); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshaling preflight: %w", err)
		}
	}
	return directives, envKeys, runtime, preflight, nil
}
