// Package store provides persistence interfaces and implementations for
// cases and their logs.
package store

import (
	"context"
	"errors"

	"github.com/repobox/control-plane/internal/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("resource not found")

// CaseStore defines operations for case persistence.
type CaseStore interface {
	// Create persists a new case.
	Create(ctx context.Context, c *models.Case) error
	// Get retrieves a case by ID.
	Get(ctx context.Context, id string) (*models.Case, error)
	// List retrieves all cases, newest first.
	List(ctx context.Context) ([]*models.Case, error)
	// ListByStatus retrieves all cases with a given status, oldest first.
	ListByStatus(ctx context.Context, status models.CaseStatus) ([]*models.Case, error)
	// Update persists an existing case.
	Update(ctx context.Context, c *models.Case) error
}

// LogStore defines operations for durable log records.
type LogStore interface {
	// Create persists a log record.
	Create(ctx context.Context, rec *models.LogRecord) error
	// List retrieves up to limit records for a case in append order.
	List(ctx context.Context, caseID string, limit int) ([]*models.LogRecord, error)
	// ListByStream retrieves up to limit records for a case and stream
	// in append order.
	ListByStream(ctx context.Context, caseID, stream string, limit int) ([]*models.LogRecord, error)
	// DeleteByCase removes all records for a case.
	DeleteByCase(ctx context.Context, caseID string) error
}

// Store is the main interface for database operations.
type Store interface {
	// Cases returns the CaseStore.
	Cases() CaseStore
	// Logs returns the LogStore.
	Logs() LogStore
	// Close closes the underlying connection.
	Close() error
}
