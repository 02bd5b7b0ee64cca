// Package cleanup reclaims disk space held by case workspaces. Archived
// and unknown workspace directories are removed on every sweep; finished
// and failed cases keep their snapshot for a retention window so retry
// and restart can reuse it without a fresh clone.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/store"
)

// Default janitor settings.
const (
	DefaultInterval  = 15 * time.Minute
	DefaultRetention = 24 * time.Hour
)

// Config holds janitor configuration.
type Config struct {
	// WorkDir is the root under which case workspaces live.
	WorkDir string
	// Interval is the time between sweeps.
	Interval time.Duration
	// Retention is how long finished and failed case snapshots are kept.
	Retention time.Duration
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned int
	Removed int
	Errors  []error
}

// Janitor periodically reconciles the workspace root against the case
// store and removes directories no live case can use again.
type Janitor struct {
	cfg    *Config
	store  store.Store
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJanitor creates a workspace janitor.
func NewJanitor(cfg *Config, st store.Store, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Janitor{
		cfg:    cfg,
		store:  st,
		logger: logger.With("component", "cleanup"),
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic sweeps in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.runSweep(ctx)
			}
		}
	}()
}

// Stop halts periodic sweeps and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

func (j *Janitor) runSweep(ctx context.Context) {
	critical, err := j.CheckDisk(ctx)
	if err != nil {
		j.logger.Warn("disk usage check failed", "error", err)
	} else if critical {
		return
	}

	result, err := j.Sweep(ctx, j.cfg.Retention)
	if err != nil {
		j.logger.Error("workspace sweep failed", "error", err)
		return
	}
	if result.Removed > 0 || len(result.Errors) > 0 {
		j.logger.Info("workspace sweep completed",
			"scanned", result.Scanned,
			"removed", result.Removed,
			"errors", len(result.Errors),
		)
	}
}

// Sweep walks the workspace root once. Directories belonging to archived
// cases, or to no known case, are removed. Directories of finished or
// failed cases older than retention are removed too; the pipeline
// re-clones the pinned commit if a retried case finds its snapshot gone.
func (j *Janitor) Sweep(ctx context.Context, retention time.Duration) (*SweepResult, error) {
	entries, err := os.ReadDir(j.cfg.WorkDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &SweepResult{}, nil
		}
		return nil, err
	}

	result := &SweepResult{}
	cutoff := time.Now().Add(-retention)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		result.Scanned++

		remove, err := j.removable(ctx, entry.Name(), cutoff)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		if !remove {
			continue
		}

		dir := filepath.Join(j.cfg.WorkDir, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Removed++
		j.logger.Debug("removed case workspace", "case_id", entry.Name())
	}

	return result, nil
}

func (j *Janitor) removable(ctx context.Context, caseID string, cutoff time.Time) (bool, error) {
	c, err := j.store.Cases().Get(ctx, caseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Orphaned directory, nothing references it.
			return true, nil
		}
		return false, err
	}

	switch c.Status {
	case models.CaseStatusArchived:
		return true, nil
	case models.CaseStatusFinished, models.CaseStatusFailed:
		return c.UpdatedAt.Before(cutoff), nil
	default:
		return false, nil
	}
}
