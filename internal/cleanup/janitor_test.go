package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/store/memory"
)

func seedCase(t *testing.T, st *memory.MemoryStore, id string, status models.CaseStatus, age time.Duration) {
	t.Helper()
	c := &models.Case{
		ID:      id,
		RepoURL: "https://example.com/repo.git",
		Status:  models.CaseStatusPending,
	}
	require.NoError(t, st.Cases().Create(context.Background(), c))
	c.Status = status
	c.UpdatedAt = time.Now().Add(-age)
	require.NoError(t, st.Cases().Update(context.Background(), c))
}

func seedDir(t *testing.T, root, id string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	return dir
}

func TestSweepRemovesArchivedAndOrphanedWorkspaces(t *testing.T) {
	root := t.TempDir()
	st := memory.NewMemoryStore()

	seedCase(t, st, "archived", models.CaseStatusArchived, 0)
	seedCase(t, st, "live", models.CaseStatusRunning, 0)
	archivedDir := seedDir(t, root, "archived")
	liveDir := seedDir(t, root, "live")
	orphanDir := seedDir(t, root, "no-such-case")

	j := NewJanitor(&Config{WorkDir: root}, st, nil)
	result, err := j.Sweep(context.Background(), DefaultRetention)
	require.NoError(t, err)
	require.Equal(t, 3, result.Scanned)
	require.Equal(t, 2, result.Removed)
	require.Empty(t, result.Errors)

	require.NoDirExists(t, archivedDir)
	require.NoDirExists(t, orphanDir)
	require.DirExists(t, liveDir)
}

func TestSweepHonorsRetentionForTerminalCases(t *testing.T) {
	root := t.TempDir()
	st := memory.NewMemoryStore()

	seedCase(t, st, "fresh-failed", models.CaseStatusFailed, time.Minute)
	seedCase(t, st, "stale-finished", models.CaseStatusFinished, 48*time.Hour)
	freshDir := seedDir(t, root, "fresh-failed")
	staleDir := seedDir(t, root, "stale-finished")

	j := NewJanitor(&Config{WorkDir: root}, st, nil)
	result, err := j.Sweep(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, result.Removed)

	require.DirExists(t, freshDir)
	require.NoDirExists(t, staleDir)
}

func TestSweepZeroRetentionRemovesAllTerminalWorkspaces(t *testing.T) {
	root := t.TempDir()
	st := memory.NewMemoryStore()

	seedCase(t, st, "failed", models.CaseStatusFailed, 0)
	seedCase(t, st, "pending", models.CaseStatusPending, 0)
	failedDir := seedDir(t, root, "failed")
	pendingDir := seedDir(t, root, "pending")

	j := NewJanitor(&Config{WorkDir: root}, st, nil)
	result, err := j.Sweep(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, result.Removed)

	require.NoDirExists(t, failedDir)
	require.DirExists(t, pendingDir)
}

func TestSweepMissingWorkDirIsNotAnError(t *testing.T) {
	st := memory.NewMemoryStore()
	j := NewJanitor(&Config{WorkDir: filepath.Join(t.TempDir(), "missing")}, st, nil)

	result, err := j.Sweep(context.Background(), DefaultRetention)
	require.NoError(t, err)
	require.Zero(t, result.Scanned)
}

func TestCheckDiskCriticalForcesSweep(t *testing.T) {
	root := t.TempDir()
	st := memory.NewMemoryStore()

	seedCase(t, st, "failed", models.CaseStatusFailed, time.Minute)
	failedDir := seedDir(t, root, "failed")

	orig := statfs
	statfs = func(string) (*DiskUsage, error) {
		return &DiskUsage{TotalBytes: 100, UsedBytes: 95, Percent: 95}, nil
	}
	defer func() { statfs = orig }()

	j := NewJanitor(&Config{WorkDir: root}, st, nil)
	critical, err := j.CheckDisk(context.Background())
	require.NoError(t, err)
	require.True(t, critical)
	require.NoDirExists(t, failedDir)
}
