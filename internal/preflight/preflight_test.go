package preflight

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/repobox/control-plane/internal/models"
)

// writeTree creates the given files (with trivial content) under a fresh
// temp directory and returns its path.
func writeTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		path := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("# "+f+"\n"), 0o644))
	}
	return root
}

func decide(t *testing.T, root string, d models.BuildDirectives) (*models.PreflightDecision, error) {
	t.Helper()
	return NewEngine(nil).Decide(root, d)
}

func TestRootDockerfileSelected(t *testing.T) {
	root := writeTree(t, "Dockerfile", "main.go", "go.mod")

	decision, err := decide(t, root, models.BuildDirectives{RunMode: models.RunModeAuto})
	require.NoError(t, err)
	assert.Equal(t, models.StrategyDockerfile, decision.Strategy)
	assert.Equal(t, "Dockerfile", decision.SelectedPath)
	assert.Equal(t, models.ReasonRootDockerfile, decision.Reason)
	assert.False(t, decision.NonUniquePrimary)
}

func TestRootPreferenceResolvesMultiplePrimaries(t *testing.T) {
	root := writeTree(t, "Dockerfile", "docker/Dockerfile")

	decision, err := decide(t, root, models.BuildDirectives{})
	require.NoError(t, err)
	assert.Equal(t, "Dockerfile", decision.SelectedPath)
	assert.Equal(t, models.ReasonRootDockerfile, decision.Reason)
	assert.True(t, decision.NonUniquePrimary)
	assert.Len(t, decision.Candidates, 2)
}

func TestAmbiguousWithoutRootPreference(t *testing.T) {
	root := writeTree(t, "docker/Dockerfile", "deploy/Dockerfile")

	decision, err := decide(t, root, models.BuildDirectives{})
	var pfErr *Error
	require.ErrorAs(t, err, &pfErr)
	assert.Equal(t, models.CodeDockerfileAmbiguous, pfErr.Code)
	require.NotNil(t, pfErr.Decision)
	assert.True(t, pfErr.Decision.NonUniquePrimary)
	assert.Equal(t, models.ReasonAmbiguous, pfErr.Decision.Reason)
	assert.Nil(t, decision)
}

func TestBackupsAreNeverAutoSelected(t *testing.T) {
	root := writeTree(t, "Dockerfile.bak", "dev.Dockerfile", "go.mod")

	decision, err := decide(t, root, models.BuildDirectives{})
	require.NoError(t, err)
	assert.Equal(t, models.StrategyGenerated, decision.Strategy)
	assert.Len(t, decision.Backups, 2)
	assert.Empty(t, decision.Candidates)
	assert.Contains(t, decision.Warnings, "DOCKERFILE_BACKUP_IGNORED")
}

func TestExplicitPathShortCircuits(t *testing.T) {
	root := writeTree(t, "build/Dockerfile.prod", "Dockerfile")

	decision, err := decide(t, root, models.BuildDirectives{
		DockerfilePath: "build/Dockerfile.prod",
	})
	require.NoError(t, err)
	assert.Equal(t, "build/Dockerfile.prod", decision.SelectedPath)
	assert.Equal(t, models.ReasonExplicitPath, decision.Reason)
}

func TestExplicitPathMissingFails(t *testing.T) {
	root := writeTree(t, "Dockerfile")

	_, err := decide(t, root, models.BuildDirectives{DockerfilePath: "nope/Dockerfile"})
	var pfErr *Error
	require.ErrorAs(t, err, &pfErr)
	assert.Equal(t, models.CodeDockerfileNotFound, pfErr.Code)
}

func TestComposeFallback(t *testing.T) {
	root := writeTree(t, "docker-compose.yml", "src/app.py")

	decision, err := decide(t, root, models.BuildDirectives{})
	require.NoError(t, err)
	assert.Equal(t, models.StrategyCompose, decision.Strategy)
	assert.Equal(t, "docker-compose.yml", decision.SelectedPath)
	assert.Equal(t, models.ReasonComposeFile, decision.Reason)
}

func TestComposeModeMissingFileFails(t *testing.T) {
	root := writeTree(t, "Dockerfile")

	_, err := decide(t, root, models.BuildDirectives{RunMode: models.RunModeCompose})
	var pfErr *Error
	require.ErrorAs(t, err, &pfErr)
	assert.Equal(t, models.CodeComposeFileNotFound, pfErr.Code)
}

func TestComposeModeExplicitFileMissingFails(t *testing.T) {
	root := writeTree(t, "docker-compose.yml")

	_, err := decide(t, root, models.BuildDirectives{
		RunMode:     models.RunModeCompose,
		ComposeFile: "compose/stack.yml",
	})
	var pfErr *Error
	require.ErrorAs(t, err, &pfErr)
	assert.Equal(t, models.CodeComposeFileNotFound, pfErr.Code)
}

func TestGeneratedForGo(t *testing.T) {
	root := writeTree(t, "go.mod", "main.go")
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"),
		[]byte("module example.com/demo\n\ngo 1.23\n"), 0o644))

	decision, err := decide(t, root, models.BuildDirectives{})
	require.NoError(t, err)
	assert.Equal(t, models.StrategyGenerated, decision.Strategy)
	assert.Equal(t, "go", decision.Ecosystem)
	assert.Equal(t, "generated_for_go", decision.Reason)
	require.NotEmpty(t, decision.GeneratedFiles)

	content, err := os.ReadFile(filepath.Join(root, decision.SelectedPath))
	require.NoError(t, err)
	assert.Contains(t, string(content), "FROM golang:1.23")
}

func TestShowcaseWhenNothingFound(t *testing.T) {
	root := writeTree(t, "README.md", "docs/guide.md")

	decision, err := decide(t, root, models.BuildDirectives{})
	require.NoError(t, err)
	assert.Equal(t, models.StrategyShowcase, decision.Strategy)
	assert.Equal(t, models.ReasonNotFound, decision.Reason)
}

func TestContainerModeDemandsDockerfile(t *testing.T) {
	root := writeTree(t, "go.mod")

	_, err := decide(t, root, models.BuildDirectives{RunMode: models.RunModeContainer})
	var pfErr *Error
	require.ErrorAs(t, err, &pfErr)
	assert.Equal(t, models.CodeDockerfileNotFound, pfErr.Code)
}

func TestScanDepthBound(t *testing.T) {
	root := writeTree(t, "a/b/c/d/e/Dockerfile", "README.md")

	decision, err := decide(t, root, models.BuildDirectives{})
	require.NoError(t, err)
	// The candidate lies beyond the default scan depth.
	assert.Equal(t, models.StrategyShowcase, decision.Strategy)
	assert.Empty(t, decision.Candidates)
}

func TestErrorsAreTyped(t *testing.T) {
	root := writeTree(t, "x/Dockerfile", "y/Dockerfile")
	_, err := decide(t, root, models.BuildDirectives{})
	require.Error(t, err)
	assert.True(t, errors.As(err, new(*Error)))
}
