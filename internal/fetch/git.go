package fetch

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/repobox/control-plane/internal/models"
)

// GitFetcher fetches snapshots with the git CLI. Clones are shallow; a
// ref that is not a branch or tag falls back to fetch + checkout by SHA.
type GitFetcher struct{}

// NewGitFetcher creates a git-CLI fetcher.
func NewGitFetcher() *GitFetcher {
	return &GitFetcher{}
}

// Fetch clones repoURL at ref into destPath.
func (g *GitFetcher) Fetch(ctx context.Context, repoURL, ref, destPath string) (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, &Error{Code: models.CodeGitCloneFailed, RepoURL: repoURL, Ref: ref, Err: err}
	}

	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, repoURL, destPath)

	if stderr, err := runGit(ctx, "", args...); err != nil {
		if ref != "" {
			// The ref may be a commit SHA rather than a branch or tag.
			return g.fetchByCommit(ctx, repoURL, ref, destPath)
		}
		return nil, classify(repoURL, ref, stderr, err)
	}

	return g.finish(ctx, repoURL, ref, destPath)
}

// fetchByCommit clones the default branch, then fetches and checks out
// the requested commit.
func (g *GitFetcher) fetchByCommit(ctx context.Context, repoURL, ref, destPath string) (*Snapshot, error) {
	os.RemoveAll(destPath)

	if stderr, err := runGit(ctx, "", "clone", "--depth", "1", repoURL, destPath); err != nil {
		return nil, classify(repoURL, ref, stderr, err)
	}
	if stderr, err := runGit(ctx, destPath, "fetch", "--depth", "1", "origin", ref); err != nil {
		return nil, classify(repoURL, ref, stderr, err)
	}
	if stderr, err := runGit(ctx, destPath, "checkout", "FETCH_HEAD"); err != nil {
		return nil, classify(repoURL, ref, stderr, err)
	}

	return g.finish(ctx, repoURL, ref, destPath)
}

// finish resolves HEAD and assembles the snapshot.
func (g *GitFetcher) finish(ctx context.Context, repoURL, ref, destPath string) (*Snapshot, error) {
	sha, err := headSHA(ctx, destPath)
	if err != nil {
		return nil, &Error{Code: models.CodeGitCloneFailed, RepoURL: repoURL, Ref: ref, Err: err}
	}
	return &Snapshot{
		Path:      destPath,
		CommitSHA: sha,
		Meta:      map[string]string{"fetcher": "git"},
	}, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

func headSHA(ctx context.Context, repoPath string) (string, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "rev-parse", "HEAD")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

// classify maps git stderr output to the typed fetch error codes.
func classify(repoURL, ref, stderr string, err error) *Error {
	code := models.CodeGitCloneFailed
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		code = models.CodeGitHubRateLimit
	case strings.Contains(lower, "git-lfs") || strings.Contains(lower, "lfs"):
		code = models.CodeLFSFailed
	case strings.Contains(lower, "submodule"):
		code = models.CodeSubmoduleFailed
	}
	return &Error{
		Code:    code,
		RepoURL: repoURL,
		Ref:     ref,
		Stderr:  strings.TrimSpace(stderr),
		Err:     err,
	}
}
