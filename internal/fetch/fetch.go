// Package fetch obtains repository snapshots for the pipeline. The
// orchestrator depends only on the Fetcher interface; the repository
// fetch service is an external collaborator with a git-CLI default.
package fetch

import (
	"context"
	"fmt"

	"github.com/repobox/control-plane/internal/models"
)

// Snapshot is a normalized filesystem view of a repository at a commit.
type Snapshot struct {
	// Path is the local root of the checked-out tree.
	Path string
	// CommitSHA is the resolved commit for this snapshot.
	CommitSHA string
	// Meta carries repository metadata (default branch, size, etc.).
	Meta map[string]string
}

// Error is a typed fetch failure. Code is one of the fetch error codes
// in models (GIT_CLONE_FAILED, GITHUB_RATE_LIMIT, LFS_FAILED,
// SUBMODULE_FAILED).
type Error struct {
	Code    string
	RepoURL string
	Ref     string
	Stderr  string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Stderr)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is retryable without directive
// changes.
func (e *Error) Transient() bool {
	return models.TransientCode(e.Code)
}

// Fetcher returns a repository snapshot for a url/ref pair.
type Fetcher interface {
	// Fetch materializes the repository at ref under destPath and
	// resolves the commit SHA. Failures are *Error values.
	Fetch(ctx context.Context, repoURL, ref, destPath string) (*Snapshot, error)
}
