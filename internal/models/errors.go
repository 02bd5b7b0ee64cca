package models

// Error codes recorded on a failed case. Each code maps to exactly one
// pipeline stage.
const (
	// Fetch errors (stage clone). Transient: retryable without directive changes.
	CodeGitCloneFailed  = "GIT_CLONE_FAILED"
	CodeGitHubRateLimit = "GITHUB_RATE_LIMIT"
	CodeLFSFailed       = "LFS_FAILED"
	CodeSubmoduleFailed = "SUBMODULE_FAILED"

	// Preflight/structural errors (stage build). Require explicit directive
	// correction before a retry can succeed.
	CodeDockerfileNotFound  = "DOCKERFILE_NOT_FOUND"
	CodeDockerfileAmbiguous = "DOCKERFILE_AMBIGUOUS"
	CodeComposeFileNotFound = "COMPOSE_FILE_NOT_FOUND"

	// Build errors (stage build).
	CodeBuildFailed = "BUILD_FAILED"

	// Runtime errors (stage run).
	CodeStartFailed          = "START_FAILED"
	CodeContainerExitNonzero = "CONTAINER_EXIT_NONZERO"
	CodeReadinessTimeout     = "READINESS_TIMEOUT"

	// Resource errors (stage system). Surfaced distinctly so callers can
	// tell "try later" from "fix your repo".
	CodePortPoolExhausted = "PORT_POOL_EXHAUSTED"

	// Catch-all for orchestrator faults.
	CodeInternal = "INTERNAL"
)

// TransientCode reports whether the error code is caller-retryable
// without changing build directives.
func TransientCode(code string) bool {
	switch code {
	case CodeGitCloneFailed, CodeGitHubRateLimit, CodePortPoolExhausted:
		return true
	default:
		return false
	}
}

// StructuralCode reports whether the error code requires the caller to
// supply explicit directives before retrying. The engine does not guess
// twice.
func StructuralCode(code string) bool {
	switch code {
	case CodeDockerfileNotFound, CodeDockerfileAmbiguous, CodeComposeFileNotFound:
		return true
	default:
		return false
	}
}
