// Package validation provides validation functions for case descriptors.
package validation

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/repobox/control-plane/internal/models"
)

// envKeyRegex validates environment variable key format:
// - Must start with a letter or underscore
// - Can contain letters, numbers, and underscores
var envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MaxEnvKeyLength is the maximum allowed length for an environment variable key.
const MaxEnvKeyLength = 256

// MaxEnvValueLength is the maximum allowed length for an environment variable value (32KB).
const MaxEnvValueLength = 32 * 1024

// MaxBuildArgs bounds the number of caller-supplied build arguments.
const MaxBuildArgs = 64

// ValidateDescriptor validates a case creation request. Unknown run
// modes and escaping paths are rejected rather than silently ignored.
func ValidateDescriptor(repoURL string, d models.BuildDirectives, env map[string]string) error {
	if err := ValidateRepoURL(repoURL); err != nil {
		return err
	}

	if d.RunMode != "" && !models.ValidRunMode(d.RunMode) {
		return &models.ValidationError{
			Field:   "run_mode",
			Message: "must be one of: auto, container, showcase, compose",
		}
	}

	for field, p := range map[string]string{
		"dockerfile_path": d.DockerfilePath,
		"compose_file":    d.ComposeFile,
		"context_path":    d.ContextPath,
	} {
		if err := validateRelPath(field, p); err != nil {
			return err
		}
	}

	if len(d.Build.BuildArgs) > MaxBuildArgs {
		return &models.ValidationError{
			Field:   "build.build_args",
			Message: "too many build arguments",
		}
	}
	for key := range d.Build.BuildArgs {
		if !envKeyRegex.MatchString(key) {
			return &models.ValidationError{
				Field:   "build.build_args",
				Message: "invalid build argument name: " + key,
			}
		}
	}

	return ValidateEnv(env)
}

// ValidateRepoURL validates the repository URL.
func ValidateRepoURL(repoURL string) error {
	if repoURL == "" {
		return &models.ValidationError{
			Field:   "repo_url",
			Message: "repository URL is required",
		}
	}

	u, err := url.Parse(repoURL)
	if err != nil || u.Host == "" {
		return &models.ValidationError{
			Field:   "repo_url",
			Message: "must be a valid URL",
		}
	}
	switch u.Scheme {
	case "http", "https", "git", "ssh":
	default:
		return &models.ValidationError{
			Field:   "repo_url",
			Message: "unsupported URL scheme: " + u.Scheme,
		}
	}
	return nil
}

// ValidateEnv validates a caller-supplied environment map.
func ValidateEnv(env map[string]string) error {
	for key, value := range env {
		if err := ValidateEnvKey(key); err != nil {
			return err
		}
		if len(value) > MaxEnvValueLength {
			return &models.ValidationError{
				Field:   "env." + key,
				Message: "environment variable value must be 32KB or less",
			}
		}
	}
	return nil
}

// ValidateEnvKey validates a single environment variable key.
func ValidateEnvKey(key string) error {
	if key == "" {
		return &models.ValidationError{
			Field:   "env",
			Message: "environment variable key is required",
		}
	}
	if len(key) > MaxEnvKeyLength {
		return &models.ValidationError{
			Field:   "env." + key,
			Message: "environment variable key must be 256 characters or less",
		}
	}
	if !envKeyRegex.MatchString(key) {
		return &models.ValidationError{
			Field:   "env." + key,
			Message: "environment variable key must start with a letter or underscore and contain only letters, numbers, and underscores",
		}
	}
	return nil
}

// validateRelPath rejects absolute paths and paths escaping the
// snapshot root.
func validateRelPath(field, p string) error {
	if p == "" {
		return nil
	}
	if strings.HasPrefix(p, "/") {
		return &models.ValidationError{
			Field:   field,
			Message: "must be a repository-relative path",
		}
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return &models.ValidationError{
			Field:   field,
			Message: "must not escape the repository root",
		}
	}
	return nil
}
