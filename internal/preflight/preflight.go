// Package preflight decides how a repository snapshot should be built
// before any container work begins. The decision is a pure function of
// the filesystem view and the caller's explicit directives, and the
// resulting record is explainable end to end.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/repobox/control-plane/internal/models"
)

// Error is a structural preflight failure. Retrying without corrected
// directives will fail the same way, so the code is surfaced to callers.
type Error struct {
	Code     string
	Message  string
	Decision *models.PreflightDecision
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Conventional compose file names probed at the context root.
var composeNames = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

// Config holds preflight tuning knobs.
type Config struct {
	// ScanDepth bounds the Dockerfile scan below the context root.
	ScanDepth int
	// GeneratedDir is the scoped output directory for synthesized build
	// recipes, relative to the context root. The original tree is never
	// mutated outside it.
	GeneratedDir string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ScanDepth:    3,
		GeneratedDir: ".repobox",
	}
}

// Engine evaluates snapshots into preflight decisions.
type Engine struct {
	cfg *Config
}

// NewEngine creates a preflight engine.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ScanDepth <= 0 {
		cfg.ScanDepth = DefaultConfig().ScanDepth
	}
	if cfg.GeneratedDir == "" {
		cfg.GeneratedDir = DefaultConfig().GeneratedDir
	}
	return &Engine{cfg: cfg}
}

// Decide selects the build strategy for the snapshot rooted at root.
// Given an identical tree and directives it always returns the same
// decision. On a structural failure the returned *Error still carries
// the decision record for the audit trail.
func (e *Engine) Decide(root string, directives models.BuildDirectives) (*models.PreflightDecision, error) {
	ctxRel := filepath.Clean(directives.ContextPath)
	if ctxRel == "." || ctxRel == "" {
		ctxRel = ""
	}
	ctxRoot := filepath.Join(root, ctxRel)

	switch directives.RunMode {
	case models.RunModeShowcase:
		return &models.PreflightDecision{
			Strategy: models.StrategyShowcase,
			Reason:   models.ReasonExplicitPath,
		}, nil
	case models.RunModeCompose:
		return e.decideCompose(ctxRoot, ctxRel, directives)
	}

	// Step 1: explicit Dockerfile path short-circuits the scan.
	if directives.DockerfilePath != "" {
		path := filepath.Join(root, directives.DockerfilePath)
		if _, err := os.Stat(path); err != nil {
			return nil, &Error{
				Code:    models.CodeDockerfileNotFound,
				Message: fmt.Sprintf("explicit dockerfile %q not found", directives.DockerfilePath),
			}
		}
		return &models.PreflightDecision{
			Strategy:     models.StrategyDockerfile,
			SelectedPath: directives.DockerfilePath,
			ContextPath:  ctxRel,
			Candidates:   []string{directives.DockerfilePath},
			Reason:       models.ReasonExplicitPath,
		}, nil
	}

	// Steps 2-5: scan and classify Dockerfile candidates.
	scan, err := scanDockerfiles(ctxRoot, e.cfg.ScanDepth)
	if err != nil {
		return nil, fmt.Errorf("scanning for dockerfiles: %w", err)
	}

	decision := &models.PreflightDecision{
		Candidates:  scan.Primary,
		Backups:     scan.Backup,
		ContextPath: ctxRel,
	}
	if len(scan.Backup) > 0 && len(scan.Primary) == 0 {
		decision.Warnings = append(decision.Warnings, "DOCKERFILE_BACKUP_IGNORED")
	}

	switch {
	case len(scan.Primary) == 1:
		decision.Strategy = models.StrategyDockerfile
		decision.SelectedPath = scan.Primary[0]
		if scan.Primary[0] == dockerfileName {
			decision.Reason = models.ReasonRootDockerfile
		} else {
			decision.Reason = models.ReasonSingleCandidate
		}
		return decision, nil

	case len(scan.Primary) > 1:
		decision.NonUniquePrimary = true
		// Root preference resolves the ambiguity when present.
		for _, c := range scan.Primary {
			if c == dockerfileName {
				decision.Strategy = models.StrategyDockerfile
				decision.SelectedPath = c
				decision.Reason = models.ReasonRootDockerfile
				return decision, nil
			}
		}
		decision.Reason = models.ReasonAmbiguous
		return decision, &Error{
			Code:     models.CodeDockerfileAmbiguous,
			Message:  fmt.Sprintf("%d dockerfile candidates, none at the context root", len(scan.Primary)),
			Decision: decision,
		}
	}

	// RunMode container demands a Dockerfile; do not fall through to
	// weaker strategies on its behalf.
	if directives.RunMode == models.RunModeContainer {
		decision.Reason = models.ReasonNotFound
		return decision, &Error{
			Code:     models.CodeDockerfileNotFound,
			Message:  "run_mode container requires a dockerfile but none was found",
			Decision: decision,
		}
	}

	// Step 6: conventional compose file.
	if name, ok := findComposeFile(ctxRoot); ok {
		decision.Strategy = models.StrategyCompose
		decision.SelectedPath = filepath.Join(ctxRel, name)
		decision.Reason = models.ReasonComposeFile
		return decision, nil
	}

	// Step 7: known ecosystem evidence → generated recipe.
	if eco := detectEcosystem(ctxRoot); eco != nil {
		generated, err := e.generate(ctxRoot, eco)
		if err != nil {
			return nil, fmt.Errorf("generating %s build recipe: %w", eco.Name, err)
		}
		decision.Strategy = models.StrategyGenerated
		decision.Ecosystem = eco.Name
		decision.SelectedPath = filepath.Join(ctxRel, generated.DockerfilePath)
		decision.GeneratedFiles = prefixAll(ctxRel, generated.Files)
		decision.Reason = models.GeneratedReason(eco.Name)
		return decision, nil
	}

	// Step 8: showcase fallback.
	decision.Strategy = models.StrategyShowcase
	decision.Reason = models.ReasonNotFound
	return decision, nil
}

// decideCompose handles the explicit compose run mode.
func (e *Engine) decideCompose(ctxRoot, ctxRel string, directives models.BuildDirectives) (*models.PreflightDecision, error) {
	name := directives.ComposeFile
	if name != "" {
		if _, err := os.Stat(filepath.Join(ctxRoot, name)); err != nil {
			return nil, &Error{
				Code:    models.CodeComposeFileNotFound,
				Message: fmt.Sprintf("explicit compose file %q not found", name),
			}
		}
		return &models.PreflightDecision{
			Strategy:     models.StrategyCompose,
			SelectedPath: filepath.Join(ctxRel, name),
			ContextPath:  ctxRel,
			Reason:       models.ReasonExplicitPath,
		}, nil
	}

	found, ok := findComposeFile(ctxRoot)
	if !ok {
		return nil, &Error{
			Code:    models.CodeComposeFileNotFound,
			Message: "run_mode compose requires a compose file but none was found",
		}
	}
	return &models.PreflightDecision{
		Strategy:     models.StrategyCompose,
		SelectedPath: filepath.Join(ctxRel, found),
		ContextPath:  ctxRel,
		Reason:       models.ReasonComposeFile,
	}, nil
}

// findComposeFile probes the conventional compose names at the root.
func findComposeFile(root string) (string, bool) {
	for _, name := range composeNames {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return name, true
		}
	}
	return "", false
}

func prefixAll(prefix string, paths []string) []string {
	if prefix == "" {
		return paths
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Join(prefix, p)
	}
	return out
}
