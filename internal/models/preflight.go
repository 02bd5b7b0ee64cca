package models

// BuildStrategy identifies how a case's repository will be built and run.
type BuildStrategy string

const (
	// StrategyDockerfile builds an image from a Dockerfile in the repository.
	StrategyDockerfile BuildStrategy = "dockerfile"
	// StrategyCompose runs the repository's compose file.
	StrategyCompose BuildStrategy = "compose"
	// StrategyGenerated builds from a Dockerfile synthesized for a detected ecosystem.
	StrategyGenerated BuildStrategy = "generated"
	// StrategyShowcase renders a documentation preview without executing the repo.
	StrategyShowcase BuildStrategy = "showcase"
)

// Selection reasons recorded on a preflight decision.
const (
	ReasonExplicitPath    = "explicit_path"
	ReasonRootDockerfile  = "root_dockerfile"
	ReasonSingleCandidate = "single_candidate"
	ReasonAmbiguous       = "ambiguous"
	ReasonComposeFile     = "compose_file"
	ReasonNotFound        = "not_found"
	// Generated strategies use "generated_for_<ecosystem>" built with GeneratedReason.
)

// GeneratedReason returns the selection reason for a generated strategy.
func GeneratedReason(ecosystem string) string {
	return "generated_for_" + ecosystem
}

// PreflightDecision is the structured, explainable record produced by the
// preflight engine for one build attempt. It is emitted verbatim on the
// case audit trail and through the API.
type PreflightDecision struct {
	Strategy BuildStrategy `json:"strategy"`

	// Candidates are the primary Dockerfile candidates found by the scan,
	// repo-relative. Backups are suffixed/alternate copies that were
	// filtered out; recorded for diagnostics, never auto-selected.
	Candidates []string `json:"candidates,omitempty"`
	Backups    []string `json:"backups,omitempty"`

	// SelectedPath and ContextPath are set for dockerfile/generated/compose
	// strategies, repo-relative.
	SelectedPath string `json:"selected_path,omitempty"`
	ContextPath  string `json:"context_path,omitempty"`

	Reason           string `json:"reason"`
	NonUniquePrimary bool   `json:"non_unique_primary"`

	// Ecosystem is the detected language/framework for generated strategies.
	Ecosystem string `json:"ecosystem,omitempty"`

	// GeneratedFiles lists files synthesized into the scoped output
	// directory for a generated strategy, repo-relative.
	GeneratedFiles []string `json:"generated_files,omitempty"`

	// Warnings carries operability notes such as DOCKERFILE_BACKUP_IGNORED.
	Warnings []string `json:"warnings,omitempty"`
}
