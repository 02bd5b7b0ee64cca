package models

import "time"

// CaseStatus represents the current lifecycle state of a case.
type CaseStatus string

const (
	CaseStatusPending  CaseStatus = "pending"
	CaseStatusCloning  CaseStatus = "cloning"
	CaseStatusBuilding CaseStatus = "building"
	CaseStatusStarting CaseStatus = "starting"
	CaseStatusRunning  CaseStatus = "running"
	CaseStatusFailed   CaseStatus = "failed"
	CaseStatusFinished CaseStatus = "finished"
	CaseStatusArchived CaseStatus = "archived"
)

// IsTerminal returns true if the status is a terminal state.
// Failed is terminal per attempt but re-enterable via retry.
func (s CaseStatus) IsTerminal() bool {
	switch s {
	case CaseStatusFinished, CaseStatusArchived, CaseStatusFailed:
		return true
	default:
		return false
	}
}

// Stage identifies the pipeline phase a case is in.
type Stage string

const (
	StageClone   Stage = "clone"
	StageBuild   Stage = "build"
	StageRun     Stage = "run"
	StageAnalyze Stage = "analyze"
	StageSystem  Stage = "system"
)

// RunMode selects how a case's repository is executed.
type RunMode string

const (
	// RunModeAuto lets preflight decide the strategy.
	RunModeAuto RunMode = "auto"
	// RunModeContainer forces a Dockerfile container build.
	RunModeContainer RunMode = "container"
	// RunModeShowcase renders a documentation preview without executing the repo.
	RunModeShowcase RunMode = "showcase"
	// RunModeCompose uses a compose file.
	RunModeCompose RunMode = "compose"
)

// ValidRunMode reports whether m is a recognized run mode.
func ValidRunMode(m RunMode) bool {
	switch m {
	case RunModeAuto, RunModeContainer, RunModeShowcase, RunModeCompose:
		return true
	default:
		return false
	}
}

// BuildParams holds image build parameters supplied by the caller.
type BuildParams struct {
	Network   string            `json:"network,omitempty"`
	NoCache   bool              `json:"no_cache,omitempty"`
	BuildArgs map[string]string `json:"build_args,omitempty"`
}

// BuildDirectives are optional caller-supplied overrides for preflight.
type BuildDirectives struct {
	RunMode        RunMode     `json:"run_mode,omitempty"`
	DockerfilePath string      `json:"dockerfile_path,omitempty"`
	ComposeFile    string      `json:"compose_file,omitempty"`
	ContextPath    string      `json:"context_path,omitempty"`
	Build          BuildParams `json:"build,omitempty"`
}

// RuntimeInfo is the runtime snapshot of a running case.
// Populated if and only if the case status is running.
type RuntimeInfo struct {
	AccessURL   string `json:"access_url,omitempty"`
	HostPort    int    `json:"host_port,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
}

// Empty returns true if no runtime fields are populated.
func (r RuntimeInfo) Empty() bool {
	return r.AccessURL == "" && r.HostPort == 0 && r.ContainerID == ""
}

// JobStatus represents the state of a derived Explain/Visualize job.
type JobStatus string

const (
	JobStatusNone    JobStatus = ""
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Case is one tracked attempt to run a repository end to end.
type Case struct {
	ID string `json:"id"`

	RepoURL   string `json:"repo_url"`
	Ref       string `json:"ref,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`

	Directives BuildDirectives `json:"directives"`

	// EnvKeys lists the environment variable names supplied by the caller.
	// Values are write-only: consumed to configure the container, never
	// persisted or re-exposed.
	EnvKeys []string `json:"env_keys,omitempty"`

	Status       CaseStatus `json:"status"`
	Stage        Stage      `json:"stage,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	Runtime RuntimeInfo `json:"runtime,omitempty"`

	// Preflight is the decision record from the most recent build attempt.
	Preflight *PreflightDecision `json:"preflight,omitempty"`

	// Derived-job pointers, written only by the Explain/Visualize collaborators.
	AnalyzeStatus JobStatus `json:"analyze_status,omitempty"`
	ReportReady   bool      `json:"report_ready"`
	VisualStatus  JobStatus `json:"visual_status,omitempty"`
	VisualReady   bool      `json:"visual_ready"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClearRuntime wipes the runtime snapshot.
func (c *Case) ClearRuntime() {
	c.Runtime = RuntimeInfo{}
}

// ClearError wipes the error fields.
func (c *Case) ClearError() {
	c.ErrorCode = ""
	c.ErrorMessage = ""
}
