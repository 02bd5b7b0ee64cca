package models

import "time"

// Job actions a worker can pick up.
const (
	JobActionLaunch = "launch"
	JobActionRetry  = "retry"
)

// CaseJob is a unit of work on the case queue. Each job drives one pass
// of the pipeline for a single case.
type CaseJob struct {
	ID         string     `json:"id"`
	CaseID     string     `json:"case_id"`
	Action     string     `json:"action"`
	RetryCount int        `json:"retry_count"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}
