package models

import "time"

// Log streams a record can belong to.
const (
	StreamBuild  = "build"
	StreamRun    = "run"
	StreamSystem = "system"
)

// Log levels.
const (
	LevelInfo  = "INFO"
	LevelError = "ERROR"
)

// LogRecord is a single ordered log line for a case.
type LogRecord struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	Stream    string    `json:"stream"`
	Level     string    `json:"level"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"ts"`
}
