package model

import "time"

// RunStatus represents the state of a validation run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is a persisted validation run.
type Run struct {
	ID         string             `json:"id" yaml:"id"`
	Status     RunStatus          `json:"status" yaml:"status"`
	Stats      AggregateStats     `json:"stats" yaml:"stats"`
	Results    []ComparisonResult `json:"results,omitempty" yaml:"results,omitempty"`
	ExitCode   int                `json:"exit_code" yaml:"exit_code"`
	AlertsSent int                `json:"alerts_sent" yaml:"alerts_sent"`
	Error      string             `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time          `json:"finished_at" yaml:"finished_at"`
}
