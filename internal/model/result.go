package model

import "time"

// Status is the classified outcome of comparing one target's two sources.
type Status string

const (
	StatusMatch    Status = "match"
	StatusMismatch Status = "mismatch"
	StatusError    Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusMatch, StatusMismatch, StatusError:
		return true
	}
	return false
}

// ComparisonResult is the outcome for a single target. It is built once by
// the comparator and never modified afterwards.
type ComparisonResult struct {
	ID           string  `json:"process_id" yaml:"process_id"`
	Host         string  `json:"target" yaml:"target"`
	SourceAURL   string  `json:"source_a_url" yaml:"source_a_url"`
	SourceBURL   string  `json:"source_b_url" yaml:"source_b_url"`
	SourceAValue *string `json:"source_a_value" yaml:"source_a_value"`
	SourceBValue *string `json:"source_b_value" yaml:"source_b_value"`
	Status       Status  `json:"status" yaml:"status"`
	// Difference is SourceA - SourceB and is only meaningful when
	// HasDifference is set (both values present and integral).
	Difference    int64         `json:"difference" yaml:"difference"`
	HasDifference bool          `json:"has_difference" yaml:"has_difference"`
	Error         string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration      time.Duration `json:"duration_ns" yaml:"duration_ns"`
}

// AggregateStats summarises a whole run.
type AggregateStats struct {
	Total      int           `json:"total" yaml:"total"`
	Matches    int           `json:"matches" yaml:"matches"`
	Mismatches int           `json:"mismatches" yaml:"mismatches"`
	Errors     int           `json:"errors" yaml:"errors"`
	Elapsed    time.Duration `json:"elapsed_ns" yaml:"elapsed_ns"`
}

// ExitCode maps the worst outcome to a process exit code. Mismatches
// outrank errors.
func (s AggregateStats) ExitCode() int {
	switch {
	case s.Mismatches > 0:
		return ExitMismatch
	case s.Errors > 0:
		return ExitError
	default:
		return ExitOK
	}
}

// Process exit codes.
const (
	ExitOK            = 0
	ExitMismatch      = 1
	ExitError         = 2
	ExitInvalidConfig = 3
)
