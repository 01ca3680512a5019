package model

import "time"

// ExecutionStatus tags the outcome of a single run attempt
type ExecutionStatus string

const (
	ExecutionStatusSkipped   ExecutionStatus = "skipped"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"

	// ExecutionStatusRunning only appears in execution history, while work is in flight
	ExecutionStatusRunning ExecutionStatus = "running"
)

// SkipReasonNotDue is the only reason a run is skipped today
const SkipReasonNotDue = "not_due"

// ExecutionResult is the outcome of asking a task to run.
//
// Skipped results carry Reason, NextEligibleAt and SecondsUntilNext.
// Succeeded results carry Output, ExecutedAt, ExecutionCount and NextEligibleAt.
// Failed results carry ErrorMessage and ExecutedAt.
type ExecutionResult struct {
	TaskName string          `json:"task_name"`
	Status   ExecutionStatus `json:"status"`
	Forced   bool            `json:"forced,omitempty"`

	Reason           string     `json:"reason,omitempty"`
	NextEligibleAt   *time.Time `json:"next_eligible_at,omitempty"`
	SecondsUntilNext int64      `json:"seconds_until_next,omitempty"`

	Output         string     `json:"output,omitempty"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	ExecutionCount int64      `json:"execution_count,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// Skipped reports whether the task was not due
func (r *ExecutionResult) Skipped() bool { return r.Status == ExecutionStatusSkipped }

// Succeeded reports whether the work function completed and was recorded
func (r *ExecutionResult) Succeeded() bool { return r.Status == ExecutionStatusSucceeded }

// Failed reports whether the work function or its bookkeeping failed
func (r *ExecutionResult) Failed() bool { return r.Status == ExecutionStatusFailed }
