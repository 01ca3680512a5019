package model

import (
	"time"
)

// TaskRecord is the persisted bookkeeping for one registered task
type TaskRecord struct {
	TaskName       string       `json:"task_name"`
	Description    string       `json:"description"`
	ScheduleKind   ScheduleKind `json:"schedule_kind"`
	PeriodSeconds  int64        `json:"period_seconds,omitempty"`
	CronExpression string       `json:"cron_expression,omitempty"`

	// Execution bookkeeping
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	ExecutionCount int64      `json:"execution_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleDetail returns the cron expression or the period, whichever applies
func (r *TaskRecord) ScheduleDetail() string {
	if r.ScheduleKind == ScheduleKindCron {
		return r.CronExpression
	}
	return formatSeconds(r.PeriodSeconds)
}

// SameSchedule reports whether the stored schedule metadata equals the declared one
func (r *TaskRecord) SameSchedule(declared TaskRecord) bool {
	return r.Description == declared.Description &&
		r.ScheduleKind == declared.ScheduleKind &&
		r.PeriodSeconds == declared.PeriodSeconds &&
		r.CronExpression == declared.CronExpression
}

// ApplySchedule copies the declared schedule metadata onto the record
func (r *TaskRecord) ApplySchedule(declared TaskRecord) {
	r.Description = declared.Description
	r.ScheduleKind = declared.ScheduleKind
	r.PeriodSeconds = declared.PeriodSeconds
	r.CronExpression = declared.CronExpression
}

// Clone returns a deep copy of the record
func (r *TaskRecord) Clone() *TaskRecord {
	c := *r
	if r.LastExecutedAt != nil {
		last := *r.LastExecutedAt
		c.LastExecutedAt = &last
	}
	return &c
}
