package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/ping-scheduler/internal/executor"
	"github.com/t77yq/ping-scheduler/internal/model"
	"github.com/t77yq/ping-scheduler/internal/schedule"
	"github.com/t77yq/ping-scheduler/internal/storage"
)

// TaskInfo is the read-only view of a registered task and its bookkeeping
type TaskInfo struct {
	Name              string             `json:"name"`
	Description       string             `json:"description"`
	ScheduleKind      model.ScheduleKind `json:"schedule_kind"`
	ScheduleDetail    string             `json:"schedule_detail"`
	PeriodSeconds     int64              `json:"period_seconds,omitempty"`
	PeriodInWords     string             `json:"period_in_words,omitempty"`
	CronExpression    string             `json:"cron_expression,omitempty"`
	CronHumanReadable string             `json:"cron_human_readable,omitempty"`
	LastExecutedAt    *time.Time         `json:"last_executed_at"`
	ExecutionCount    int64              `json:"execution_count"`
	RecentlyExecuted  bool               `json:"recently_executed"`
	NextEligibleAt    *time.Time         `json:"next_eligible_at"`
	SecondsUntilNext  int64              `json:"seconds_until_next_execution"`
}

// ListTaskInfo describes every registered task in registration order. When
// the stat store is missing or failing the counters fall back to "never run"
// and the second result is false.
func (r *Registry) ListTaskInfo(ctx context.Context, now time.Time) ([]TaskInfo, bool) {
	now = now.In(r.config.Location)
	records, statsAvailable := r.loadRecords(ctx)

	tasks := r.snapshot()
	infos := make([]TaskInfo, 0, len(tasks))
	for _, task := range tasks {
		infos = append(infos, describeTask(task, records[task.Name], now))
	}
	return infos, statsAvailable
}

// TaskInfo describes a single task, or fails with ErrTaskNotFound
func (r *Registry) TaskInfo(ctx context.Context, name string, now time.Time) (*TaskInfo, bool, error) {
	task, err := r.lookup(name)
	if err != nil {
		return nil, false, err
	}
	now = now.In(r.config.Location)

	if ok, err := r.stats.Exists(ctx); err != nil || !ok {
		info := describeTask(task, nil, now)
		return &info, false, nil
	}

	rec, err := r.stats.Get(ctx, name)
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		rec = nil
	case err != nil:
		r.logger.Warn("Task stats unavailable", zap.String("task", name), zap.Error(err))
		info := describeTask(task, nil, now)
		return &info, false, nil
	}

	info := describeTask(task, rec, now)
	return &info, true, nil
}

func (r *Registry) loadRecords(ctx context.Context) (map[string]*model.TaskRecord, bool) {
	ok, err := r.stats.Exists(ctx)
	if err != nil {
		r.logger.Warn("Failed to check task stat store", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	list, err := r.stats.List(ctx)
	if err != nil {
		r.logger.Warn("Task stats unavailable", zap.Error(err))
		return nil, false
	}

	records := make(map[string]*model.TaskRecord, len(list))
	for _, rec := range list {
		records[rec.TaskName] = rec
	}
	return records, true
}

// describeTask combines the declared schedule with the stored counters. A nil
// record reads as a task that never ran.
func describeTask(task *executor.Task, rec *model.TaskRecord, now time.Time) TaskInfo {
	spec := task.Schedule
	info := TaskInfo{
		Name:           task.Name,
		Description:    task.Description,
		ScheduleKind:   spec.Kind(),
		ScheduleDetail: spec.Detail(),
	}

	if spec.Kind() == model.ScheduleKindCron {
		info.CronExpression = spec.Expression().Source()
		info.CronHumanReadable = spec.Describe()
	} else {
		info.PeriodSeconds = spec.PeriodSeconds()
		info.PeriodInWords = schedule.FormatPeriod(spec.PeriodSeconds())
	}

	var last *time.Time
	if rec != nil {
		last = rec.LastExecutedAt
		info.LastExecutedAt = rec.LastExecutedAt
		info.ExecutionCount = rec.ExecutionCount
	}

	info.RecentlyExecuted = spec.RecentlyExecuted(last, now)
	if next, ok := spec.NextEligibleAt(last, now); ok {
		info.NextEligibleAt = &next
	}
	info.SecondsUntilNext = spec.SecondsUntilNext(last, now)
	return info
}
