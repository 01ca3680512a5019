// Package scheduler holds the set of registered tasks and runs them when a
// ping arrives. It owns no timer; see SelfPinger for an in-process driver.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/ping-scheduler/internal/executor"
	"github.com/t77yq/ping-scheduler/internal/model"
	"github.com/t77yq/ping-scheduler/internal/schedule"
	"github.com/t77yq/ping-scheduler/internal/storage"
)

// TaskDefinition describes a task at registration time. At most one of
// Period and Cron may be set; with neither the default period applies.
type TaskDefinition struct {
	Name        string
	Description string
	Period      time.Duration
	Cron        string
	Work        executor.WorkFunc
}

// Config tunes a Registry
type Config struct {
	// DefaultPeriod applies to definitions without a schedule
	DefaultPeriod time.Duration

	// MaxConcurrency above one lets RunAll evaluate tasks in parallel
	MaxConcurrency int

	// Location is the zone cron expressions are evaluated in
	Location *time.Location
}

// RunReport aggregates one RunAll pass
type RunReport struct {
	Success     bool                              `json:"success"`
	Message     string                            `json:"message"`
	ExecutedAt  time.Time                         `json:"executed_at"`
	TotalTasks  int                               `json:"total_tasks"`
	Executed    int                               `json:"executed"`
	Skipped     int                               `json:"skipped"`
	Failed      int                               `json:"failed"`
	TaskOrder   []string                          `json:"task_order"`
	TaskResults map[string]*model.ExecutionResult `json:"task_results"`
}

// Registry is the set of tasks known to the process. Tasks are registered
// during startup, after which Seal closes registration for good.
type Registry struct {
	logger *zap.Logger
	exec   *executor.Executor
	stats  storage.TaskStatStore
	config Config

	mu     sync.RWMutex
	tasks  map[string]*executor.Task
	order  []string
	sealed bool
}

// NewRegistry creates an empty registry
func NewRegistry(exec *executor.Executor, stats storage.TaskStatStore, config Config, logger *zap.Logger) *Registry {
	if config.DefaultPeriod <= 0 {
		config.DefaultPeriod = schedule.DefaultPeriod
	}
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = 1
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	return &Registry{
		logger: logger.Named("registry"),
		exec:   exec,
		stats:  stats,
		config: config,
		tasks:  make(map[string]*executor.Task),
	}
}

// Register adds a task. It fails with ErrLifecycle once sealed and with
// ErrConfiguration for definitions that cannot be scheduled.
func (r *Registry) Register(def TaskDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		r.logger.Error("Rejected task registration after startup", zap.String("task", def.Name))
		return fmt.Errorf("%w: %q", ErrLifecycle, def.Name)
	}

	task, err := r.build(def)
	if err != nil {
		return err
	}
	if _, exists := r.tasks[task.Name]; exists {
		return fmt.Errorf("%w: %w: %q", ErrConfiguration, ErrDuplicateTask, task.Name)
	}

	r.tasks[task.Name] = task
	r.order = append(r.order, task.Name)

	r.logger.Info("Registered task",
		zap.String("task", task.Name),
		zap.String("schedule_kind", string(task.Schedule.Kind())),
		zap.String("schedule", task.Schedule.Detail()))
	return nil
}

func (r *Registry) build(def TaskDefinition) (*executor.Task, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: task name is required", ErrConfiguration)
	}
	if def.Work == nil {
		return nil, fmt.Errorf("%w: task %q has no work function", ErrConfiguration, def.Name)
	}
	if def.Period != 0 && def.Cron != "" {
		return nil, fmt.Errorf("%w: task %q sets both period and cron", ErrConfiguration, def.Name)
	}

	var (
		spec schedule.Spec
		err  error
	)
	switch {
	case def.Cron != "":
		spec, err = schedule.Cron(def.Cron)
	case def.Period != 0:
		spec, err = schedule.Period(def.Period)
	default:
		spec, err = schedule.Period(r.config.DefaultPeriod)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: task %q: %w", ErrConfiguration, def.Name, err)
	}

	description := def.Description
	if description == "" {
		description = def.Name
	}
	return &executor.Task{
		Name:        def.Name,
		Description: description,
		Schedule:    spec,
		Work:        def.Work,
	}, nil
}

// Seal ends the registration phase
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.sealed {
		r.sealed = true
		r.logger.Info("Task registration closed", zap.Int("tasks", len(r.order)))
	}
}

// Sealed reports whether registration is closed
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// TaskCount returns the number of registered tasks
func (r *Registry) TaskCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// TaskNames returns the registered names in registration order
func (r *Registry) TaskNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, err := r.lookup(name)
	return err == nil
}

// StoreAvailable reports whether the stat store is provisioned
func (r *Registry) StoreAvailable(ctx context.Context) (bool, error) {
	return r.stats.Exists(ctx)
}

func (r *Registry) snapshot() []*executor.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*executor.Task, len(r.order))
	for i, name := range r.order {
		tasks[i] = r.tasks[name]
	}
	return tasks
}

func (r *Registry) lookup(name string) (*executor.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	return task, nil
}

// RunAll evaluates every task once at now. A failing task never prevents the
// others from running; Success is false if any task failed or none exist.
func (r *Registry) RunAll(ctx context.Context, now time.Time) *RunReport {
	now = now.In(r.config.Location)
	tasks := r.snapshot()

	report := &RunReport{
		ExecutedAt:  now,
		TotalTasks:  len(tasks),
		TaskOrder:   make([]string, len(tasks)),
		TaskResults: make(map[string]*model.ExecutionResult, len(tasks)),
	}
	if len(tasks) == 0 {
		report.Message = messageNoTasks
		return report
	}

	results := make([]*model.ExecutionResult, len(tasks))
	if r.config.MaxConcurrency > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.config.MaxConcurrency)
		for i, task := range tasks {
			g.Go(func() error {
				results[i] = r.exec.Run(gctx, task, now, false)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, task := range tasks {
			results[i] = r.exec.Run(ctx, task, now, false)
		}
	}

	for i, task := range tasks {
		result := results[i]
		report.TaskOrder[i] = task.Name
		report.TaskResults[task.Name] = result
		switch result.Status {
		case model.ExecutionStatusSucceeded:
			report.Executed++
		case model.ExecutionStatusSkipped:
			report.Skipped++
		case model.ExecutionStatusFailed:
			report.Failed++
		}
	}

	report.Success = report.Failed == 0
	if report.Success {
		report.Message = messageExecuted
	} else {
		report.Message = fmt.Sprintf(messagePartial, report.Failed, report.TotalTasks)
	}

	r.logger.Info("Ping processed",
		zap.Int("total", report.TotalTasks),
		zap.Int("executed", report.Executed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report
}

// RunOne evaluates a single task. With force the due check is bypassed but
// a successful run is still recorded.
func (r *Registry) RunOne(ctx context.Context, name string, now time.Time, force bool) (*model.ExecutionResult, error) {
	task, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return r.exec.Run(ctx, task, now.In(r.config.Location), force), nil
}
