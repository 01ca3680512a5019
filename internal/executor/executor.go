package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/ping-scheduler/internal/model"
	"github.com/t77yq/ping-scheduler/internal/schedule"
	"github.com/t77yq/ping-scheduler/internal/storage"
)

// WorkFunc is the body of a task. The returned string is reported as the
// run's output.
type WorkFunc func(ctx context.Context) (string, error)

// Task is a registered unit of work with its schedule
type Task struct {
	Name        string
	Description string
	Schedule    schedule.Spec
	Work        WorkFunc
}

// ResultPublisher receives every result that was not skipped
type ResultPublisher interface {
	PublishResult(ctx context.Context, result *model.ExecutionResult) error
}

// Option configures an Executor
type Option func(*Executor)

// WithHistory records every executed run in h
func WithHistory(h storage.TaskHistoryStorage) Option {
	return func(e *Executor) { e.history = h }
}

// WithPublisher forwards executed results to p
func WithPublisher(p ResultPublisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// Executor decides whether a task is due and runs it. Runs of the same task
// are serialized; different tasks never block each other.
type Executor struct {
	logger    *zap.Logger
	stats     storage.TaskStatStore
	history   storage.TaskHistoryStorage
	publisher ResultPublisher
	locks     sync.Map
	clock     func() time.Time
}

// NewExecutor creates a new executor backed by stats
func NewExecutor(stats storage.TaskStatStore, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger: logger.Named("executor"),
		stats:  stats,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run evaluates task at now. Unless force is set a task that is not due is
// skipped. The stored record is only advanced when the work succeeds.
func (e *Executor) Run(ctx context.Context, task *Task, now time.Time, force bool) *model.ExecutionResult {
	mu := e.lock(task.Name)
	mu.Lock()
	defer mu.Unlock()

	logger := e.logger.With(zap.String("task", task.Name), zap.Bool("forced", force))

	rec, err := e.stats.GetOrInit(ctx, task.Schedule.Record(task.Name, task.Description))
	if err != nil {
		logger.Error("Failed to load task record", zap.Error(err))
		return failed(task.Name, now, force, fmt.Errorf("failed to load task record: %w", err))
	}

	if !force && !task.Schedule.IsDue(rec.LastExecutedAt, now) {
		result := &model.ExecutionResult{
			TaskName: task.Name,
			Status:   model.ExecutionStatusSkipped,
			Reason:   model.SkipReasonNotDue,
		}
		if next, ok := task.Schedule.NextEligibleAt(rec.LastExecutedAt, now); ok {
			result.NextEligibleAt = &next
			if remaining := next.Sub(now); remaining > 0 {
				result.SecondsUntilNext = int64(remaining / time.Second)
			}
		}
		logger.Debug("Task not due", zap.Int64("seconds_until_next", result.SecondsUntilNext))
		return result
	}

	entry := e.startHistory(ctx, task.Name, force)

	logger.Info("Executing task", zap.Time("now", now))
	output, workErr := e.invoke(ctx, task)

	var result *model.ExecutionResult
	if workErr != nil {
		logger.Error("Task failed", zap.Error(workErr))
		result = failed(task.Name, now, force, workErr)
	} else if updated, err := e.stats.RecordExecution(ctx, task.Name, now); err != nil {
		logger.Error("Failed to record execution", zap.Error(err))
		result = failed(task.Name, now, force, fmt.Errorf("failed to record execution: %w", err))
		result.Output = output
	} else {
		executedAt := now
		result = &model.ExecutionResult{
			TaskName:       task.Name,
			Status:         model.ExecutionStatusSucceeded,
			Forced:         force,
			Output:         output,
			ExecutedAt:     &executedAt,
			ExecutionCount: updated.ExecutionCount,
		}
		if next, ok := task.Schedule.NextEligibleAt(updated.LastExecutedAt, now); ok {
			result.NextEligibleAt = &next
		}
		logger.Info("Task completed", zap.Int64("execution_count", updated.ExecutionCount))
	}

	e.finishHistory(ctx, entry, result)
	e.publish(ctx, result)
	return result
}

// invoke runs the work function, turning a panic into an error
func (e *Executor) invoke(ctx context.Context, task *Task) (output string, err error) {
	if task.Work == nil {
		return "", ErrNoWork
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkPanicked, r)
		}
	}()
	return task.Work(ctx)
}

func (e *Executor) lock(name string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (e *Executor) startHistory(ctx context.Context, taskName string, force bool) *storage.TaskHistory {
	if e.history == nil {
		return nil
	}

	entry := &storage.TaskHistory{
		ID:        uuid.New().String(),
		TaskName:  taskName,
		Status:    model.ExecutionStatusRunning,
		Forced:    force,
		StartedAt: e.clock(),
	}
	if err := e.history.Store(ctx, entry); err != nil {
		e.logger.Error("Failed to store task history",
			zap.String("task", taskName),
			zap.Error(err))
		return nil
	}
	return entry
}

func (e *Executor) finishHistory(ctx context.Context, entry *storage.TaskHistory, result *model.ExecutionResult) {
	if entry == nil {
		return
	}

	completedAt := e.clock()
	entry.Status = result.Status
	entry.Output = result.Output
	entry.Error = result.ErrorMessage
	entry.CompletedAt = &completedAt
	entry.Duration = completedAt.Sub(entry.StartedAt)

	if err := e.history.Update(ctx, entry); err != nil {
		e.logger.Error("Failed to update task history",
			zap.String("task", entry.TaskName),
			zap.Error(err))
	}
}

func (e *Executor) publish(ctx context.Context, result *model.ExecutionResult) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishResult(ctx, result); err != nil {
		e.logger.Error("Failed to publish task result",
			zap.String("task", result.TaskName),
			zap.Error(err))
	}
}

func failed(name string, now time.Time, force bool, err error) *model.ExecutionResult {
	executedAt := now
	return &model.ExecutionResult{
		TaskName:     name,
		Status:       model.ExecutionStatusFailed,
		Forced:       force,
		ExecutedAt:   &executedAt,
		ErrorMessage: err.Error(),
	}
}
