package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/ping-scheduler/internal/model"
	"github.com/t77yq/ping-scheduler/internal/schedule"
	"github.com/t77yq/ping-scheduler/internal/storage"
)

var base = time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu      sync.Mutex
	results []*model.ExecutionResult
}

func (p *recordingPublisher) PublishResult(ctx context.Context, result *model.ExecutionResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
	return nil
}

func periodTask(t *testing.T, name string, every time.Duration, work WorkFunc) *Task {
	t.Helper()
	spec, err := schedule.Period(every)
	require.NoError(t, err)
	return &Task{Name: name, Description: name, Schedule: spec, Work: work}
}

func cronTask(t *testing.T, name, expr string, work WorkFunc) *Task {
	t.Helper()
	spec, err := schedule.Cron(expr)
	require.NoError(t, err)
	return &Task{Name: name, Description: name, Schedule: spec, Work: work}
}

func counting(calls *int32, output string, err error) WorkFunc {
	return func(ctx context.Context) (string, error) {
		atomic.AddInt32(calls, 1)
		return output, err
	}
}

func TestExecutor_RunPeriodTask(t *testing.T) {
	ctx := context.Background()
	stats := storage.NewMemoryStatStore()
	exec := NewExecutor(stats, zaptest.NewLogger(t))

	var calls int32
	task := periodTask(t, "sync", 5*time.Minute, counting(&calls, "synced", nil))

	result := exec.Run(ctx, task, base, false)
	require.Equal(t, model.ExecutionStatusSucceeded, result.Status)
	assert.Equal(t, "synced", result.Output)
	assert.Equal(t, int64(1), result.ExecutionCount)
	require.NotNil(t, result.ExecutedAt)
	assert.Equal(t, base, *result.ExecutedAt)
	require.NotNil(t, result.NextEligibleAt)
	assert.Equal(t, base.Add(5*time.Minute), *result.NextEligibleAt)

	result = exec.Run(ctx, task, base.Add(time.Minute), false)
	require.Equal(t, model.ExecutionStatusSkipped, result.Status)
	assert.Equal(t, model.SkipReasonNotDue, result.Reason)
	assert.Equal(t, int64(240), result.SecondsUntilNext)
	require.NotNil(t, result.NextEligibleAt)
	assert.Equal(t, base.Add(5*time.Minute), *result.NextEligibleAt)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	result = exec.Run(ctx, task, base.Add(5*time.Minute), false)
	require.Equal(t, model.ExecutionStatusSucceeded, result.Status)
	assert.Equal(t, int64(2), result.ExecutionCount)

	rec, err := stats.Get(ctx, "sync")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.ExecutionCount)
	assert.Equal(t, base.Add(5*time.Minute), *rec.LastExecutedAt)
}

func TestExecutor_ForcedRunAdvancesRecord(t *testing.T) {
	ctx := context.Background()
	stats := storage.NewMemoryStatStore()
	exec := NewExecutor(stats, zaptest.NewLogger(t))

	var calls int32
	task := cronTask(t, "nightly", "0 3 * * *", counting(&calls, "done", nil))

	result := exec.Run(ctx, task, base, false)
	require.True(t, result.Skipped())

	result = exec.Run(ctx, task, base, true)
	require.True(t, result.Succeeded())
	assert.True(t, result.Forced)
	assert.Equal(t, int64(1), result.ExecutionCount)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	rec, err := stats.Get(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, base, *rec.LastExecutedAt)
}

func TestExecutor_FailureLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	stats := storage.NewMemoryStatStore()
	exec := NewExecutor(stats, zaptest.NewLogger(t))

	fail := true
	task := cronTask(t, "hourly", "0 * * * *", func(ctx context.Context) (string, error) {
		if fail {
			return "", errors.New("upstream unavailable")
		}
		return "ok", nil
	})

	result := exec.Run(ctx, task, base.Add(-10*time.Second), false)
	require.True(t, result.Failed())
	assert.Equal(t, "upstream unavailable", result.ErrorMessage)
	require.NotNil(t, result.ExecutedAt)

	rec, err := stats.Get(ctx, "hourly")
	require.NoError(t, err)
	assert.Zero(t, rec.ExecutionCount)
	assert.Nil(t, rec.LastExecutedAt)

	// the window is still open so the next ping retries
	assert.True(t, task.Schedule.IsDue(rec.LastExecutedAt, base.Add(5*time.Second)))

	fail = false
	result = exec.Run(ctx, task, base.Add(5*time.Second), false)
	require.True(t, result.Succeeded())
	assert.Equal(t, int64(1), result.ExecutionCount)
}

func TestExecutor_PanicIsReportedAsFailure(t *testing.T) {
	ctx := context.Background()
	stats := storage.NewMemoryStatStore()
	exec := NewExecutor(stats, zap.NewNop())

	task := periodTask(t, "fragile", time.Minute, func(ctx context.Context) (string, error) {
		panic("nil map write")
	})

	result := exec.Run(ctx, task, base, false)
	require.True(t, result.Failed())
	assert.Contains(t, result.ErrorMessage, ErrWorkPanicked.Error())
	assert.Contains(t, result.ErrorMessage, "nil map write")

	rec, err := stats.Get(ctx, "fragile")
	require.NoError(t, err)
	assert.Zero(t, rec.ExecutionCount)
}

func TestExecutor_MissingWork(t *testing.T) {
	exec := NewExecutor(storage.NewMemoryStatStore(), zap.NewNop())
	task := periodTask(t, "empty", time.Minute, nil)

	result := exec.Run(context.Background(), task, base, false)
	require.True(t, result.Failed())
	assert.Equal(t, ErrNoWork.Error(), result.ErrorMessage)
}

func TestExecutor_SerializesSameTask(t *testing.T) {
	ctx := context.Background()
	exec := NewExecutor(storage.NewMemoryStatStore(), zap.NewNop())

	var calls int32
	task := periodTask(t, "once", time.Hour, func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return "", nil
	})

	var wg sync.WaitGroup
	var succeeded int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if exec.Run(ctx, task, base, false).Succeeded() {
				atomic.AddInt32(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&succeeded))
}

func TestExecutor_HistoryAndPublisher(t *testing.T) {
	ctx := context.Background()

	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	history, err := storage.NewSQLiteTaskHistory(db, zaptest.NewLogger(t))
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	exec := NewExecutor(storage.NewMemoryStatStore(), zaptest.NewLogger(t),
		WithHistory(history),
		WithPublisher(publisher))

	ok := periodTask(t, "ok", time.Hour, func(ctx context.Context) (string, error) { return "fine", nil })
	bad := periodTask(t, "bad", time.Hour, func(ctx context.Context) (string, error) { return "", errors.New("broken") })

	exec.Run(ctx, ok, base, false)
	exec.Run(ctx, ok, base.Add(time.Minute), false) // skipped
	exec.Run(ctx, bad, base, true)

	entries, err := history.List(ctx, storage.HistoryFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byTask := map[string]*storage.TaskHistory{}
	for _, e := range entries {
		byTask[e.TaskName] = e
	}
	assert.Equal(t, model.ExecutionStatusSucceeded, byTask["ok"].Status)
	assert.Equal(t, "fine", byTask["ok"].Output)
	assert.False(t, byTask["ok"].Forced)
	assert.NotNil(t, byTask["ok"].CompletedAt)

	assert.Equal(t, model.ExecutionStatusFailed, byTask["bad"].Status)
	assert.Equal(t, "broken", byTask["bad"].Error)
	assert.True(t, byTask["bad"].Forced)

	require.Len(t, publisher.results, 2)
	assert.Equal(t, "ok", publisher.results[0].TaskName)
	assert.Equal(t, "bad", publisher.results[1].TaskName)
}

func TestExecutor_StoreUnavailable(t *testing.T) {
	ctx := context.Background()

	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	stats, err := storage.NewSQLiteStatStore(db, zap.NewNop(), false)
	require.NoError(t, err)
	defer stats.Close()

	exec := NewExecutor(stats, zaptest.NewLogger(t))

	var calls int32
	task := periodTask(t, "sync", time.Minute, counting(&calls, "", nil))

	result := exec.Run(ctx, task, base, false)
	require.True(t, result.Failed())
	assert.Contains(t, result.ErrorMessage, storage.ErrStoreUnavailable.Error())
	assert.Zero(t, atomic.LoadInt32(&calls))
}
