package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/ping-scheduler/internal/executor"
	"github.com/t77yq/ping-scheduler/internal/model"
	"github.com/t77yq/ping-scheduler/internal/scheduler"
	"github.com/t77yq/ping-scheduler/internal/storage"
)

type fixedHost struct{}

func (fixedHost) Latest() *model.HostStats {
	return &model.HostStats{CPUUsage: 42, MemoryTotal: 2048}
}

type fixture struct {
	server  *Server
	handler http.Handler
	calls   atomic.Int32
}

func newFixture(t *testing.T, stats storage.TaskStatStore, opts Options) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	history, err := storage.NewSQLiteTaskHistory(db, logger)
	require.NoError(t, err)

	exec := executor.NewExecutor(stats, logger, executor.WithHistory(history))
	registry := scheduler.NewRegistry(exec, stats, scheduler.Config{Location: time.UTC}, logger)

	f := &fixture{}
	require.NoError(t, registry.Register(scheduler.TaskDefinition{
		Name:   "digest",
		Period: time.Hour,
		Work: func(ctx context.Context) (string, error) {
			f.calls.Add(1)
			return "sent", nil
		},
	}))
	require.NoError(t, registry.Register(scheduler.TaskDefinition{
		Name: "broken",
		Cron: "* * * * *",
		Work: func(ctx context.Context) (string, error) {
			return "", errors.New("boom")
		},
	}))
	registry.Seal()

	f.server = New(registry, history, fixedHost{}, opts, logger)
	f.handler = f.server.Handler()
	return f
}

func newMemoryFixture(t *testing.T, opts Options) *fixture {
	return newFixture(t, storage.NewMemoryStatStore(), opts)
}

func (f *fixture) do(t *testing.T, method, target string, header http.Header) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func taskResult(t *testing.T, body map[string]interface{}, name string) map[string]interface{} {
	t.Helper()
	results, ok := body["task_results"].(map[string]interface{})
	require.True(t, ok)
	result, ok := results[name].(map[string]interface{})
	require.True(t, ok, "missing result for %s", name)
	return result
}

func TestPing(t *testing.T) {
	f := newMemoryFixture(t, Options{})

	code, body := f.do(t, http.MethodGet, "/scheduler/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "1 of 2 tasks failed", body["message"])
	assert.Equal(t, float64(2), body["total_tasks"])
	assert.Equal(t, []interface{}{"digest", "broken"}, body["task_order"])
	assert.Equal(t, "succeeded", taskResult(t, body, "digest")["status"])
	assert.Equal(t, "boom", taskResult(t, body, "broken")["error_message"])
	assert.NotEmpty(t, body["timestamp"])

	_, body = f.do(t, http.MethodGet, "/scheduler/ping", nil)
	assert.Equal(t, "skipped", taskResult(t, body, "digest")["status"])
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestPing_Disabled(t *testing.T) {
	f := newMemoryFixture(t, Options{Disabled: true})

	code, body := f.do(t, http.MethodGet, "/scheduler/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, messageDisabled, body["message"])
	assert.Nil(t, body["task_results"])
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestPing_NoTasks(t *testing.T) {
	logger := zap.NewNop()
	stats := storage.NewMemoryStatStore()
	registry := scheduler.NewRegistry(executor.NewExecutor(stats, logger), stats, scheduler.Config{}, logger)
	registry.Seal()

	f := &fixture{server: New(registry, nil, nil, Options{}, logger)}
	f.handler = f.server.Handler()

	code, body := f.do(t, http.MethodGet, "/scheduler/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "No tasks registered", body["message"])
	assert.Equal(t, float64(0), body["total_tasks"])
}

func newUnmigratedFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stats, err := storage.NewSQLiteStatStore(db, zaptest.NewLogger(t), false)
	require.NoError(t, err)
	return newFixture(t, stats, Options{})
}

func TestPing_MigrationRequired(t *testing.T) {
	f := newUnmigratedFixture(t)

	code, body := f.do(t, http.MethodGet, "/scheduler/ping", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, errorTypeMigrationRequired, body["error_type"])
	assert.Equal(t, int32(0), f.calls.Load())

	code, body = f.do(t, http.MethodPost, "/scheduler/execute/digest", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, errorTypeMigrationRequired, body["error_type"])
	assert.Equal(t, "digest", body["task_name"])

	code, body = f.do(t, http.MethodPost, "/scheduler/execute/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "unknown", body["task_name"])
	assert.Nil(t, body["error_type"])
}

func TestStatus(t *testing.T) {
	f := newMemoryFixture(t, Options{})
	f.do(t, http.MethodGet, "/scheduler/ping", nil)

	code, body := f.do(t, http.MethodGet, "/scheduler/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["scheduler_enabled"])
	assert.Equal(t, true, body["stats_available"])
	assert.Equal(t, float64(2), body["total_tasks"])
	assert.Equal(t, []interface{}{"digest", "broken"}, body["task_names"])

	infos, ok := body["tasks_info"].([]interface{})
	require.True(t, ok)
	require.Len(t, infos, 2)
	digest := infos[0].(map[string]interface{})
	assert.Equal(t, "digest", digest["name"])
	assert.Equal(t, float64(1), digest["execution_count"])
	assert.Equal(t, "1h", digest["period_in_words"])
	assert.Equal(t, true, digest["recently_executed"])

	broken := infos[1].(map[string]interface{})
	assert.Equal(t, float64(0), broken["execution_count"])
	assert.Equal(t, "cron", broken["schedule_kind"])

	host, ok := body["host"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), host["cpu_usage"])
}

func TestStatus_LastSelfPing(t *testing.T) {
	f := newMemoryFixture(t, Options{})

	_, body := f.do(t, http.MethodGet, "/scheduler/status", nil)
	assert.NotContains(t, body, "last_self_ping")

	pinger, err := scheduler.NewSelfPinger(f.server.registry, "@every 1h", 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	f.server.SetPingReports(pinger)

	_, body = f.do(t, http.MethodGet, "/scheduler/status", nil)
	assert.NotContains(t, body, "last_self_ping")

	pinger.Ping(context.Background())
	_, body = f.do(t, http.MethodGet, "/scheduler/status", nil)
	last, ok := body["last_self_ping"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), last["total_tasks"])
	assert.Equal(t, "1 of 2 tasks failed", last["message"])
}

func TestStatus_Degraded(t *testing.T) {
	f := newUnmigratedFixture(t)

	code, body := f.do(t, http.MethodGet, "/scheduler/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["stats_available"])

	infos := body["tasks_info"].([]interface{})
	require.Len(t, infos, 2)
	assert.Equal(t, float64(0), infos[0].(map[string]interface{})["execution_count"])
}

func TestExecute(t *testing.T) {
	f := newMemoryFixture(t, Options{})

	code, body := f.do(t, http.MethodPost, "/scheduler/execute/digest", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, messageTaskExecuted, body["message"])
	assert.Equal(t, "digest", body["task_name"])

	code, body = f.do(t, http.MethodPost, "/scheduler/execute/digest", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, model.SkipReasonNotDue, body["message"])
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "skipped", result["status"])

	_, body = f.do(t, http.MethodPost, "/scheduler/execute/digest?force=true", nil)
	assert.Equal(t, true, body["success"])
	result = body["result"].(map[string]interface{})
	assert.Equal(t, float64(2), result["execution_count"])
	assert.Equal(t, true, result["forced"])
	assert.Equal(t, int32(2), f.calls.Load())

	_, body = f.do(t, http.MethodPost, "/scheduler/execute/broken?force=true", nil)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "boom", body["message"])
}

func TestExecute_BadRequests(t *testing.T) {
	f := newMemoryFixture(t, Options{})

	code, body := f.do(t, http.MethodPost, "/scheduler/execute/", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, messageTaskNameRequired, body["message"])

	code, body = f.do(t, http.MethodPost, "/scheduler/execute/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "unknown", body["task_name"])
}

func TestTaskInfo(t *testing.T) {
	f := newMemoryFixture(t, Options{})

	code, body := f.do(t, http.MethodGet, "/scheduler/tasks/broken", nil)
	assert.Equal(t, http.StatusOK, code)
	task := body["task"].(map[string]interface{})
	assert.Equal(t, "* * * * *", task["cron_expression"])
	assert.Equal(t, float64(0), task["seconds_until_next_execution"])

	code, _ = f.do(t, http.MethodGet, "/scheduler/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHistory(t *testing.T) {
	f := newMemoryFixture(t, Options{})
	f.do(t, http.MethodGet, "/scheduler/ping", nil)
	f.do(t, http.MethodPost, "/scheduler/execute/digest?force=true", nil)

	code, body := f.do(t, http.MethodGet, "/scheduler/history", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(defaultHistoryLimit), body["limit"])

	_, body = f.do(t, http.MethodGet, "/scheduler/history?task=digest&limit=1", nil)
	assert.Equal(t, float64(2), body["total"])
	entries := body["history"].([]interface{})
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].(map[string]interface{})["forced"])

	_, body = f.do(t, http.MethodGet, "/scheduler/history?status=failed", nil)
	assert.Equal(t, float64(1), body["total"])

	since := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	_, body = f.do(t, http.MethodGet, "/scheduler/history?since="+since, nil)
	assert.Equal(t, float64(0), body["total"])
	assert.Equal(t, []interface{}{}, body["history"])

	for _, target := range []string{
		"/scheduler/history?since=yesterday",
		"/scheduler/history?limit=0",
		"/scheduler/history?offset=-1",
	} {
		code, _ := f.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, code, target)
	}
}

func TestHistory_Disabled(t *testing.T) {
	f := newMemoryFixture(t, Options{})
	f.server.history = nil
	f.handler = f.server.Handler()

	code, body := f.do(t, http.MethodGet, "/scheduler/history", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, messageHistoryDisabled, body["message"])
}

func TestAPIKey(t *testing.T) {
	f := newMemoryFixture(t, Options{APIKey: "secret"})

	code, body := f.do(t, http.MethodGet, "/scheduler/status", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, false, body["success"])

	code, _ = f.do(t, http.MethodGet, "/scheduler/status", http.Header{"X-Api-Key": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, "/scheduler/status", http.Header{"X-Api-Key": {"secret"}})
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodGet, "/scheduler/status?key=secret", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	f := newMemoryFixture(t, Options{Addr: "127.0.0.1:0"})

	require.NoError(t, f.server.Start())
	assert.Error(t, f.server.Start())
	addr := f.server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/scheduler/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
	assert.Empty(t, f.server.Addr())
	assert.NoError(t, f.server.Shutdown(ctx))
}
