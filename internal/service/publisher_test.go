package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/ping-scheduler/internal/config"
	"github.com/t77yq/ping-scheduler/internal/model"
	"github.com/t77yq/ping-scheduler/internal/testutil"
)

func newPublisher(t *testing.T) *ResultPublisher {
	t.Helper()

	_, _, js := testutil.StartJetStream(t)
	p := NewResultPublisher(js, "SCHEDULER", "scheduler", zaptest.NewLogger(t))
	require.NoError(t, p.EnsureStream(context.Background()))
	require.NoError(t, testutil.WaitForStream(t, js, "SCHEDULER", 5*time.Second))
	return p
}

func TestResultPublisher_EnsureStreamIdempotent(t *testing.T) {
	p := newPublisher(t)
	assert.NoError(t, p.EnsureStream(context.Background()))
}

func TestResultPublisher_PublishSuccess(t *testing.T) {
	p := newPublisher(t)
	ctx := context.Background()

	executedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err := p.PublishResult(ctx, &model.ExecutionResult{
		TaskName:       "nightly.backup",
		Status:         model.ExecutionStatusSucceeded,
		Output:         "done",
		ExecutedAt:     &executedAt,
		ExecutionCount: 3,
	})
	require.NoError(t, err)

	msgs, err := testutil.ConsumeMessages(p.js, "scheduler.result.nightly_backup", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got model.ExecutionResult
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "nightly.backup", got.TaskName)
	assert.True(t, got.Succeeded())
	assert.Equal(t, int64(3), got.ExecutionCount)

	alerts, err := testutil.ConsumeMessages(p.js, "scheduler.alert.>", 1, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestResultPublisher_PublishFailureRaisesAlert(t *testing.T) {
	p := newPublisher(t)
	ctx := context.Background()

	err := p.PublishResult(ctx, &model.ExecutionResult{
		TaskName:     "report",
		Status:       model.ExecutionStatusFailed,
		Forced:       true,
		Output:       "partial",
		ErrorMessage: "exit status 1",
	})
	require.NoError(t, err)

	msgs, err := testutil.ConsumeMessages(p.js, p.AlertSubject(model.AlertTypeTaskFailure), 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var alert model.Alert
	require.NoError(t, json.Unmarshal(msgs[0].Data, &alert))
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, "report", alert.TaskName)
	assert.Equal(t, model.AlertSeverityWarning, alert.Severity)
	assert.Contains(t, alert.Message, "exit status 1")
	assert.Equal(t, "partial", alert.Data["output"])
}

func TestResultPublisher_subscribeResults(t *testing.T) {
	p := newPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *model.ExecutionResult, 1)
	require.NoError(t, p.subscribeResults(ctx, func(r *model.ExecutionResult) {
		received <- r
	}))

	require.NoError(t, p.PublishResult(ctx, &model.ExecutionResult{
		TaskName: "heartbeat",
		Status:   model.ExecutionStatusSucceeded,
	}))

	select {
	case r := <-received:
		assert.Equal(t, "heartbeat", r.TaskName)
	case <-time.After(2 * time.Second):
		t.Fatal("result not delivered")
	}
}

func TestResultPublisher_PublishHostStats(t *testing.T) {
	p := newPublisher(t)

	require.NoError(t, p.PublishHostStats(context.Background(), &model.HostStats{
		CPUUsage:    12.5,
		MemoryTotal: 1024,
	}))

	msgs, err := testutil.ConsumeMessages(p.js, "scheduler.metrics.host", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got model.HostStats
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, 12.5, got.CPUUsage)
	assert.Equal(t, uint64(1024), got.MemoryTotal)
}

func TestConnect(t *testing.T) {
	s, _, _ := testutil.StartJetStream(t)

	nc, js, err := Connect(config.NATSConfig{
		URL:            s.ClientURL(),
		ConnectTimeout: time.Second,
		MaxReconnects:  1,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer nc.Close()
	assert.NotNil(t, js)

	_, _, err = Connect(config.NATSConfig{URL: "nats://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "a_b_c", subjectToken("a.b c"))
	assert.Equal(t, "plain", subjectToken("plain"))
}
