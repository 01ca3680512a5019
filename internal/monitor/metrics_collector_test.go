package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/ping-scheduler/internal/model"
)

type recordingPublisher struct {
	mu    sync.Mutex
	stats []*model.HostStats
}

func (p *recordingPublisher) PublishHostStats(_ context.Context, stats *model.HostStats) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = append(p.stats, stats)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stats)
}

func TestSnapshot(t *testing.T) {
	stats, err := Snapshot(context.Background())
	require.NoError(t, err)

	assert.Greater(t, stats.MemoryTotal, uint64(0))
	assert.GreaterOrEqual(t, stats.MemoryUsage, 0.0)
	assert.LessOrEqual(t, stats.MemoryUsage, 100.0)
	assert.GreaterOrEqual(t, stats.CPUUsage, 0.0)
	assert.WithinDuration(t, time.Now(), stats.CollectedAt, 5*time.Second)
}

func TestMetricsCollector(t *testing.T) {
	publisher := &recordingPublisher{}
	collector := NewMetricsCollector(50*time.Millisecond, publisher, zaptest.NewLogger(t))

	assert.Nil(t, collector.Latest())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector.Start(ctx)
	require.NotNil(t, collector.Latest())

	assert.Eventually(t, func() bool {
		return publisher.count() >= 3
	}, 2*time.Second, 20*time.Millisecond)

	collector.Stop()
	stopped := publisher.count()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, stopped, publisher.count())
}

func TestMetricsCollector_LatestIsCopy(t *testing.T) {
	collector := NewMetricsCollector(time.Hour, nil, zaptest.NewLogger(t))
	collector.Start(context.Background())
	defer collector.Stop()

	first := collector.Latest()
	require.NotNil(t, first)
	first.CPUUsage = -1

	assert.NotEqual(t, -1.0, collector.Latest().CPUUsage)
}
