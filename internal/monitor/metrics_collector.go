// Package monitor samples host statistics for the status endpoint.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/ping-scheduler/internal/model"
)

// StatsPublisher receives each collected snapshot
type StatsPublisher interface {
	PublishHostStats(ctx context.Context, stats *model.HostStats) error
}

// MetricsCollector periodically samples CPU, memory and load and keeps the
// latest snapshot
type MetricsCollector struct {
	logger    *zap.Logger
	interval  time.Duration
	publisher StatsPublisher

	mu     sync.RWMutex
	latest *model.HostStats

	stop chan struct{}
	done chan struct{}
}

// NewMetricsCollector creates a new metrics collector. publisher may be nil.
func NewMetricsCollector(interval time.Duration, publisher StatsPublisher, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:    logger.Named("metrics-collector"),
		interval:  interval,
		publisher: publisher,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start takes a first sample and then collects every interval in the
// background until Stop is called or ctx is done
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	c.collect(ctx)
	go c.collectLoop(ctx)
}

// Stop stops the collection loop and waits for it to exit
func (c *MetricsCollector) Stop() {
	c.logger.Info("Stopping metrics collector")
	close(c.stop)
	<-c.done
}

// Latest returns the most recent snapshot, or nil before the first one
func (c *MetricsCollector) Latest() *model.HostStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return nil
	}
	stats := *c.latest
	return &stats
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *MetricsCollector) collect(ctx context.Context) {
	stats, err := Snapshot(ctx)
	if err != nil {
		c.logger.Error("Failed to collect host stats", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.latest = stats
	c.mu.Unlock()

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage))

	if c.publisher != nil {
		if err := c.publisher.PublishHostStats(ctx, stats); err != nil {
			c.logger.Error("Failed to publish host stats", zap.Error(err))
		}
	}
}

// Snapshot samples the host once. CPU usage is measured since the previous
// call, so the first value reflects the time since boot. Load averages are
// left zero on platforms that do not report them.
func Snapshot(ctx context.Context) (*model.HostStats, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	stats := &model.HostStats{
		MemoryUsage: memInfo.UsedPercent,
		MemoryTotal: memInfo.Total,
		CollectedAt: time.Now(),
	}
	if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = avg.Load1
		stats.Load5 = avg.Load5
		stats.Load15 = avg.Load15
	}

	return stats, nil
}
