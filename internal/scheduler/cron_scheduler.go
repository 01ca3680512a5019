package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SelfPinger calls RunAll on an in-process cron schedule, for deployments
// that have no external pinger. The registry itself stays timer-free.
type SelfPinger struct {
	logger   *zap.Logger
	registry *Registry
	cron     *cron.Cron
	spec     string
	entryID  cron.EntryID
	timeout  time.Duration
	last     atomic.Pointer[RunReport]
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewSelfPinger schedules registry pings on spec, which accepts the standard
// five fields as well as descriptors such as "@every 30s". Each ping is
// bounded by timeout when it is positive.
func NewSelfPinger(registry *Registry, spec string, timeout time.Duration, logger *zap.Logger) (*SelfPinger, error) {
	cl := &cronLogger{logger: logger.Named("cron")}
	c := cron.New(
		cron.WithLocation(registry.config.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	p := &SelfPinger{
		logger:   logger.Named("self-ping"),
		registry: registry,
		cron:     c,
		spec:     spec,
		timeout:  timeout,
	}

	id, err := c.AddJob(spec, &pingJob{pinger: p})
	if err != nil {
		return nil, fmt.Errorf("invalid self ping schedule %q: %w", spec, err)
	}
	p.entryID = id
	return p, nil
}

// Start starts the cron loop in the background
func (p *SelfPinger) Start() {
	p.cron.Start()
	p.logger.Info("Self ping started",
		zap.String("schedule", p.spec),
		zap.Time("next_ping", p.cron.Entry(p.entryID).Next))
}

// Stop stops the loop and waits for a running ping to finish
func (p *SelfPinger) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.logger.Info("Self ping stopped")
}

// LastReport returns the report of the most recent ping, or nil
func (p *SelfPinger) LastReport() *RunReport {
	return p.last.Load()
}

// Ping runs one pass immediately
func (p *SelfPinger) Ping(ctx context.Context) *RunReport {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	report := p.registry.RunAll(ctx, time.Now())
	p.last.Store(report)

	if !report.Success {
		p.logger.Warn("Self ping finished with failures",
			zap.String("message", report.Message),
			zap.Int("failed", report.Failed))
	}
	return report
}

// pingJob implements cron.Job
type pingJob struct {
	pinger *SelfPinger
}

// Run implements cron.Job
func (j *pingJob) Run() {
	j.pinger.Ping(context.Background())
}
