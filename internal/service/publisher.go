// Package service publishes execution results and failure alerts to NATS
// JetStream.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/ping-scheduler/internal/config"
	"github.com/t77yq/ping-scheduler/internal/model"
)

// Connect dials the configured server and opens a JetStream context
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	logger = logger.Named("nats")

	opts := []nats.Option{
		nats.Name("ping-scheduler"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// ResultPublisher sends every executed result to <prefix>.result.<task>, an
// alert to <prefix>.alert.task_failure for each failure and host snapshots
// to <prefix>.metrics.host
type ResultPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	stream string
	prefix string
}

// NewResultPublisher creates a publisher on js
func NewResultPublisher(js nats.JetStreamContext, stream, prefix string, logger *zap.Logger) *ResultPublisher {
	return &ResultPublisher{
		js:     js,
		logger: logger.Named("publisher"),
		stream: stream,
		prefix: prefix,
	}
}

// EnsureStream creates the stream covering the prefix if it does not exist
func (p *ResultPublisher) EnsureStream(ctx context.Context) error {
	_, err := p.js.StreamInfo(p.stream, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     p.stream,
		Subjects: []string{p.prefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("Created stream",
		zap.String("stream", p.stream),
		zap.String("subjects", p.prefix+".>"))
	return nil
}

// PublishResult implements executor.ResultPublisher
func (p *ResultPublisher) PublishResult(ctx context.Context, result *model.ExecutionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if _, err := p.js.Publish(p.ResultSubject(result.TaskName), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}

	p.logger.Debug("Result published",
		zap.String("task", result.TaskName),
		zap.String("status", string(result.Status)))

	if result.Failed() {
		return p.publishAlert(ctx, result)
	}
	return nil
}

func (p *ResultPublisher) publishAlert(ctx context.Context, result *model.ExecutionResult) error {
	severity := model.AlertSeverityError
	if result.Forced {
		severity = model.AlertSeverityWarning
	}

	alert := &model.Alert{
		ID:        uuid.New().String(),
		Type:      model.AlertTypeTaskFailure,
		Severity:  severity,
		TaskName:  result.TaskName,
		Message:   fmt.Sprintf("Task %s failed: %s", result.TaskName, result.ErrorMessage),
		Forced:    result.Forced,
		CreatedAt: time.Now(),
	}
	if result.Output != "" {
		alert.Data = map[string]interface{}{"output": result.Output}
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if _, err := p.js.Publish(p.AlertSubject(alert.Type), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	p.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("task", alert.TaskName),
		zap.String("severity", string(alert.Severity)))
	return nil
}

// PublishHostStats implements monitor.StatsPublisher
func (p *ResultPublisher) PublishHostStats(ctx context.Context, stats *model.HostStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal host stats: %w", err)
	}

	if _, err := p.js.Publish(p.prefix+".metrics.host", data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish host stats: %w", err)
	}
	return nil
}

// subscribeResults delivers results for every task to handler until ctx is done
func (p *ResultPublisher) subscribeResults(ctx context.Context, handler func(*model.ExecutionResult)) error {
	sub, err := p.js.Subscribe(p.prefix+".result.*", func(msg *nats.Msg) {
		var result model.ExecutionResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			p.logger.Error("Failed to unmarshal result", zap.Error(err))
			msg.Term()
			return
		}

		handler(&result)
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to results: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

// ResultSubject returns the subject results for taskName are published on
func (p *ResultPublisher) ResultSubject(taskName string) string {
	return p.prefix + ".result." + subjectToken(taskName)
}

// AlertSubject returns the subject alerts of type t are published on
func (p *ResultPublisher) AlertSubject(t model.AlertType) string {
	return p.prefix + ".alert." + string(t)
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// subjectToken makes name safe to use as a single subject token
func subjectToken(name string) string {
	return tokenReplacer.Replace(name)
}
