// Package handler turns declarative task entries from the configuration into
// work functions.
package handler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/ping-scheduler/internal/config"
	"github.com/t77yq/ping-scheduler/internal/executor"
)

const (
	TypeShellCommand = "shell_command"
	TypeHTTPRequest  = "http_request"
	TypeSQLExec      = "sql_exec"
	TypeFileCleanup  = "file_cleanup"
)

const (
	defaultRetryDelay = time.Second
	maxRetryDelay     = time.Minute
)

var (
	// ErrUnknownType is returned for task types no handler serves
	ErrUnknownType = errors.New("unknown task type")

	// ErrMissingField is returned when a required type-specific field is empty
	ErrMissingField = errors.New("missing task field")
)

// Factory builds work functions for declarative tasks
type Factory struct {
	logger *zap.Logger
	client *http.Client
	db     *sql.DB
}

// NewFactory creates a factory. db may be nil, in which case sql_exec
// tasks are rejected.
func NewFactory(logger *zap.Logger, db *sql.DB) *Factory {
	return &Factory{
		logger: logger.Named("handler"),
		client: &http.Client{Timeout: 30 * time.Second},
		db:     db,
	}
}

// Build returns the work function for tc. The timeout bounds each attempt
// when retries are configured.
func (f *Factory) Build(tc config.TaskConfig) (executor.WorkFunc, error) {
	var work executor.WorkFunc

	switch tc.Type {
	case TypeShellCommand:
		h, err := NewShellCommandHandler(f.logger, ShellCommandPayload{
			Command:    tc.Command,
			Args:       tc.Args,
			Env:        tc.Env,
			WorkingDir: tc.WorkingDir,
		})
		if err != nil {
			return nil, err
		}
		work = h.Execute

	case TypeHTTPRequest:
		h, err := NewHTTPRequestHandler(f.logger, f.client, HTTPRequestPayload{
			URL:            tc.URL,
			Method:         tc.Method,
			Headers:        tc.Headers,
			Body:           tc.Body,
			ExpectedStatus: tc.ExpectedStatus,
		})
		if err != nil {
			return nil, err
		}
		work = h.Execute

	case TypeSQLExec:
		h, err := NewDatabaseOperationHandler(f.logger, f.db, tc.Query)
		if err != nil {
			return nil, err
		}
		work = h.Execute

	case TypeFileCleanup:
		h, err := NewFileCleanupHandler(f.logger, FileCleanupPayload{
			Dir:     tc.Path,
			Pattern: tc.Pattern,
			MaxAge:  tc.MaxAge,
		})
		if err != nil {
			return nil, err
		}
		work = h.Execute

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tc.Type)
	}

	work = WithTimeout(work, tc.Timeout)
	if tc.Retries > 0 {
		delay := tc.RetryDelay
		if delay <= 0 {
			delay = defaultRetryDelay
		}
		work = WithRetry(work, tc.Retries+1, &ExponentialBackoff{
			InitialDelay: delay,
			MaxDelay:     maxRetryDelay,
			Multiplier:   2,
		}, f.logger.With(zap.String("task", tc.Name)))
	}
	return work, nil
}

// WithTimeout bounds each call of work by d. A non-positive d returns work unchanged.
func WithTimeout(work executor.WorkFunc, d time.Duration) executor.WorkFunc {
	if d <= 0 {
		return work
	}
	return func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return work(ctx)
	}
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}
