package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ShellCommandPayload describes a command to run
type ShellCommandPayload struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
}

// ShellCommandHandler runs a fixed command on every execution
type ShellCommandHandler struct {
	logger  *zap.Logger
	payload ShellCommandPayload
}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler(logger *zap.Logger, payload ShellCommandPayload) (*ShellCommandHandler, error) {
	if payload.Command == "" {
		return nil, missing("command")
	}
	return &ShellCommandHandler{
		logger:  logger,
		payload: payload,
	}, nil
}

// Execute runs the command and returns its combined output
func (h *ShellCommandHandler) Execute(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, h.payload.Command, h.payload.Args...)

	if h.payload.WorkingDir != "" {
		cmd.Dir = h.payload.WorkingDir
	}

	if len(h.payload.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range h.payload.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	h.logger.Info("Executing shell command",
		zap.String("command", h.payload.Command),
		zap.Strings("args", h.payload.Args))

	output, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(output))

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return trimmed, fmt.Errorf("command execution timed out: %w", ctx.Err())
		}
		if trimmed != "" {
			return trimmed, fmt.Errorf("command failed: %w: %s", err, trimmed)
		}
		return trimmed, fmt.Errorf("command failed: %w", err)
	}

	return trimmed, nil
}
