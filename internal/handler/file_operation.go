package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// FileCleanupPayload selects the files removed on each run
type FileCleanupPayload struct {
	Dir     string
	Pattern string
	MaxAge  time.Duration
}

// FileCleanupHandler deletes files in a directory once they are older than
// MaxAge. Subdirectories are left alone.
type FileCleanupHandler struct {
	logger  *zap.Logger
	payload FileCleanupPayload
	now     func() time.Time
}

// NewFileCleanupHandler creates a new file cleanup handler. The pattern
// defaults to "*".
func NewFileCleanupHandler(logger *zap.Logger, payload FileCleanupPayload) (*FileCleanupHandler, error) {
	if payload.Dir == "" {
		return nil, missing("path")
	}
	if payload.MaxAge <= 0 {
		return nil, missing("max_age")
	}
	if payload.Pattern == "" {
		payload.Pattern = "*"
	}
	if _, err := filepath.Match(payload.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", payload.Pattern, err)
	}

	return &FileCleanupHandler{
		logger:  logger,
		payload: payload,
		now:     time.Now,
	}, nil
}

// Execute removes the expired files
func (h *FileCleanupHandler) Execute(ctx context.Context) (string, error) {
	entries, err := os.ReadDir(h.payload.Dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory: %w", err)
	}

	cutoff := h.now().Add(-h.payload.MaxAge)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Sprintf("removed %d files", removed), err
		}
		if entry.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(h.payload.Pattern, entry.Name()); !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Sprintf("removed %d files", removed), fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(h.payload.Dir, entry.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Sprintf("removed %d files", removed), fmt.Errorf("failed to remove %s: %w", path, err)
		}
		removed++
	}

	h.logger.Info("Removed expired files",
		zap.String("dir", h.payload.Dir),
		zap.Int("removed", removed))
	return fmt.Sprintf("removed %d files", removed), nil
}
