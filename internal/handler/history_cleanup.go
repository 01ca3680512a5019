package handler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/ping-scheduler/internal/executor"
	"github.com/t77yq/ping-scheduler/internal/storage"
)

// HistoryCleanupTaskName is the name of the built-in retention task
const HistoryCleanupTaskName = "history_cleanup"

// NewHistoryCleanup returns work that deletes history older than retention
func NewHistoryCleanup(history storage.TaskHistoryStorage, retention time.Duration, logger *zap.Logger) executor.WorkFunc {
	return func(ctx context.Context) (string, error) {
		cutoff := time.Now().Add(-retention)
		deleted, err := history.DeleteBefore(ctx, cutoff)
		if err != nil {
			return "", fmt.Errorf("failed to cleanup old task history: %w", err)
		}
		logger.Debug("History cleanup finished", zap.Int64("deleted", deleted))
		return fmt.Sprintf("deleted %d history records", deleted), nil
	}
}
