package handler

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// DatabaseOperationHandler runs a maintenance statement against the
// scheduler's own database, e.g. VACUUM or a purge query
type DatabaseOperationHandler struct {
	logger *zap.Logger
	db     *sql.DB
	query  string
}

// NewDatabaseOperationHandler creates a new database operation handler
func NewDatabaseOperationHandler(logger *zap.Logger, db *sql.DB, query string) (*DatabaseOperationHandler, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: sql_exec needs the sqlite storage driver", ErrMissingField)
	}
	if query == "" {
		return nil, missing("query")
	}
	return &DatabaseOperationHandler{
		logger: logger,
		db:     db,
		query:  query,
	}, nil
}

// Execute runs the statement and reports the affected row count
func (h *DatabaseOperationHandler) Execute(ctx context.Context) (string, error) {
	h.logger.Info("Executing database operation", zap.String("query", h.query))

	result, err := h.db.ExecContext(ctx, h.query)
	if err != nil {
		return "", fmt.Errorf("failed to execute statement: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get affected rows: %w", err)
	}
	return fmt.Sprintf("%d rows affected", affected), nil
}
