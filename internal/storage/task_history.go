package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/ping-scheduler/internal/model"
)

// TaskHistory is one recorded run attempt. Skipped runs are never stored.
type TaskHistory struct {
	ID          string                `json:"id"`
	TaskName    string                `json:"task_name"`
	Status      model.ExecutionStatus `json:"status"`
	Forced      bool                  `json:"forced"`
	Output      string                `json:"output,omitempty"`
	Error       string                `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Duration    time.Duration         `json:"duration,omitempty"`
}

// HistoryFilter narrows List and Count. Zero fields match everything.
type HistoryFilter struct {
	TaskName string
	Status   model.ExecutionStatus
	Since    time.Time
}

// TaskHistoryStorage defines the interface for task history storage
type TaskHistoryStorage interface {
	// Store stores a task execution record
	Store(ctx context.Context, history *TaskHistory) error

	// Update updates an existing task execution record
	Update(ctx context.Context, history *TaskHistory) error

	// Get retrieves a task execution record by ID
	Get(ctx context.Context, id string) (*TaskHistory, error)

	// List retrieves task execution records, newest first
	List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*TaskHistory, error)

	// Count returns the total number of records matching the filter
	Count(ctx context.Context, filter HistoryFilter) (int, error)

	// DeleteBefore deletes records started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteTaskHistory implements TaskHistoryStorage using SQLite
type SQLiteTaskHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskHistory creates the task_history table on db if needed
func NewSQLiteTaskHistory(db *sql.DB, logger *zap.Logger) (*SQLiteTaskHistory, error) {
	storage := &SQLiteTaskHistory{
		logger: logger.Named("task-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteTaskHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			status TEXT NOT NULL,
			forced INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			error TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_task_name ON task_history(task_name);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_started_at ON task_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize task_history: %w", err)
	}
	return nil
}

// Store implements TaskHistoryStorage.Store
func (s *SQLiteTaskHistory) Store(ctx context.Context, history *TaskHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (
			id, task_name, status, forced, started_at
		) VALUES (?, ?, ?, ?, ?)`,
		history.ID,
		history.TaskName,
		string(history.Status),
		history.Forced,
		history.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

// Update implements TaskHistoryStorage.Update
func (s *SQLiteTaskHistory) Update(ctx context.Context, history *TaskHistory) error {
	var completedAt sql.NullInt64
	if history.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: history.CompletedAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE task_history SET
			status = ?,
			output = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		string(history.Status),
		nullString(history.Output),
		nullString(history.Error),
		completedAt,
		sql.NullInt64{Int64: int64(history.Duration), Valid: history.CompletedAt != nil},
		history.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task history: %w", err)
	}
	return nil
}

// Get implements TaskHistoryStorage.Get
func (s *SQLiteTaskHistory) Get(ctx context.Context, id string) (*TaskHistory, error) {
	history, err := scanHistory(s.db.QueryRowContext(ctx, `
		SELECT id, task_name, status, forced, output, error, started_at, completed_at, duration
		FROM task_history
		WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}
	return history, nil
}

// List implements TaskHistoryStorage.List
func (s *SQLiteTaskHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*TaskHistory, error) {
	where, args := filter.clause()
	query := "SELECT id, task_name, status, forced, output, error, started_at, completed_at, duration FROM task_history" +
		where + " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	histories := make([]*TaskHistory, 0)
	for rows.Next() {
		history, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		histories = append(histories, history)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return histories, nil
}

// Count implements TaskHistoryStorage.Count
func (s *SQLiteTaskHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.clause()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements TaskHistoryStorage.DeleteBefore
func (s *SQLiteTaskHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE started_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

func (f HistoryFilter) clause() (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.TaskName != "" {
		conds = append(conds, "task_name = ?")
		args = append(args, f.TaskName)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "started_at >= ?")
		args = append(args, f.Since.UnixNano())
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanHistory(row rowScanner) (*TaskHistory, error) {
	var (
		history     TaskHistory
		status      string
		output      sql.NullString
		errorStr    sql.NullString
		startedAt   int64
		completedAt sql.NullInt64
		duration    sql.NullInt64
	)
	err := row.Scan(
		&history.ID,
		&history.TaskName,
		&status,
		&history.Forced,
		&output,
		&errorStr,
		&startedAt,
		&completedAt,
		&duration,
	)
	if err != nil {
		return nil, err
	}

	history.Status = model.ExecutionStatus(status)
	history.StartedAt = fromUnixNano(startedAt)
	if output.Valid {
		history.Output = output.String
	}
	if errorStr.Valid {
		history.Error = errorStr.String
	}
	if completedAt.Valid {
		t := fromUnixNano(completedAt.Int64)
		history.CompletedAt = &t
	}
	if duration.Valid {
		history.Duration = time.Duration(duration.Int64)
	}
	return &history, nil
}
