package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/ping-scheduler/internal/model"
)

const statSchema = `
	CREATE TABLE IF NOT EXISTS task_stats (
		task_name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		schedule_kind TEXT NOT NULL,
		period_seconds INTEGER,
		cron_expression TEXT,
		last_executed_at INTEGER,
		execution_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_stats_last_executed_at ON task_stats(last_executed_at);
`

const statColumns = `task_name, description, schedule_kind, period_seconds, cron_expression,
	last_executed_at, execution_count, created_at, updated_at`

// OpenSQLite opens the database file at path. A single connection is used so
// that writers never contend for the file lock.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// SQLiteStatStore implements TaskStatStore on the task_stats table
type SQLiteStatStore struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLiteStatStore wraps db. With autoMigrate the task_stats table is
// created when missing; otherwise a missing table makes the store report
// ErrStoreUnavailable until Migrate is called.
func NewSQLiteStatStore(db *sql.DB, logger *zap.Logger, autoMigrate bool) (*SQLiteStatStore, error) {
	s := &SQLiteStatStore{
		logger: logger.Named("stat-store"),
		db:     db,
		now:    time.Now,
	}
	if autoMigrate {
		if err := s.Migrate(context.Background()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the task_stats table if it does not exist
func (s *SQLiteStatStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, statSchema); err != nil {
		return fmt.Errorf("failed to initialize task_stats: %w", err)
	}
	s.logger.Debug("task_stats table ready")
	return nil
}

// Exists implements TaskStatStore.Exists
func (s *SQLiteStatStore) Exists(ctx context.Context) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'task_stats'").Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return true, nil
}

// GetOrInit implements TaskStatStore.GetOrInit
func (s *SQLiteStatStore) GetOrInit(ctx context.Context, declared model.TaskRecord) (*model.TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	rec, err := scanRecord(tx.QueryRowContext(ctx,
		"SELECT "+statColumns+" FROM task_stats WHERE task_name = ?", declared.TaskName))
	switch {
	case errors.Is(err, ErrRecordNotFound):
		rec = &model.TaskRecord{TaskName: declared.TaskName, CreatedAt: now, UpdatedAt: now}
		rec.ApplySchedule(declared)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_stats (
				task_name, description, schedule_kind, period_seconds, cron_expression,
				execution_count, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			rec.TaskName,
			rec.Description,
			string(rec.ScheduleKind),
			nullPeriod(rec.PeriodSeconds),
			nullString(rec.CronExpression),
			now.UnixNano(),
			now.UnixNano(),
		)
		if err != nil {
			return nil, s.wrap("failed to insert task record", err)
		}
		s.logger.Info("Created task record",
			zap.String("task", rec.TaskName),
			zap.String("schedule_kind", string(rec.ScheduleKind)))

	case err != nil:
		return nil, s.wrap("failed to load task record", err)

	case !rec.SameSchedule(declared):
		rec.ApplySchedule(declared)
		rec.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			UPDATE task_stats SET
				description = ?,
				schedule_kind = ?,
				period_seconds = ?,
				cron_expression = ?,
				updated_at = ?
			WHERE task_name = ?`,
			rec.Description,
			string(rec.ScheduleKind),
			nullPeriod(rec.PeriodSeconds),
			nullString(rec.CronExpression),
			now.UnixNano(),
			rec.TaskName,
		)
		if err != nil {
			return nil, s.wrap("failed to update task schedule", err)
		}
		s.logger.Info("Updated task schedule",
			zap.String("task", rec.TaskName),
			zap.String("schedule_kind", string(rec.ScheduleKind)))

	default:
		return rec, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// Get implements TaskStatStore.Get
func (s *SQLiteStatStore) Get(ctx context.Context, name string) (*model.TaskRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		"SELECT "+statColumns+" FROM task_stats WHERE task_name = ?", name))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}
		return nil, s.wrap("failed to load task record", err)
	}
	return rec, nil
}

// List implements TaskStatStore.List
func (s *SQLiteStatStore) List(ctx context.Context) ([]*model.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+statColumns+" FROM task_stats ORDER BY task_name")
	if err != nil {
		return nil, s.wrap("failed to list task records", err)
	}
	defer rows.Close()

	var records []*model.TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// RecordExecution implements TaskStatStore.RecordExecution
func (s *SQLiteStatStore) RecordExecution(ctx context.Context, name string, at time.Time) (*model.TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE task_stats SET
			last_executed_at = ?,
			execution_count = execution_count + 1,
			updated_at = ?
		WHERE task_name = ?`,
		at.UnixNano(),
		s.now().UnixNano(),
		name,
	)
	if err != nil {
		return nil, s.wrap("failed to record execution", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrRecordNotFound
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		"SELECT "+statColumns+" FROM task_stats WHERE task_name = ?", name))
	if err != nil {
		return nil, s.wrap("failed to reload task record", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// Close closes the database connection
func (s *SQLiteStatStore) Close() error {
	return s.db.Close()
}

// wrap maps a missing table to ErrStoreUnavailable
func (s *SQLiteStatStore) wrap(msg string, err error) error {
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%s: %w: %v", msg, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.TaskRecord, error) {
	var (
		rec          model.TaskRecord
		kind         string
		period       sql.NullInt64
		cronExpr     sql.NullString
		lastExecuted sql.NullInt64
		created      int64
		updated      int64
	)
	err := row.Scan(
		&rec.TaskName,
		&rec.Description,
		&kind,
		&period,
		&cronExpr,
		&lastExecuted,
		&rec.ExecutionCount,
		&created,
		&updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	rec.ScheduleKind = model.ScheduleKind(kind)
	if period.Valid {
		rec.PeriodSeconds = period.Int64
	}
	if cronExpr.Valid {
		rec.CronExpression = cronExpr.String
	}
	if lastExecuted.Valid {
		t := fromUnixNano(lastExecuted.Int64)
		rec.LastExecutedAt = &t
	}
	rec.CreatedAt = fromUnixNano(created)
	rec.UpdatedAt = fromUnixNano(updated)
	return &rec, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullPeriod(seconds int64) sql.NullInt64 {
	return sql.NullInt64{Int64: seconds, Valid: seconds > 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
