// Package sqlite provides a SQLite-backed history store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/sqlite/migrations"
	"github.com/deepnoodle-ai/durable/store"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists runs and histories in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store and applies embedded migrations. The path
// ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	if path == ":memory:" {
		dsn = path
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) CreateExecution(ctx context.Context, info *durable.ExecutionInfo, events []*durable.HistoryEvent) error {
	if err := store.ValidateCreate(info, events); err != nil {
		return err
	}
	info.LastEventID = events[len(events)-1].ID
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode execution info: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ex := info.Execution
		_, err := tx.ExecContext(ctx,
			`INSERT INTO executions (domain, workflow_id, run_id, workflow_type, status, start_time, last_event_id, info)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ex.Domain, ex.WorkflowID, ex.RunID, info.WorkflowType, string(info.Status),
			info.StartTime.UTC().UnixMilli(), info.LastEventID, data)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("execution %s: %w", ex, store.ErrAlreadyExists)
			}
			return fmt.Errorf("create execution: %w", err)
		}
		if err := insertEvents(ctx, tx, ex, events); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO current_runs (domain, workflow_id, run_id) VALUES (?, ?, ?)
			 ON CONFLICT (domain, workflow_id) DO UPDATE SET run_id = excluded.run_id`,
			ex.Domain, ex.WorkflowID, ex.RunID)
		if err != nil {
			return fmt.Errorf("set current run: %w", err)
		}
		return nil
	})
}

func (s *Store) AppendEvents(ctx context.Context, info *durable.ExecutionInfo, events []*durable.HistoryEvent) error {
	if err := store.ValidateInfo(info); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ex, lastID, err := resolve(ctx, tx, info.Execution)
		if err != nil {
			return err
		}
		if err := store.ValidateAppend(lastID, events); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, ex, events); err != nil {
			return err
		}
		info.Execution.RunID = ex.RunID
		info.LastEventID = lastID + int64(len(events))
		return updateInfo(ctx, tx, info)
	})
}

func (s *Store) UpdateExecution(ctx context.Context, info *durable.ExecutionInfo) error {
	if err := store.ValidateInfo(info); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ex, lastID, err := resolve(ctx, tx, info.Execution)
		if err != nil {
			return err
		}
		updated := info.Clone()
		updated.Execution = ex
		updated.LastEventID = lastID
		return updateInfo(ctx, tx, updated)
	})
}

func (s *Store) GetExecution(ctx context.Context, execution durable.WorkflowExecution) (*durable.ExecutionInfo, error) {
	var info *durable.ExecutionInfo
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ex, _, err := resolve(ctx, tx, execution)
		if err != nil {
			return err
		}
		var data []byte
		err = tx.QueryRowContext(ctx,
			`SELECT info FROM executions WHERE domain = ? AND workflow_id = ? AND run_id = ?`,
			ex.Domain, ex.WorkflowID, ex.RunID).Scan(&data)
		if err != nil {
			return fmt.Errorf("get execution: %w", err)
		}
		info, err = decodeInfo(data)
		return err
	})
	return info, err
}

func (s *Store) ListOpenExecutions(ctx context.Context) ([]*durable.ExecutionInfo, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT info FROM executions WHERE status = ? ORDER BY start_time, workflow_id, run_id`,
		string(durable.ExecutionStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list open executions: %w", err)
	}
	defer rows.Close()
	var infos []*durable.ExecutionInfo
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		info, err := decodeInfo(data)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) ReadEvents(ctx context.Context, execution durable.WorkflowExecution, afterID int64, limit int) ([]*durable.HistoryEvent, error) {
	var events []*durable.HistoryEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ex, _, err := resolve(ctx, tx, execution)
		if err != nil {
			return err
		}
		if limit <= 0 {
			limit = -1
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT data FROM history_events
			  WHERE domain = ? AND workflow_id = ? AND run_id = ? AND event_id > ?
			  ORDER BY event_id LIMIT ?`,
			ex.Domain, ex.WorkflowID, ex.RunID, afterID, limit)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return fmt.Errorf("scan event: %w", err)
			}
			var e durable.HistoryEvent
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			events = append(events, &e)
		}
		return rows.Err()
	})
	return events, err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// resolve fills in the current RunID and returns the last event ID of the run.
func resolve(ctx context.Context, tx *sql.Tx, ex durable.WorkflowExecution) (durable.WorkflowExecution, int64, error) {
	if ex.RunID == "" {
		err := tx.QueryRowContext(ctx,
			`SELECT run_id FROM current_runs WHERE domain = ? AND workflow_id = ?`,
			ex.Domain, ex.WorkflowID).Scan(&ex.RunID)
		if errors.Is(err, sql.ErrNoRows) {
			return ex, 0, fmt.Errorf("execution %s: %w", ex, store.ErrNotFound)
		}
		if err != nil {
			return ex, 0, fmt.Errorf("get current run: %w", err)
		}
	}
	var lastID int64
	err := tx.QueryRowContext(ctx,
		`SELECT last_event_id FROM executions WHERE domain = ? AND workflow_id = ? AND run_id = ?`,
		ex.Domain, ex.WorkflowID, ex.RunID).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return ex, 0, fmt.Errorf("execution %s: %w", ex, store.ErrNotFound)
	}
	if err != nil {
		return ex, 0, fmt.Errorf("get execution: %w", err)
	}
	return ex, lastID, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, ex durable.WorkflowExecution, events []*durable.HistoryEvent) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO history_events (domain, workflow_id, run_id, event_id, event_type, data) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, ex.Domain, ex.WorkflowID, ex.RunID, e.ID, string(e.Type), data); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("event %d: %w", e.ID, store.ErrConflict)
			}
			return fmt.Errorf("insert event %d: %w", e.ID, err)
		}
	}
	return nil
}

func updateInfo(ctx context.Context, tx *sql.Tx, info *durable.ExecutionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode execution info: %w", err)
	}
	ex := info.Execution
	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, last_event_id = ?, info = ?
		  WHERE domain = ? AND workflow_id = ? AND run_id = ?`,
		string(info.Status), info.LastEventID, data, ex.Domain, ex.WorkflowID, ex.RunID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

func decodeInfo(data []byte) (*durable.ExecutionInfo, error) {
	var info durable.ExecutionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode execution info: %w", err)
	}
	return &info, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ store.Store = (*Store)(nil)
