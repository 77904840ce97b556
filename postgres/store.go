// Package postgres provides a PostgreSQL-backed history store.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/store"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

// Options configures a Store
type Options struct {
	// DSN is a lib/pq connection string or URL.
	DSN string
	// MaxOpenConns limits the pool size. Zero leaves the driver default.
	MaxOpenConns int
	// SkipSchema skips creating the tables on open.
	SkipSchema bool
}

// Store persists runs and histories in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and creates the tables when missing.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &Store{db: db}
	if !opts.SkipSchema {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateExecution(ctx context.Context, info *durable.ExecutionInfo, events []*durable.HistoryEvent) error {
	if err := store.ValidateCreate(info, events); err != nil {
		return err
	}
	info.LastEventID = events[len(events)-1].ID
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode execution info: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ex := info.Execution
		_, err := tx.ExecContext(ctx,
			`INSERT INTO durable_executions
			   (domain, workflow_id, run_id, workflow_type, status, start_time, last_event_id, info)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ex.Domain, ex.WorkflowID, ex.RunID, info.WorkflowType, string(info.Status),
			info.StartTime.UTC(), info.LastEventID, data)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("execution %s: %w", ex, store.ErrAlreadyExists)
			}
			return fmt.Errorf("failed to create execution: %w", err)
		}
		if err := insertEvents(ctx, tx, ex, events); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO durable_current_runs (domain, workflow_id, run_id) VALUES ($1, $2, $3)
			 ON CONFLICT (domain, workflow_id) DO UPDATE SET run_id = EXCLUDED.run_id`,
			ex.Domain, ex.WorkflowID, ex.RunID)
		if err != nil {
			return fmt.Errorf("failed to set current run: %w", err)
		}
		return nil
	})
}

func (s *Store) AppendEvents(ctx context.Context, info *durable.ExecutionInfo, events []*durable.HistoryEvent) error {
	if err := store.ValidateInfo(info); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ex, lastID, err := resolve(ctx, tx, info.Execution, true)
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
		ex, lastID, err := resolve(ctx, tx, info.Execution, true)
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
		ex, _, err := resolve(ctx, tx, execution, false)
		if err != nil {
			return err
		}
		var data []byte
		err = tx.QueryRowContext(ctx,
			`SELECT info FROM durable_executions WHERE domain = $1 AND workflow_id = $2 AND run_id = $3`,
			ex.Domain, ex.WorkflowID, ex.RunID).Scan(&data)
		if err != nil {
			return fmt.Errorf("failed to get execution: %w", err)
		}
		info, err = decodeInfo(data)
		return err
	})
	return info, err
}

func (s *Store) ListOpenExecutions(ctx context.Context) ([]*durable.ExecutionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT info FROM durable_executions WHERE status = $1 ORDER BY start_time, workflow_id, run_id`,
		string(durable.ExecutionStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list open executions: %w", err)
	}
	defer rows.Close()
	var infos []*durable.ExecutionInfo
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
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
		ex, _, err := resolve(ctx, tx, execution, false)
		if err != nil {
			return err
		}
		query := `SELECT data FROM durable_history_events
			WHERE domain = $1 AND workflow_id = $2 AND run_id = $3 AND event_id > $4
			ORDER BY event_id`
		args := []any{ex.Domain, ex.WorkflowID, ex.RunID, afterID}
		if limit > 0 {
			query += " LIMIT $5"
			args = append(args, limit)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to read events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return fmt.Errorf("failed to scan event: %w", err)
			}
			var e durable.HistoryEvent
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			events = append(events, &e)
		}
		return rows.Err()
	})
	return events, err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("commit: %w", store.ErrConflict)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// resolve fills in the current RunID and returns the last event ID of the
// run. With lock set the execution row is locked until the transaction ends
// so concurrent appends serialize.
func resolve(ctx context.Context, tx *sql.Tx, ex durable.WorkflowExecution, lock bool) (durable.WorkflowExecution, int64, error) {
	if ex.RunID == "" {
		err := tx.QueryRowContext(ctx,
			`SELECT run_id FROM durable_current_runs WHERE domain = $1 AND workflow_id = $2`,
			ex.Domain, ex.WorkflowID).Scan(&ex.RunID)
		if errors.Is(err, sql.ErrNoRows) {
			return ex, 0, fmt.Errorf("execution %s: %w", ex, store.ErrNotFound)
		}
		if err != nil {
			return ex, 0, fmt.Errorf("failed to get current run: %w", err)
		}
	}
	query := `SELECT last_event_id FROM durable_executions WHERE domain = $1 AND workflow_id = $2 AND run_id = $3`
	if lock {
		query += " FOR UPDATE"
	}
	var lastID int64
	err := tx.QueryRowContext(ctx, query, ex.Domain, ex.WorkflowID, ex.RunID).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return ex, 0, fmt.Errorf("execution %s: %w", ex, store.ErrNotFound)
	}
	if err != nil {
		return ex, 0, fmt.Errorf("failed to get execution: %w", err)
	}
	return ex, lastID, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, ex durable.WorkflowExecution, events []*durable.HistoryEvent) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO durable_history_events (domain, workflow_id, run_id, event_id, event_type, data)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, ex.Domain, ex.WorkflowID, ex.RunID, e.ID, string(e.Type), data); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("event %d: %w", e.ID, store.ErrConflict)
			}
			return fmt.Errorf("failed to insert event %d: %w", e.ID, err)
		}
	}
	return nil
}

func updateInfo(ctx context.Context, tx *sql.Tx, info *durable.ExecutionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode execution info: %w", err)
	}
	ex := info.Execution
	_, err = tx.ExecContext(ctx,
		`UPDATE durable_executions SET status = $1, last_event_id = $2, info = $3
		  WHERE domain = $4 AND workflow_id = $5 AND run_id = $6`,
		string(info.Status), info.LastEventID, data, ex.Domain, ex.WorkflowID, ex.RunID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	return nil
}

func decodeInfo(data []byte) (*durable.ExecutionInfo, error) {
	var info durable.ExecutionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode execution info: %w", err)
	}
	return &info, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

var _ store.Store = (*Store)(nil)
