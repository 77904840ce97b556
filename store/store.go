// Package store defines persistence for workflow runs and their event
// histories, with in-memory and file implementations. SQL implementations
// live in the sqlite and postgres packages.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/durable"
)

var (
	// ErrNotFound is returned for unknown executions. It matches
	// durable.ErrNotFound.
	ErrNotFound = durable.ErrNotFound

	// ErrAlreadyExists is returned when creating a run whose ID is taken.
	ErrAlreadyExists = errors.New("execution already exists")

	// ErrConflict is returned when appended events do not continue the
	// stored history.
	ErrConflict = errors.New("history conflict")
)

// Store persists runs and their histories. Histories are append-only;
// implementations must reject appends that do not continue the stored event
// sequence. An execution with an empty RunID addresses the most recently
// created run of its workflow ID.
type Store interface {
	// CreateExecution stores a new run with its first events and makes it
	// the current run of its workflow ID.
	CreateExecution(ctx context.Context, info *durable.ExecutionInfo, events []*durable.HistoryEvent) error

	// AppendEvents appends events to a run's history and saves info in the
	// same step. info.LastEventID is set to the ID of the last event.
	AppendEvents(ctx context.Context, info *durable.ExecutionInfo, events []*durable.HistoryEvent) error

	// UpdateExecution saves info without appending events.
	UpdateExecution(ctx context.Context, info *durable.ExecutionInfo) error

	GetExecution(ctx context.Context, execution durable.WorkflowExecution) (*durable.ExecutionInfo, error)

	// ListOpenExecutions returns every run that is not closed.
	ListOpenExecutions(ctx context.Context) ([]*durable.ExecutionInfo, error)

	// ReadEvents returns up to limit events with IDs greater than afterID.
	// A limit of zero or less returns all of them.
	ReadEvents(ctx context.Context, execution durable.WorkflowExecution, afterID int64, limit int) ([]*durable.HistoryEvent, error)

	Close() error
}

// ReadHistory reads the full history of a run page by page.
func ReadHistory(ctx context.Context, s Store, execution durable.WorkflowExecution, pageSize int) ([]*durable.HistoryEvent, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var events []*durable.HistoryEvent
	var afterID int64
	for {
		page, err := s.ReadEvents(ctx, execution, afterID, pageSize)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if len(page) < pageSize {
			return events, nil
		}
		afterID = page[len(page)-1].ID
	}
}

// ValidateCreate checks the arguments of CreateExecution.
func ValidateCreate(info *durable.ExecutionInfo, events []*durable.HistoryEvent) error {
	if err := ValidateInfo(info); err != nil {
		return err
	}
	if info.Execution.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if len(events) == 0 {
		return fmt.Errorf("a new execution needs at least one event")
	}
	return durable.ValidateEvents(0, events)
}

// ValidateInfo checks the execution info passed to a store.
func ValidateInfo(info *durable.ExecutionInfo) error {
	if info == nil {
		return fmt.Errorf("execution info is required")
	}
	if info.Execution.WorkflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	return nil
}

// ValidateAppend checks that events continue a history ending at lastID.
// SQL stores use it before writing.
func ValidateAppend(lastID int64, events []*durable.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	if events[0].ID != lastID+1 {
		return fmt.Errorf("%w: history ends at %d, append starts at %d", ErrConflict, lastID, events[0].ID)
	}
	if err := durable.ValidateEvents(lastID, events); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return nil
}
