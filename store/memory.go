package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/deepnoodle-ai/durable"
)

type workflowKey struct {
	domain     string
	workflowID string
}

type runKey struct {
	workflowKey
	runID string
}

// MemoryStore keeps everything in process memory. It is safe for
// concurrent use and intended for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	current map[workflowKey]string
	infos   map[runKey]*durable.ExecutionInfo
	events  map[runKey][]*durable.HistoryEvent
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		current: make(map[workflowKey]string),
		infos:   make(map[runKey]*durable.ExecutionInfo),
		events:  make(map[runKey][]*durable.HistoryEvent),
	}
}

// resolve returns the key of execution, following the current run pointer
// when the RunID is empty. Callers hold the lock.
func (s *MemoryStore) resolve(execution durable.WorkflowExecution) (runKey, error) {
	wk := workflowKey{domain: execution.Domain, workflowID: execution.WorkflowID}
	runID := execution.RunID
	if runID == "" {
		var ok bool
		if runID, ok = s.current[wk]; !ok {
			return runKey{}, fmt.Errorf("execution %s: %w", execution, ErrNotFound)
		}
	}
	key := runKey{workflowKey: wk, runID: runID}
	if _, ok := s.infos[key]; !ok {
		return runKey{}, fmt.Errorf("execution %s: %w", execution, ErrNotFound)
	}
	return key, nil
}

func keyOf(info *durable.ExecutionInfo) runKey {
	return runKey{
		workflowKey: workflowKey{domain: info.Execution.Domain, workflowID: info.Execution.WorkflowID},
		runID:       info.Execution.RunID,
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, info *durable.ExecutionInfo, events []*durable.HistoryEvent) error {
	if err := ValidateCreate(info, events); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(info)
	if _, exists := s.infos[key]; exists {
		return fmt.Errorf("execution %s: %w", info.Execution, ErrAlreadyExists)
	}
	stored := info.Clone()
	stored.LastEventID = events[len(events)-1].ID
	info.LastEventID = stored.LastEventID
	s.infos[key] = stored
	s.events[key] = append([]*durable.HistoryEvent(nil), events...)
	s.current[key.workflowKey] = key.runID
	return nil
}

func (s *MemoryStore) AppendEvents(ctx context.Context, info *durable.ExecutionInfo, events []*durable.HistoryEvent) error {
	if err := ValidateInfo(info); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.resolve(info.Execution)
	if err != nil {
		return err
	}
	history := s.events[key]
	if err := ValidateAppend(int64(len(history)), events); err != nil {
		return err
	}
	s.events[key] = append(history, events...)
	stored := info.Clone()
	stored.Execution.RunID = key.runID
	stored.LastEventID = int64(len(s.events[key]))
	info.LastEventID = stored.LastEventID
	s.infos[key] = stored
	return nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, info *durable.ExecutionInfo) error {
	if err := ValidateInfo(info); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.resolve(info.Execution)
	if err != nil {
		return err
	}
	stored := info.Clone()
	stored.Execution.RunID = key.runID
	stored.LastEventID = int64(len(s.events[key]))
	s.infos[key] = stored
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, execution durable.WorkflowExecution) (*durable.ExecutionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, err := s.resolve(execution)
	if err != nil {
		return nil, err
	}
	return s.infos[key].Clone(), nil
}

func (s *MemoryStore) ListOpenExecutions(ctx context.Context) ([]*durable.ExecutionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open []*durable.ExecutionInfo
	for _, info := range s.infos {
		if !info.Status.IsTerminal() {
			open = append(open, info.Clone())
		}
	}
	sortInfos(open)
	return open, nil
}

func (s *MemoryStore) ReadEvents(ctx context.Context, execution durable.WorkflowExecution, afterID int64, limit int) ([]*durable.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, err := s.resolve(execution)
	if err != nil {
		return nil, err
	}
	return pageEvents(s.events[key], afterID, limit), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// pageEvents returns up to limit events after afterID from a complete,
// ID-ordered history.
func pageEvents(history []*durable.HistoryEvent, afterID int64, limit int) []*durable.HistoryEvent {
	if afterID < 0 {
		afterID = 0
	}
	if afterID >= int64(len(history)) {
		return nil
	}
	page := history[afterID:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return append([]*durable.HistoryEvent(nil), page...)
}

// sortInfos orders runs by start time, then by workflow and run ID.
func sortInfos(infos []*durable.ExecutionInfo) {
	sort.Slice(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		if a.Execution.WorkflowID != b.Execution.WorkflowID {
			return a.Execution.WorkflowID < b.Execution.WorkflowID
		}
		return a.Execution.RunID < b.Execution.RunID
	})
}

var _ Store = (*MemoryStore)(nil)
