package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/durable"
)

// FileStore persists runs on disk. Each run is a directory holding info.json
// and events.jsonl, a newline-delimited JSON file with one event per line.
// A file named "current" in the workflow directory holds the current RunID.
// A FileStore must not be shared between processes.
type FileStore struct {
	mu      sync.Mutex
	dataDir string
}

// NewFileStore creates a file store rooted at dataDir. An empty dataDir
// defaults to ~/.deepnoodle/durable/executions.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "durable", "executions")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) workflowDir(domain, workflowID string) string {
	return filepath.Join(s.dataDir, url.PathEscape(domain), url.PathEscape(workflowID))
}

func (s *FileStore) runDir(execution durable.WorkflowExecution) string {
	return filepath.Join(s.workflowDir(execution.Domain, execution.WorkflowID), url.PathEscape(execution.RunID))
}

// resolve fills in the current RunID when execution has none.
func (s *FileStore) resolve(execution durable.WorkflowExecution) (durable.WorkflowExecution, error) {
	if execution.RunID == "" {
		data, err := os.ReadFile(filepath.Join(s.workflowDir(execution.Domain, execution.WorkflowID), "current"))
		if errors.Is(err, fs.ErrNotExist) {
			return execution, fmt.Errorf("execution %s: %w", execution, ErrNotFound)
		}
		if err != nil {
			return execution, fmt.Errorf("failed to read current run: %w", err)
		}
		execution.RunID = strings.TrimSpace(string(data))
	}
	if _, err := os.Stat(filepath.Join(s.runDir(execution), "info.json")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return execution, fmt.Errorf("execution %s: %w", execution, ErrNotFound)
		}
		return execution, err
	}
	return execution, nil
}

func (s *FileStore) CreateExecution(ctx context.Context, info *durable.ExecutionInfo, events []*durable.HistoryEvent) error {
	if err := ValidateCreate(info, events); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.runDir(info.Execution)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("execution %s: %w", info.Execution, ErrAlreadyExists)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}
	if err := s.appendLines(dir, events); err != nil {
		return err
	}
	info.LastEventID = events[len(events)-1].ID
	if err := writeJSONFile(filepath.Join(dir, "info.json"), info); err != nil {
		return err
	}
	current := filepath.Join(s.workflowDir(info.Execution.Domain, info.Execution.WorkflowID), "current")
	return writeFileAtomic(current, []byte(info.Execution.RunID+"\n"))
}

func (s *FileStore) AppendEvents(ctx context.Context, info *durable.ExecutionInfo, events []*durable.HistoryEvent) error {
	if err := ValidateInfo(info); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, err := s.resolve(info.Execution)
	if err != nil {
		return err
	}
	dir := s.runDir(execution)
	stored, err := readInfo(dir)
	if err != nil {
		return err
	}
	if err := ValidateAppend(stored.LastEventID, events); err != nil {
		return err
	}
	if err := s.appendLines(dir, events); err != nil {
		return err
	}
	info.Execution.RunID = execution.RunID
	info.LastEventID = stored.LastEventID + int64(len(events))
	return writeJSONFile(filepath.Join(dir, "info.json"), info)
}

func (s *FileStore) UpdateExecution(ctx context.Context, info *durable.ExecutionInfo) error {
	if err := ValidateInfo(info); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, err := s.resolve(info.Execution)
	if err != nil {
		return err
	}
	dir := s.runDir(execution)
	stored, err := readInfo(dir)
	if err != nil {
		return err
	}
	updated := info.Clone()
	updated.Execution.RunID = execution.RunID
	updated.LastEventID = stored.LastEventID
	return writeJSONFile(filepath.Join(dir, "info.json"), updated)
}

func (s *FileStore) GetExecution(ctx context.Context, execution durable.WorkflowExecution) (*durable.ExecutionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, err := s.resolve(execution)
	if err != nil {
		return nil, err
	}
	return readInfo(s.runDir(execution))
}

func (s *FileStore) ListOpenExecutions(ctx context.Context) ([]*durable.ExecutionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*durable.ExecutionInfo
	err := filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "info.json" {
			return nil
		}
		info, err := readInfo(filepath.Dir(path))
		if err != nil {
			return err
		}
		if !info.Status.IsTerminal() {
			open = append(open, info)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	sortInfos(open)
	return open, nil
}

func (s *FileStore) ReadEvents(ctx context.Context, execution durable.WorkflowExecution, afterID int64, limit int) ([]*durable.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, err := s.resolve(execution)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.runDir(execution), "events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	var events []*durable.HistoryEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e durable.HistoryEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		if e.ID <= afterID {
			continue
		}
		events = append(events, &e)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return events, nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) appendLines(dir string, events []*durable.HistoryEvent) error {
	var b strings.Builder
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", e.ID, err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return f.Sync()
}

func readInfo(dir string) (*durable.ExecutionInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, "info.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("execution in %s: %w", dir, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read execution info: %w", err)
	}
	var info durable.ExecutionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution info: %w", err)
	}
	return &info, nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic replaces path by renaming a temporary file over it.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
