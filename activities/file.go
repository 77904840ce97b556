package activities

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/deepnoodle-ai/durable"
)

// File operations
const (
	FileRead   = "read"
	FileWrite  = "write"
	FileAppend = "append"
	FileDelete = "delete"
	FileExists = "exists"
	FileList   = "list"
)

// FileInput describes one file operation
type FileInput struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	// Mode is an octal permission string such as "0644".
	Mode string `json:"mode,omitempty"`
	// CreateDirs creates missing parent directories on write and append.
	CreateDirs bool `json:"create_dirs,omitempty"`
}

// FileOutput holds the result of the operation that was run
type FileOutput struct {
	Content string   `json:"content,omitempty"`
	Exists  bool     `json:"exists,omitempty"`
	Entries []string `json:"entries,omitempty"`
}

// NewFileActivity returns the "file" activity
func NewFileActivity() durable.Activity {
	return durable.TypedActivityFunction(TypeFile, fileOp)
}

func fileOp(ctx durable.ActivityContext, in FileInput) (FileOutput, error) {
	if in.Path == "" {
		return FileOutput{}, invalidInput("path is required")
	}
	mode := fs.FileMode(0o644)
	if in.Mode != "" {
		m, err := strconv.ParseUint(in.Mode, 8, 32)
		if err != nil {
			return FileOutput{}, invalidInput("invalid mode %q", in.Mode)
		}
		mode = fs.FileMode(m)
	}
	if in.CreateDirs && (in.Operation == FileWrite || in.Operation == FileAppend) {
		if err := os.MkdirAll(filepath.Dir(in.Path), 0o755); err != nil {
			return FileOutput{}, err
		}
	}

	switch in.Operation {
	case FileRead, "":
		data, err := os.ReadFile(in.Path)
		if err != nil {
			return FileOutput{}, err
		}
		return FileOutput{Content: string(data)}, nil
	case FileWrite:
		return FileOutput{}, os.WriteFile(in.Path, []byte(in.Content), mode)
	case FileAppend:
		f, err := os.OpenFile(in.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, mode)
		if err != nil {
			return FileOutput{}, err
		}
		if _, err := f.WriteString(in.Content); err != nil {
			f.Close()
			return FileOutput{}, err
		}
		return FileOutput{}, f.Close()
	case FileDelete:
		// Deleting twice is not an error so retried attempts succeed.
		if err := os.Remove(in.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return FileOutput{}, err
		}
		return FileOutput{}, nil
	case FileExists:
		_, err := os.Stat(in.Path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return FileOutput{}, err
		}
		return FileOutput{Exists: err == nil}, nil
	case FileList:
		entries, err := os.ReadDir(in.Path)
		if err != nil {
			return FileOutput{}, err
		}
		out := FileOutput{Entries: make([]string, 0, len(entries))}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			out.Entries = append(out.Entries, name)
		}
		return out, nil
	}
	return FileOutput{}, invalidInput("unsupported file operation %q", in.Operation)
}
