package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// FileBackend stores records as an indented JSON array in a single file.
// Writes go through a temp file and rename so a reader in another process
// never observes a torn file.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend rooted at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: filepath.Clean(path)}
}

// Path returns the backing file location.
func (f *FileBackend) Path() string { return f.path }

// Load returns no records and no error when the file does not exist.
func (f *FileBackend) Load() ([]Record, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var recs []Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return recs, nil
}

func (f *FileBackend) Save(recs []Record) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".captures-*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// MemoryBackend keeps records in process memory. It is used in tests and when
// no durable location is configured.
type MemoryBackend struct {
	mu   sync.Mutex
	recs []Record
	// Err, when set, is returned by every call to simulate an unavailable store.
	Err error
}

func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (m *MemoryBackend) Load() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return slices.Clone(m.recs), nil
}

func (m *MemoryBackend) Save(recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.recs = slices.Clone(recs)
	return nil
}
