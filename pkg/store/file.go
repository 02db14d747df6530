// Package store persists simulation state and the real order journal.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gregtusar/flowsignal/pkg/models"
)

// FileStore keeps the simulation state in a single JSON document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save writes the state to a temp file in the same directory and renames it
// over the target, so readers never observe a partial document.
func (f *FileStore) Save(_ context.Context, state models.SimulationState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal simulation state: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write simulation state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("store: replace %s: %w", f.path, err)
	}
	return nil
}

// Load returns an empty state when nothing has been saved yet.
func (f *FileStore) Load(_ context.Context) (models.SimulationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return emptyState(), nil
	}
	if err != nil {
		return models.SimulationState{}, fmt.Errorf("store: read %s: %w", f.path, err)
	}
	return decodeState(data)
}

func (f *FileStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: remove %s: %w", f.path, err)
	}
	return nil
}

// MemoryStore keeps the state in process. Useful for dry runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(_ context.Context, state models.SimulationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal simulation state: %w", err)
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context) (models.SimulationState, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	if data == nil {
		return emptyState(), nil
	}
	return decodeState(data)
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}

func emptyState() models.SimulationState {
	return models.SimulationState{Metrics: models.NewPerformanceMetrics()}
}

func decodeState(data []byte) (models.SimulationState, error) {
	var state models.SimulationState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.SimulationState{}, fmt.Errorf("store: decode simulation state: %w", err)
	}
	if state.Metrics.ByAlgorithm == nil {
		state.Metrics.ByAlgorithm = make(map[string]models.AlgorithmPerformance)
	}
	return state, nil
}
