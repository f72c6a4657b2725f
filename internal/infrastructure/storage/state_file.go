package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vitos/futures_level_bot/internal/domain"
)

// StateFile persists the TradingState aggregate as one JSON document.
// Writes go through a temp file and an atomic rename so a crash mid-write
// never leaves a truncated document behind.
type StateFile struct {
	path string
}

func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Load reads the document. A missing file is not an error: (nil, nil) is
// returned and the caller applies defaults. Any other read or parse
// failure is returned as-is and is fatal at startup.
func (f *StateFile) Load() (*domain.TradingState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state domain.TradingState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", f.path, err)
	}
	return &state, nil
}

func (f *StateFile) Save(state *domain.TradingState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
