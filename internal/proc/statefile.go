package proc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// loadState reads state.json from the base directory.
// A missing file yields an empty state.
func loadState(path string) (*stateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &stateFile{Version: stateFileVersion, Tasks: make(map[string]*TaskRecord)}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if st.Tasks == nil {
		st.Tasks = make(map[string]*TaskRecord)
	}
	st.Version = stateFileVersion
	return &st, nil
}

// saveState serializes the state and writes it atomically.
func saveState(path string, st *stateFile) error {
	st.Version = stateFileVersion
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := atomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}
