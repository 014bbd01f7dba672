package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hive-corporation/vulnvault/internal/core/domain"
)

// FileStore keeps per-source checkpoints in a single JSON file keyed by
// source id. Saves rewrite the whole file through a temp file and rename so
// a crash mid-write never leaves a truncated state file behind.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(id domain.SourceID) (domain.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	cp, ok := state[string(id)]
	return cp, ok, nil
}

func (s *FileStore) Save(id domain.SourceID, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil {
		return err
	}
	state[string(id)] = cp

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize checkpoint state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoints-*.json")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint file: %w", err)
	}
	return nil
}

// read returns the current state map; a missing file is an empty state.
func (s *FileStore) read() (map[string]domain.Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]domain.Checkpoint), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	state := make(map[string]domain.Checkpoint)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("parse checkpoint file %s: %w", s.path, err)
		}
	}
	return state, nil
}
