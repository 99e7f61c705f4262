package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stateFileName = ".archivist-state.json"

// ArchiveState tracks which conversations have already been archived
// so interrupted or repeated batches can skip completed work.
type ArchiveState struct {
	StartedAt      time.Time            `json:"started_at"`
	LastArchivedAt time.Time            `json:"last_archived_at"`
	Archived       map[string]time.Time `json:"archived"`

	mu   sync.Mutex
	path string // not serialized
}

// LoadState loads the archive state from the given directory, or
// creates a fresh one if none exists yet.
func LoadState(dir string) (*ArchiveState, error) {
	p := filepath.Join(dir, stateFileName)

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return &ArchiveState{
				StartedAt: time.Now().UTC(),
				Archived:  make(map[string]time.Time),
				path:      p,
			}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s ArchiveState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if s.Archived == nil {
		s.Archived = make(map[string]time.Time)
	}
	s.path = p
	return &s, nil
}

// IsArchived reports whether the conversation has been archived before.
func (s *ArchiveState) IsArchived(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Archived[id]
	return ok
}

// MarkArchived records a conversation and persists the state to disk.
func (s *ArchiveState) MarkArchived(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.Archived[id] = now
	s.LastArchivedAt = now
	return s.save()
}

func (s *ArchiveState) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	return os.WriteFile(s.path, data, 0o644)
}
