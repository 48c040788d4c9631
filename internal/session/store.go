package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// stateTTL bounds how long a persisted room membership stays restorable.
const stateTTL = 24 * time.Hour

// State is the single record persisted across process restarts.
type State struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// Store persists session state locally. Save overwrites the record, Load
// returns it if present and fresh, Clear removes it.
type Store interface {
	Save(state State) error
	Load() (State, bool)
	Clear() error
}

// FileStore keeps the state record in a single JSON file.
type FileStore struct {
	path  string
	clock clockwork.Clock
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string, clock clockwork.Clock) *FileStore {
	return &FileStore{path: path, clock: clock}
}

// DefaultStatePath returns the fixed per-user location of the state file.
func DefaultStatePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config dir: %w", err)
	}
	return filepath.Join(dir, "clockshare", "room_state.json"), nil
}

func (s *FileStore) Save(state State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// Load reads the persisted record. A missing, unreadable, or expired
// record is discarded and reported as absent.
func (s *FileStore) Load() (State, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s.path).Msg("failed to read session state")
		}
		return State{}, false
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("discarding corrupt session state")
		s.Clear()
		return State{}, false
	}
	saved := time.UnixMilli(state.Timestamp)
	if s.clock.Now().Sub(saved) >= stateTTL {
		s.Clear()
		return State{}, false
	}
	return state, true
}

func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}
