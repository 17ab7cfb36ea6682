package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mitchellh/go-homedir"
)

// Store persists ended session records at ~/.flapctl/sessions/. The records
// are an operational audit trail: after a watchdog release in the field, the
// record shows who owned the flap and why the session ended.
type Store struct {
	dir string
}

// NewStore creates a session store under the flapctl home directory.
func NewStore() (*Store, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return NewStoreAt(filepath.Join(home, ".flapctl", "sessions"))
}

// NewStoreAt creates a session store rooted at dir.
func NewStoreAt(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save persists a session record to disk.
func (s *Store) Save(sess *ControlSession) error {
	path := filepath.Join(s.dir, sess.ID+".json")

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	return nil
}

// Load reads a session record by ID.
func (s *Store) Load(id string) (*ControlSession, error) {
	path := filepath.Join(s.dir, id+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var sess ControlSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &sess, nil
}

// List returns all recorded sessions, most recent first.
func (s *Store) List() ([]*ControlSession, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*ControlSession{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []*ControlSession
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		id := entry.Name()[:len(entry.Name())-5] // Remove .json extension
		sess, err := s.Load(id)
		if err != nil {
			continue // Skip invalid records
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})

	return sessions, nil
}

// Delete removes a session record.
func (s *Store) Delete(id string) error {
	path := filepath.Join(s.dir, id+".json")

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	return nil
}

// Dir returns the session storage directory.
func (s *Store) Dir() string {
	return s.dir
}
