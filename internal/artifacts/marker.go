package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
)

// ArtifactState records what was copied for one artifact.
type ArtifactState struct {
	Checksum string    `json:"checksum"`
	Size     int64     `json:"size"`
	SyncedAt time.Time `json:"synced_at"`
}

// Marker is the persisted "initial sync already ran" flag for one target.
// Once Synced is true the sync never auto-retriggers; an operator deletes
// the marker to force a re-run.
type Marker struct {
	Target    string                   `json:"target"`
	Synced    bool                     `json:"synced"`
	Artifacts map[string]ArtifactState `json:"artifacts"`
}

// MarkerStore persists markers at ~/.flapctl/state/, one file per target.
type MarkerStore struct {
	dir string
}

// NewMarkerStore creates a marker store under the flapctl home directory.
func NewMarkerStore() (*MarkerStore, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return NewMarkerStoreAt(filepath.Join(home, ".flapctl", "state"))
}

// NewMarkerStoreAt creates a marker store rooted at dir.
func NewMarkerStoreAt(dir string) (*MarkerStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &MarkerStore{dir: dir}, nil
}

// Load reads the marker for target. A missing marker is not an error: it
// returns a fresh, unsynced marker.
func (s *MarkerStore) Load(target string) (*Marker, error) {
	data, err := os.ReadFile(s.path(target))
	if err != nil {
		if os.IsNotExist(err) {
			return &Marker{Target: target, Artifacts: map[string]ArtifactState{}}, nil
		}
		return nil, fmt.Errorf("failed to read sync marker: %w", err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync marker: %w", err)
	}
	if m.Artifacts == nil {
		m.Artifacts = map[string]ArtifactState{}
	}
	return &m, nil
}

// Save persists the marker.
func (s *MarkerStore) Save(m *Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync marker: %w", err)
	}
	if err := os.WriteFile(s.path(m.Target), data, 0644); err != nil {
		return fmt.Errorf("failed to write sync marker: %w", err)
	}
	return nil
}

// Delete removes the marker for target, forcing the next sync to run fully.
func (s *MarkerStore) Delete(target string) error {
	if err := os.Remove(s.path(target)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete sync marker: %w", err)
	}
	return nil
}

// Dir returns the marker storage directory.
func (s *MarkerStore) Dir() string {
	return s.dir
}

func (s *MarkerStore) path(target string) string {
	// Target identities are host:port strings; make them filename-safe.
	name := strings.NewReplacer(":", "_", "/", "_").Replace(target)
	return filepath.Join(s.dir, name+".json")
}
