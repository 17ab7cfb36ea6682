// Package artifacts implements the one-shot initial sync between a target
// and a remote controller: configuration, event database, pictures and the
// trained model are copied once per pairing, gated by a persisted marker.
package artifacts

import "fmt"

// Artifact names. These are the only artifacts a target will serve.
const (
	Database = "database"
	Config   = "config"
	Pictures = "pictures"
	Model    = "model"
)

// Names lists all known artifacts in sync order.
var Names = []string{Database, Config, Pictures, Model}

// Known reports whether name identifies a syncable artifact.
func Known(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// Entry is one artifact in a sync manifest.
type Entry struct {
	Name    string `json:"name"`
	Include bool   `json:"include"`
}

// Manifest lists the artifacts a remote wants, with per-artifact include
// flags.
type Manifest []Entry

// NewManifest builds a manifest from include flags keyed by artifact name.
// Unknown names are rejected.
func NewManifest(include map[string]bool) (Manifest, error) {
	for name := range include {
		if !Known(name) {
			return nil, fmt.Errorf("unknown artifact %q", name)
		}
	}
	var m Manifest
	for _, name := range Names {
		m = append(m, Entry{Name: name, Include: include[name]})
	}
	return m, nil
}

// Included returns the names flagged for transfer, in sync order.
func (m Manifest) Included() []string {
	var names []string
	for _, e := range m {
		if e.Include {
			names = append(names, e.Name)
		}
	}
	return names
}
