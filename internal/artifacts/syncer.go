package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Source streams artifact bytes from a target. The remote client implements
// this over its control connection; tests implement it in memory.
type Source interface {
	// Fetch requests the manifest's included artifacts and calls fn once per
	// artifact, in the order the target streams them.
	Fetch(ctx context.Context, m Manifest, fn func(name string, data []byte, checksum string) error) error
}

// Syncer runs the one-shot initial sync and owns the persisted marker.
type Syncer struct {
	store *MarkerStore
	dir   string // destination for fetched artifacts
	log   *slog.Logger
}

// NewSyncer builds a syncer writing artifacts to dir.
func NewSyncer(store *MarkerStore, dir string, log *slog.Logger) (*Syncer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{store: store, dir: dir, log: log}, nil
}

// Needed reports whether target still requires an initial sync.
func (s *Syncer) Needed(target string) (bool, error) {
	marker, err := s.store.Load(target)
	if err != nil {
		return false, err
	}
	return !marker.Synced, nil
}

// Sync pulls every included artifact from src. When the whole manifest
// transfers, the marker is persisted with Synced=true and later calls become
// no-ops without any network traffic. A partial failure leaves Synced=false;
// the retry overwrites already-copied artifacts idempotently.
func (s *Syncer) Sync(ctx context.Context, target string, m Manifest, src Source) error {
	marker, err := s.store.Load(target)
	if err != nil {
		return err
	}
	if marker.Synced {
		s.log.Debug("initial sync already done", "target", target)
		return nil
	}

	s.log.Info("starting initial sync", "target", target, "artifacts", m.Included())

	err = src.Fetch(ctx, m, func(name string, data []byte, checksum string) error {
		if !Known(name) {
			return fmt.Errorf("target sent unknown artifact %q", name)
		}
		sum := Checksum(data)
		if checksum != "" && checksum != sum {
			return fmt.Errorf("artifact %s checksum mismatch", name)
		}
		if err := s.write(name, data); err != nil {
			return err
		}
		marker.Artifacts[name] = ArtifactState{
			Checksum: sum,
			Size:     int64(len(data)),
			SyncedAt: time.Now(),
		}
		s.log.Info("artifact synced", "name", name, "bytes", len(data))
		return nil
	})
	if err != nil {
		// Record what did land so a later retry is observable, but leave
		// Synced false so the retry actually runs.
		if saveErr := s.store.Save(marker); saveErr != nil {
			s.log.Warn("failed to persist partial sync marker", "error", saveErr)
		}
		return fmt.Errorf("initial sync from %s: %w", target, err)
	}

	marker.Synced = true
	if err := s.store.Save(marker); err != nil {
		return fmt.Errorf("persist sync marker: %w", err)
	}
	s.log.Info("initial sync complete", "target", target)
	return nil
}

// Path returns where an artifact is stored locally.
func (s *Syncer) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// write lands data atomically: temp file then rename.
func (s *Syncer) write(name string, data []byte) error {
	dest := s.Path(name)
	tmp := dest + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", name, err)
	}
	return nil
}

// Checksum returns the hex sha256 of data, the checksum format used on the
// wire and in markers.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
