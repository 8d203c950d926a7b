// Package storage persists alert snapshots and returns a reference to them.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// SnapshotStore saves an encoded snapshot under key and returns a path or
// URL that refers to it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// DiskStore writes snapshots into a local directory.
type DiskStore struct {
	dir string
}

// NewDiskStore creates dir if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}
	log.Info().Str("dir", dir).Msg("snapshot store ready")
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) SaveSnapshot(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := filepath.Base(filepath.Clean("/" + key))
	if name == "/" || name == "." {
		return "", fmt.Errorf("invalid snapshot key %q", key)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}
