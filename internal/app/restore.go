package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"efv-go/internal/config"
	"efv-go/internal/efv"
	"efv-go/internal/snapshot"
)

// RestoreSnapshots downloads both database snapshots over the local
// databases and returns the restored version. Existing databases are only
// replaced when overwrite is set. The snapshots are encrypted with the same
// keys as the databases they came from.
func RestoreSnapshots(ctx context.Context, cfg *config.Config, overwrite bool) (int64, error) {
	store, err := snapshot.NewStoreFromConfig(ctx, cfg.Snapshot)
	if err != nil {
		return 0, fmt.Errorf("creating snapshot store: %w", err)
	}
	if store == nil {
		return 0, errors.New("no snapshot store configured")
	}

	targets := []struct{ name, path string }{
		{efv.SnapshotVault, cfg.Paths.VaultDB},
		{efv.SnapshotIndex, cfg.Paths.IndexDB},
	}

	var version int64
	for _, t := range targets {
		v, err := store.GetSnapshotVersion(ctx, cfg.VaultID, t.name)
		if err != nil {
			return 0, fmt.Errorf("reading %s snapshot version: %w", t.name, err)
		}
		if v == 0 {
			return 0, fmt.Errorf("%s snapshot: %w", t.name, efv.ErrNotFound)
		}
		if version != 0 && v != version {
			return 0, fmt.Errorf("%w: snapshot versions differ (%s=%d, %s=%d)",
				efv.ErrConsistency, targets[0].name, version, t.name, v)
		}
		version = v

		if !overwrite {
			if _, err := os.Stat(t.path); err == nil {
				return 0, fmt.Errorf("%s exists; refusing to overwrite", t.path)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return 0, fmt.Errorf("%w: stat %s: %w", efv.ErrIO, t.path, err)
			}
		}
	}

	for _, t := range targets {
		if err := restoreOne(ctx, store, cfg.VaultID, t.name, t.path); err != nil {
			return 0, err
		}
	}
	return version, nil
}

// restoreOne downloads one snapshot into a temp file next to path and
// renames it into place.
func restoreOne(ctx context.Context, store efv.SnapshotStore, vaultID, name, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: creating database directory: %w", efv.ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, ".efv-restore-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %w", efv.ErrIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := store.GetSnapshot(ctx, vaultID, name, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("downloading %s snapshot: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: syncing %s snapshot: %w", efv.ErrIO, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing %s snapshot: %w", efv.ErrIO, name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: installing %s snapshot: %w", efv.ErrIO, name, err)
	}
	return nil
}
