package snapshot

import (
	"context"
	"fmt"

	"efv-go/internal/config"
	"efv-go/internal/efv"
)

// NewStoreFromConfig creates a snapshot store from the [snapshot] config
// section. Type "none" (or empty) returns a nil store: snapshots are off.
func NewStoreFromConfig(ctx context.Context, cfg config.SnapshotConfig) (efv.SnapshotStore, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("filesystem snapshot store requires dir to be set")
		}
		s, err := NewFileSystemStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		s, err := NewS3StoreFromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown snapshot type: %s", cfg.Type)
	}
}
