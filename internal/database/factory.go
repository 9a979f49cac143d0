package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"efv-go/internal/config"
	"efv-go/internal/efv"
	"efv-go/internal/secret"
)

// NewKeyStoreFromConfig opens the key store named by cfg.VaultDB.
func NewKeyStoreFromConfig(ctx context.Context, cfg config.PathsConfig, dbKey *secret.Key, clock efv.Clock) (*SQLiteKeyStore, error) {
	if cfg.VaultDB == "" {
		return nil, fmt.Errorf("vault_db required for key store")
	}
	if err := ensureDir(cfg.VaultDB); err != nil {
		return nil, err
	}
	return NewSQLiteKeyStore(ctx, cfg.VaultDB, dbKey, clock)
}

// NewIndexFromConfig opens the metadata index named by cfg.IndexDB.
func NewIndexFromConfig(cfg config.PathsConfig, dbKey *secret.Key, clock efv.Clock) (*SQLiteIndex, error) {
	if cfg.IndexDB == "" {
		return nil, fmt.Errorf("index_db required for metadata index")
	}
	if cfg.IndexDB == cfg.VaultDB {
		return nil, fmt.Errorf("index_db must differ from vault_db")
	}
	if err := ensureDir(cfg.IndexDB); err != nil {
		return nil, err
	}
	return NewSQLiteIndex(cfg.IndexDB, dbKey, clock)
}

func ensureDir(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return fmt.Errorf("%w: creating database directory: %w", efv.ErrIO, err)
	}
	return nil
}
