package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"efv-go/internal/database"
	"efv-go/internal/efv"
)

// NewTestKeyStore opens a migrated key store in a temp dir under a random
// database key. It is closed when the test completes.
func NewTestKeyStore(t *testing.T, clock efv.Clock) *database.SQLiteKeyStore {
	t.Helper()

	ks, err := database.NewSQLiteKeyStore(context.Background(), filepath.Join(t.TempDir(), "vault.db"), NewKey(t), clock)
	if err != nil {
		t.Fatalf("failed to open key store: %v", err)
	}
	t.Cleanup(func() { ks.Close() })
	return ks
}

// NewTestIndex opens a migrated metadata index in a temp dir. It is closed
// when the test completes.
func NewTestIndex(t *testing.T, clock efv.Clock) *database.SQLiteIndex {
	t.Helper()

	idx, err := database.NewSQLiteIndex(filepath.Join(t.TempDir(), "index.db"), NewKey(t), clock)
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}
