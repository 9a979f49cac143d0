package efv

import (
	"context"
	"io"
)

// Snapshot names, one per database.
const (
	SnapshotVault = "vault"
	SnapshotIndex = "index"
)

// SnapshotStore keeps the latest encrypted copy of each vault database,
// keyed by vault id and snapshot name. Snapshots are already encrypted
// with the database key; stores never see plaintext.
type SnapshotStore interface {
	// PutSnapshot stores size bytes read from r together with version, the
	// id of the operation that produced it.
	PutSnapshot(ctx context.Context, vaultID, name string, r io.Reader, size int64, version int64) error

	// GetSnapshot writes the stored snapshot to w. ErrNotFound if missing.
	GetSnapshot(ctx context.Context, vaultID, name string, w io.Writer) error

	// GetSnapshotVersion returns the stored version, or 0 if there is none.
	GetSnapshotVersion(ctx context.Context, vaultID, name string) (int64, error)

	// ValidateSetup verifies the store is reachable and writable.
	ValidateSetup(ctx context.Context) error
}
