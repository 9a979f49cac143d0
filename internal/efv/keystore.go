package efv

import (
	"context"

	"efv-go/internal/secret"
)

// Key history notes written by the store itself.
const (
	NoteInitial  = "initial"
	NoteUpdate   = "update"
	NoteRotation = "rotation"
	NoteBackfill = "backfill"
)

// KeyStore persists the key history of every vault file. For each file the
// versions are contiguous from 1 and exactly one version is current.
type KeyStore interface {
	// StoreInitialVersion records key as version 1 with note "initial". If
	// the file already has versions it behaves like StoreNextVersion with
	// note "update".
	StoreInitialVersion(ctx context.Context, fileID string, key *secret.Key) (*KeyVersion, error)

	// StoreNextVersion supersedes the current version and appends key as
	// the next one, atomically. Returns ErrConsistency if the file has no
	// versions. An empty note defaults to "rotation".
	StoreNextVersion(ctx context.Context, fileID string, key *secret.Key, note string) (*KeyVersion, error)

	// CurrentKeyFor returns the non-superseded version or ErrNotFound.
	CurrentKeyFor(ctx context.Context, fileID string) (*KeyVersion, error)

	// HistoryFor returns every version, oldest first. Empty if none.
	HistoryFor(ctx context.Context, fileID string) ([]*KeyVersion, error)

	// BackfillHistory synthesizes version 1 for current-key rows written
	// before history existed. Returns the number of rows added.
	BackfillHistory(ctx context.Context) (int, error)

	// CheckMigrations verifies the schema is up to date.
	CheckMigrations() error

	// BackupTo writes an encrypted copy of the store to destPath.
	BackupTo(destPath string) error

	Close() error
}
