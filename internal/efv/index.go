package efv

import (
	"context"
	"time"
)

// MetadataIndex stores one FileRecord per vault file. It shares no
// transaction with the KeyStore.
type MetadataIndex interface {
	// Upsert inserts or replaces the record with the same FileID.
	Upsert(ctx context.Context, rec *FileRecord) error

	// MarkRotated sets rotated_at to now. ErrNotFound for unknown files.
	MarkRotated(ctx context.Context, fileID string) error

	// SetRotatedAt sets rotated_at to t. ErrNotFound for unknown files.
	SetRotatedAt(ctx context.Context, fileID string, t time.Time) error

	// Lookups return ErrNotFound when nothing matches.
	FindByID(ctx context.Context, fileID string) (*FileRecord, error)
	FindByName(ctx context.Context, name string) ([]*FileRecord, error)
	FindByPath(ctx context.Context, path string) (*FileRecord, error)
	FindByContentHash(ctx context.Context, hash string) (*FileRecord, error)
	List(ctx context.Context) ([]*FileRecord, error)

	// Operation log.
	CreateOperation(ctx context.Context, operation, parameters string) (*Operation, error)
	FinishOperation(ctx context.Context, id int64, status string) error
	ListOperations(ctx context.Context, limit int) ([]*Operation, error)
	MaxOperationID(ctx context.Context) (int64, error)

	CheckMigrations() error
	BackupTo(destPath string) error
	Close() error
}
