package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"efv-go/internal/database/migrations"
	"efv-go/internal/database/sqlc"
	"efv-go/internal/efv"
	"efv-go/internal/secret"
)

// SQLiteIndex implements efv.MetadataIndex on its own SQLCipher file. It
// also carries the operation log of mutating commands.
type SQLiteIndex struct {
	db      *sql.DB
	queries *sqlc.Queries
	dbKey   *secret.Key
	clock   efv.Clock
	path    string
}

var _ efv.MetadataIndex = (*SQLiteIndex)(nil)

// NewSQLiteIndex opens (creating if needed) the index at path and applies
// pending migrations. dbKey is cloned.
func NewSQLiteIndex(path string, dbKey *secret.Key, clock efv.Clock) (*SQLiteIndex, error) {
	db, err := OpenConnection(path, dbKey)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db, migrations.Index); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrating index: %w", efv.ErrDatabase, err)
	}
	k, err := dbKey.Clone()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("copying database key: %w", err)
	}
	if clock == nil {
		clock = efv.RealClock{}
	}
	return &SQLiteIndex{
		db:      db,
		queries: sqlc.New(db),
		dbKey:   k,
		clock:   clock,
		path:    path,
	}, nil
}

// File operations

func (s *SQLiteIndex) Upsert(ctx context.Context, rec *efv.FileRecord) error {
	err := s.queries.UpsertFile(ctx, sqlc.UpsertFileParams{
		FileID:         rec.FileID,
		ContentHash:    rec.ContentHash,
		DisplayName:    rec.DisplayName,
		CurrentPath:    rec.CurrentPath,
		PlaintextSize:  rec.PlaintextSize,
		CreatedAt:      rec.CreatedAt,
		RotatedAt:      nullTime(rec.RotatedAt),
		EncryptionAlgo: rec.EncryptionAlgo,
		FilenameStyle:  rec.FilenameStyle,
		IDLength:       int64(rec.IDLength),
		Tags:           rec.Tags,
		Note:           rec.Note,
	})
	if err != nil {
		return fmt.Errorf("%w: upserting file %s: %w", efv.ErrDatabase, rec.FileID, err)
	}
	return nil
}

func (s *SQLiteIndex) MarkRotated(ctx context.Context, fileID string) error {
	return s.SetRotatedAt(ctx, fileID, s.clock.Now())
}

func (s *SQLiteIndex) SetRotatedAt(ctx context.Context, fileID string, t time.Time) error {
	n, err := s.queries.UpdateFileRotatedAt(ctx, sqlc.UpdateFileRotatedAtParams{
		RotatedAt: sql.NullTime{Time: t, Valid: true},
		FileID:    fileID,
	})
	if err != nil {
		return fmt.Errorf("%w: updating rotated_at: %w", efv.ErrDatabase, err)
	}
	if n == 0 {
		return fmt.Errorf("file %s: %w", fileID, efv.ErrNotFound)
	}
	return nil
}

func (s *SQLiteIndex) FindByID(ctx context.Context, fileID string) (*efv.FileRecord, error) {
	f, err := s.queries.GetFileByID(ctx, fileID)
	return oneFile(f, err, "id", fileID)
}

func (s *SQLiteIndex) FindByName(ctx context.Context, name string) ([]*efv.FileRecord, error) {
	files, err := s.queries.GetFilesByDisplayName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: finding files by name: %w", efv.ErrDatabase, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("file named %q: %w", name, efv.ErrNotFound)
	}
	return toFileRecords(files), nil
}

func (s *SQLiteIndex) FindByPath(ctx context.Context, path string) (*efv.FileRecord, error) {
	f, err := s.queries.GetFileByCurrentPath(ctx, path)
	return oneFile(f, err, "path", path)
}

func (s *SQLiteIndex) FindByContentHash(ctx context.Context, hash string) (*efv.FileRecord, error) {
	f, err := s.queries.GetFileByContentHash(ctx, hash)
	return oneFile(f, err, "content hash", hash)
}

func (s *SQLiteIndex) List(ctx context.Context) ([]*efv.FileRecord, error) {
	files, err := s.queries.GetFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing files: %w", efv.ErrDatabase, err)
	}
	return toFileRecords(files), nil
}

func oneFile(f sqlc.File, err error, by, value string) (*efv.FileRecord, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("file with %s %s: %w", by, value, efv.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: finding file by %s: %w", efv.ErrDatabase, by, err)
	}
	return toFileRecord(f), nil
}

func toFileRecords(files []sqlc.File) []*efv.FileRecord {
	result := make([]*efv.FileRecord, len(files))
	for i := range files {
		result[i] = toFileRecord(files[i])
	}
	return result
}

func toFileRecord(f sqlc.File) *efv.FileRecord {
	rec := &efv.FileRecord{
		FileID:         f.FileID,
		ContentHash:    f.ContentHash,
		DisplayName:    f.DisplayName,
		CurrentPath:    f.CurrentPath,
		PlaintextSize:  f.PlaintextSize,
		CreatedAt:      f.CreatedAt,
		EncryptionAlgo: f.EncryptionAlgo,
		FilenameStyle:  f.FilenameStyle,
		IDLength:       int(f.IDLength),
		Tags:           f.Tags,
		Note:           f.Note,
	}
	if f.RotatedAt.Valid {
		t := f.RotatedAt.Time
		rec.RotatedAt = &t
	}
	return rec
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Operation log

func (s *SQLiteIndex) CreateOperation(ctx context.Context, operation, parameters string) (*efv.Operation, error) {
	now := s.clock.Now()
	id, err := s.queries.InsertOperation(ctx, sqlc.InsertOperationParams{
		StartedAt:  now,
		Operation:  operation,
		Parameters: parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating operation: %w", efv.ErrDatabase, err)
	}
	return &efv.Operation{
		ID:         id,
		StartedAt:  now,
		Operation:  operation,
		Parameters: parameters,
	}, nil
}

func (s *SQLiteIndex) FinishOperation(ctx context.Context, id int64, status string) error {
	err := s.queries.UpdateOperationFinished(ctx, sqlc.UpdateOperationFinishedParams{
		FinishedAt: sql.NullTime{Time: s.clock.Now(), Valid: true},
		Status:     status,
		ID:         id,
	})
	if err != nil {
		return fmt.Errorf("%w: finishing operation: %w", efv.ErrDatabase, err)
	}
	return nil
}

func (s *SQLiteIndex) ListOperations(ctx context.Context, limit int) ([]*efv.Operation, error) {
	ops, err := s.queries.GetOperations(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: listing operations: %w", efv.ErrDatabase, err)
	}

	result := make([]*efv.Operation, len(ops))
	for i, op := range ops {
		o := &efv.Operation{
			ID:         op.ID,
			StartedAt:  op.StartedAt,
			Operation:  op.Operation,
			Parameters: op.Parameters,
			Status:     op.Status,
		}
		if op.FinishedAt.Valid {
			t := op.FinishedAt.Time
			o.FinishedAt = &t
		}
		result[i] = o
	}
	return result, nil
}

func (s *SQLiteIndex) MaxOperationID(ctx context.Context) (int64, error) {
	id, err := s.queries.GetMaxOperationID(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: getting max operation ID: %w", efv.ErrDatabase, err)
	}
	return id, nil
}

// Path returns the database file path.
func (s *SQLiteIndex) Path() string {
	return s.path
}

// CheckMigrations verifies the index schema is up-to-date.
func (s *SQLiteIndex) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db, migrations.Index)
}

// BackupTo writes an encrypted copy of the index, keyed like the original.
func (s *SQLiteIndex) BackupTo(destPath string) error {
	return backupTo(s.db, destPath, s.dbKey)
}

func (s *SQLiteIndex) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	s.dbKey.Close()
	return err
}
