package database

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"

	"efv-go/internal/database/migrations"
	"efv-go/internal/database/sqlc"
	"efv-go/internal/efv"
	"efv-go/internal/secret"
)

// SQLiteKeyStore implements efv.KeyStore on an encrypted SQLCipher file.
// Key material is stored in key_history, one row per version, and mirrored
// into the keys table for the current version only.
type SQLiteKeyStore struct {
	db      *sql.DB
	queries *sqlc.Queries
	dbKey   *secret.Key
	clock   efv.Clock
	path    string
}

var _ efv.KeyStore = (*SQLiteKeyStore)(nil)

// NewSQLiteKeyStore opens (creating if needed) the key store at path,
// applies pending migrations and backfills history for legacy rows.
// dbKey is cloned; the caller keeps ownership of its copy.
func NewSQLiteKeyStore(ctx context.Context, path string, dbKey *secret.Key, clock efv.Clock) (*SQLiteKeyStore, error) {
	db, err := OpenConnection(path, dbKey)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db, migrations.KeyStore); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrating key store: %w", efv.ErrDatabase, err)
	}
	s, err := newSQLiteKeyStore(db, path, dbKey, clock)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := s.BackfillHistory(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newSQLiteKeyStore(db *sql.DB, path string, dbKey *secret.Key, clock efv.Clock) (*SQLiteKeyStore, error) {
	k, err := dbKey.Clone()
	if err != nil {
		return nil, fmt.Errorf("copying database key: %w", err)
	}
	if clock == nil {
		clock = efv.RealClock{}
	}
	return &SQLiteKeyStore{
		db:      db,
		queries: sqlc.New(db),
		dbKey:   k,
		clock:   clock,
		path:    path,
	}, nil
}

func (s *SQLiteKeyStore) StoreInitialVersion(ctx context.Context, fileID string, key *secret.Key) (*efv.KeyVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: starting transaction: %w", efv.ErrDatabase, err)
	}
	defer tx.Rollback()

	qtx := s.queries.WithTx(tx)

	latest, err := qtx.GetMaxKeyVersion(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key version: %w", efv.ErrDatabase, err)
	}

	var v *efv.KeyVersion
	if latest == 0 {
		v, err = s.insertVersion(ctx, qtx, fileID, 1, key, efv.NoteInitial)
	} else {
		v, err = s.appendVersion(ctx, qtx, fileID, latest, key, efv.NoteUpdate)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		v.Close()
		return nil, fmt.Errorf("%w: committing transaction: %w", efv.ErrDatabase, err)
	}
	return v, nil
}

func (s *SQLiteKeyStore) StoreNextVersion(ctx context.Context, fileID string, key *secret.Key, note string) (*efv.KeyVersion, error) {
	if note == "" {
		note = efv.NoteRotation
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: starting transaction: %w", efv.ErrDatabase, err)
	}
	defer tx.Rollback()

	qtx := s.queries.WithTx(tx)

	latest, err := qtx.GetMaxKeyVersion(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key version: %w", efv.ErrDatabase, err)
	}
	if latest == 0 {
		return nil, fmt.Errorf("%w: no key history for file %s", efv.ErrConsistency, fileID)
	}

	v, err := s.appendVersion(ctx, qtx, fileID, latest, key, note)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		v.Close()
		return nil, fmt.Errorf("%w: committing transaction: %w", efv.ErrDatabase, err)
	}
	return v, nil
}

// appendVersion supersedes version latest and inserts latest+1.
func (s *SQLiteKeyStore) appendVersion(ctx context.Context, qtx *sqlc.Queries, fileID string, latest int64, key *secret.Key, note string) (*efv.KeyVersion, error) {
	now := s.clock.Now()
	err := qtx.SupersedeKeyVersion(ctx, sqlc.SupersedeKeyVersionParams{
		SupersededAt: sql.NullTime{Time: now, Valid: true},
		FileID:       fileID,
		Version:      latest,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: superseding version %d: %w", efv.ErrDatabase, latest, err)
	}
	return s.insertVersion(ctx, qtx, fileID, latest+1, key, note)
}

// insertVersion writes a current row and updates the keys projection. It
// is the only path that writes either table.
func (s *SQLiteKeyStore) insertVersion(ctx context.Context, qtx *sqlc.Queries, fileID string, version int64, key *secret.Key, note string) (*efv.KeyVersion, error) {
	if key == nil || key.Closed() {
		return nil, fmt.Errorf("%w: key not set", efv.ErrCrypto)
	}
	now := s.clock.Now()

	err := qtx.InsertKeyVersion(ctx, sqlc.InsertKeyVersionParams{
		FileID:    fileID,
		Version:   version,
		KeyBlob:   key.Bytes(),
		CreatedAt: now,
		Note:      note,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: inserting version %d: %w", efv.ErrDatabase, version, err)
	}

	err = qtx.UpsertCurrentKey(ctx, sqlc.UpsertCurrentKeyParams{
		FileID:    fileID,
		KeyBlob:   key.Bytes(),
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: updating current key: %w", efv.ErrDatabase, err)
	}

	k, err := key.Clone()
	if err != nil {
		return nil, fmt.Errorf("%w: copying key: %w", efv.ErrCrypto, err)
	}
	return &efv.KeyVersion{
		FileID:    fileID,
		Version:   version,
		Key:       k,
		CreatedAt: now,
		Note:      note,
	}, nil
}

// CurrentKeyFor returns the current history row after checking that the keys
// projection holds the same key.
func (s *SQLiteKeyStore) CurrentKeyFor(ctx context.Context, fileID string) (*efv.KeyVersion, error) {
	row, err := s.queries.GetCurrentKeyVersion(ctx, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("current key for %s: %w", fileID, efv.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: finding current key: %w", efv.ErrDatabase, err)
	}
	defer clear(row.KeyBlob)

	projected, err := s.queries.GetCurrentKey(ctx, fileID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: reading keys projection: %w", efv.ErrDatabase, err)
	}
	defer clear(projected.KeyBlob)
	if err != nil || subtle.ConstantTimeCompare(projected.KeyBlob, row.KeyBlob) != 1 {
		return nil, fmt.Errorf("%w: keys projection for %s does not match current version %d",
			efv.ErrConsistency, fileID, row.Version)
	}
	return toKeyVersion(row)
}

func (s *SQLiteKeyStore) HistoryFor(ctx context.Context, fileID string) ([]*efv.KeyVersion, error) {
	rows, err := s.queries.GetKeyVersions(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing key history: %w", efv.ErrDatabase, err)
	}

	result := make([]*efv.KeyVersion, 0, len(rows))
	for _, row := range rows {
		v, err := toKeyVersion(row)
		if err != nil {
			efv.CloseAll(result)
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

func (s *SQLiteKeyStore) BackfillHistory(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: starting transaction: %w", efv.ErrDatabase, err)
	}
	defer tx.Rollback()

	qtx := s.queries.WithTx(tx)

	orphans, err := qtx.GetKeysWithoutHistory(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: finding keys without history: %w", efv.ErrDatabase, err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	for _, k := range orphans {
		err := qtx.InsertKeyVersion(ctx, sqlc.InsertKeyVersionParams{
			FileID:    k.FileID,
			Version:   1,
			KeyBlob:   k.KeyBlob,
			CreatedAt: k.CreatedAt,
			Note:      efv.NoteBackfill,
		})
		clear(k.KeyBlob)
		if err != nil {
			return 0, fmt.Errorf("%w: backfilling %s: %w", efv.ErrDatabase, k.FileID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: committing transaction: %w", efv.ErrDatabase, err)
	}
	return len(orphans), nil
}

func toKeyVersion(row sqlc.KeyHistory) (*efv.KeyVersion, error) {
	k, err := secret.KeyFromBytes(row.KeyBlob)
	if err != nil {
		return nil, fmt.Errorf("%w: stored key for %s v%d: %w", efv.ErrConsistency, row.FileID, row.Version, err)
	}
	v := &efv.KeyVersion{
		FileID:    row.FileID,
		Version:   row.Version,
		Key:       k,
		CreatedAt: row.CreatedAt,
		Note:      row.Note,
	}
	if row.SupersededAt.Valid {
		t := row.SupersededAt.Time
		v.SupersededAt = &t
	}
	return v, nil
}

// Path returns the database file path.
func (s *SQLiteKeyStore) Path() string {
	return s.path
}

// CheckMigrations verifies the key store schema is up-to-date.
func (s *SQLiteKeyStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db, migrations.KeyStore)
}

// BackupTo writes an encrypted copy of the store, keyed like the original.
func (s *SQLiteKeyStore) BackupTo(destPath string) error {
	return backupTo(s.db, destPath, s.dbKey)
}

func (s *SQLiteKeyStore) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	s.dbKey.Close()
	return err
}
