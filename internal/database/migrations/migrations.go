// Package migrations applies the embedded schema sets to SQLCipher
// databases. The key store and the metadata index live in separate files
// and carry separate schema histories.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlcipher"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed keystore/*.sql index/*.sql
var migrationFiles embed.FS

// Set names one schema history.
type Set string

const (
	KeyStore Set = "keystore"
	Index    Set = "index"
)

// Sets lists every schema set, in the order tools should process them.
var Sets = []Set{KeyStore, Index}

func (s Set) valid() bool {
	return s == KeyStore || s == Index
}

// CheckDBMigrationStatus verifies that the database schema for set is
// up-to-date. Returns nil if the database is at the latest version.
func CheckDBMigrationStatus(db *sql.DB, set Set) error {
	m, err := newMigrate(db, set)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close db, which the caller owns.

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("database has no schema version (needs migration)")
		}
		return fmt.Errorf("failed to get database version: %w", err)
	}

	if dirty {
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", version)
	}

	sourceDriver, err := iofs.New(migrationFiles, string(set))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}
	defer sourceDriver.Close()

	latestVersion, err := getLatestVersion(sourceDriver)
	if err != nil {
		return fmt.Errorf("failed to determine latest version: %w", err)
	}

	if version < latestVersion {
		return fmt.Errorf("%s database is at version %d but latest is %d (%d migrations behind)",
			set, version, latestVersion, latestVersion-version)
	}

	if version > latestVersion {
		return fmt.Errorf("%s database version %d is ahead of binary version %d (binary needs update)",
			set, version, latestVersion)
	}

	return nil
}

// MigrateUp runs all pending migrations of set.
func MigrateUp(db *sql.DB, set Set) error {
	m, err := newMigrate(db, set)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("%s migration failed: %w", set, err)
	}

	return nil
}

func newMigrate(db *sql.DB, set Set) (*migrate.Migrate, error) {
	if !set.valid() {
		return nil, fmt.Errorf("unknown schema set %q", set)
	}

	sourceDriver, err := iofs.New(migrationFiles, string(set))
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	dbDriver, err := sqlcipher.WithInstance(db, &sqlcipher.Config{})
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlcipher", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// getLatestVersion returns the highest version number available in src.
func getLatestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}

	latestVersion := version
	for {
		nextVersion, err := src.Next(latestVersion)
		if err != nil {
			// Next fails once there are no more migrations.
			break
		}
		latestVersion = nextVersion
	}

	return latestVersion, nil
}
