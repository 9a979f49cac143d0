// Package database implements the key store and the metadata index on
// page-encrypted SQLCipher databases.
package database

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mutecomm/go-sqlcipher/v4" // SQLCipher driver, registered as "sqlite3"

	"efv-go/internal/efv"
	"efv-go/internal/secret"
)

const (
	cipherPageSize = 4096
	busyTimeoutMS  = 5000
)

// dsn builds a connection string that keys every connection of the pool
// with the raw 256-bit key, skipping SQLCipher's own passphrase KDF.
func dsn(path string, key *secret.Key) string {
	params := url.Values{}
	params.Set("_pragma_key", "x'"+key.Hex()+"'")
	params.Set("_pragma_cipher_page_size", fmt.Sprint(cipherPageSize))
	params.Set("_busy_timeout", fmt.Sprint(busyTimeoutMS))
	params.Set("_txlock", "immediate")
	return path + "?" + params.Encode()
}

// OpenConnection opens and configures a SQLCipher database at path keyed
// with key. The file is created if missing. A key that does not open an
// existing file is reported as efv.ErrWrongCredential.
//
// The pool is limited to one connection so every mutation path in this
// process is single-writer.
func OpenConnection(path string, key *secret.Key) (*sql.DB, error) {
	if key == nil || key.Closed() {
		return nil, fmt.Errorf("%w: database key not set", efv.ErrWrongCredential)
	}

	db, err := sql.Open("sqlite3", dsn(path, key))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", efv.ErrDatabase, err)
	}
	db.SetMaxOpenConns(1)

	// The key is only checked once a page is read.
	var n int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: opening %s: %w", efv.ErrWrongCredential, path, err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to enable foreign keys: %w", efv.ErrDatabase, err)
	}

	return db, nil
}

// backupTo exports db into a new encrypted file at destPath keyed with key.
func backupTo(db *sql.DB, destPath string, key *secret.Key) error {
	if _, err := db.Exec("ATTACH DATABASE ? AS backup KEY ?", destPath, "x'"+key.Hex()+"'"); err != nil {
		return fmt.Errorf("%w: attaching backup: %w", efv.ErrDatabase, err)
	}
	_, exportErr := db.Exec("SELECT sqlcipher_export('backup')")
	if _, err := db.Exec("DETACH DATABASE backup"); err != nil && exportErr == nil {
		exportErr = err
	}
	if exportErr != nil {
		return fmt.Errorf("%w: backing up database: %w", efv.ErrDatabase, exportErr)
	}
	return nil
}
