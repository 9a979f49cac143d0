package efv

import (
	"time"

	"efv-go/internal/secret"
)

// EncryptionAlgo is recorded on every FileRecord written by this module.
const EncryptionAlgo = "efv-v3-age-scrypt"

// FileRecord is the metadata index entry for one vault file.
type FileRecord struct {
	FileID         string
	ContentHash    string
	DisplayName    string
	CurrentPath    string
	PlaintextSize  int64
	CreatedAt      time.Time
	RotatedAt      *time.Time
	EncryptionAlgo string
	FilenameStyle  string
	IDLength       int
	Tags           string
	Note           string
}

// KeyVersion is one row of a file's key history. Key is owned by the
// KeyVersion; call Close when done with it.
type KeyVersion struct {
	FileID       string
	Version      int64
	Key          *secret.Key
	CreatedAt    time.Time
	SupersededAt *time.Time
	Note         string
}

// Current reports whether this version has not been superseded.
func (v *KeyVersion) Current() bool { return v.SupersededAt == nil }

// Close zeroes the key material.
func (v *KeyVersion) Close() error {
	if v == nil || v.Key == nil {
		return nil
	}
	return v.Key.Close()
}

// CloseAll closes every version in vs.
func CloseAll(vs []*KeyVersion) {
	for _, v := range vs {
		v.Close()
	}
}

// Operation is a persisted record of one mutating vault command.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt *time.Time
	Operation  string
	Parameters string
	Status     string
}

// Query selects index records. Exactly one field should be set.
type Query struct {
	FileID      string
	Name        string
	Path        string
	ContentHash string
}
