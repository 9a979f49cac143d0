package efv

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by this module matches exactly one
// of these with errors.Is.
var (
	// ErrIO covers filesystem failures. Not retried automatically.
	ErrIO = errors.New("io error")
	// ErrCrypto covers authentication failures, format mismatches and wrong
	// credentials. Never retry with the same credential.
	ErrCrypto = errors.New("crypto error")
	// ErrDatabase covers constraint violations, missing rows and storage I/O.
	ErrDatabase = errors.New("database error")
	// ErrConsistency means the vault's stores disagree with each other or
	// with the filesystem. Requires manual intervention.
	ErrConsistency = errors.New("consistency error")
)

// Crypto refinements.
var (
	ErrWrongCredential   = fmt.Errorf("%w: wrong credential", ErrCrypto)
	ErrCorruptContainer  = fmt.Errorf("%w: corrupt container", ErrCrypto)
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported container format", ErrCrypto)
	ErrLegacyContainer   = fmt.Errorf("%w: legacy container must be upgraded first", ErrCrypto)
)

// Database refinements.
var (
	ErrNotFound = fmt.Errorf("%w: not found", ErrDatabase)
)

// Kind returns the category sentinel err belongs to, or nil if it belongs
// to none.
func Kind(err error) error {
	for _, k := range []error{ErrConsistency, ErrCrypto, ErrDatabase, ErrIO} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// ioError tags err as ErrIO.
func ioError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

// tagged wraps err with kind unless it already carries a category.
func tagged(op string, kind, err error) error {
	if Kind(err) != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}
