// Package contentid derives stable file identifiers from plaintext content.
// An identifier is the lowercase hex BLAKE3-256 digest of the plaintext.
package contentid

import (
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// Size is the length of an identifier in hex characters.
const Size = 64

// Default naming used for files placed in a vault directory.
const (
	StyleHuman = "human"
	StyleID    = "id"

	DefaultStyle    = StyleHuman
	DefaultIDLength = 20

	// Extension is appended to every vault file name.
	Extension = ".efv"
)

// FromBytes returns the identifier of b.
func FromBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FromReader hashes r to EOF and returns the identifier and byte count.
func FromReader(r io.Reader) (string, int64, error) {
	d := NewDigest()
	if _, err := io.Copy(d, r); err != nil {
		return "", 0, fmt.Errorf("hashing content: %w", err)
	}
	return d.ID(), d.Size(), nil
}

// Digest accumulates an identifier incrementally. It is an io.Writer so it
// can sit behind an io.TeeReader while the same bytes are encrypted.
type Digest struct {
	h *blake3.Hasher
	n int64
}

// NewDigest returns an empty Digest.
func NewDigest() *Digest {
	return &Digest{h: blake3.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// ID returns the identifier of everything written so far.
func (d *Digest) ID() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Size returns the number of bytes written so far.
func (d *Digest) Size() int64 { return d.n }

// Valid reports whether id looks like an identifier.
func Valid(id string) bool {
	if len(id) != Size {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil && strings.ToLower(id) == id
}

// VaultFileName returns the on-disk name for a file stored in a vault
// directory.
//
//	style "id":    <id[:idLen]>.efv
//	style "human": <sanitized stem>-<id[:idLen]>.efv
func VaultFileName(id, displayName, style string, idLen int) (string, error) {
	if !Valid(id) {
		return "", fmt.Errorf("invalid content id: %q", id)
	}
	if idLen <= 0 || idLen > Size {
		return "", fmt.Errorf("id length must be between 1 and %d, got %d", Size, idLen)
	}
	short := id[:idLen]

	switch style {
	case StyleID:
		return short + Extension, nil
	case StyleHuman, "":
		stem := sanitize(strings.TrimSuffix(filepath.Base(displayName), filepath.Ext(displayName)))
		if stem == "" {
			return short + Extension, nil
		}
		return stem + "-" + short + Extension, nil
	default:
		return "", fmt.Errorf("unknown filename style: %s", style)
	}
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '-' || r == '_':
			b.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r) || r == '.':
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
