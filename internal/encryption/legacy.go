package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"efv-go/internal/efv"
)

// Legacy (major 2) layout:
//
//	EFV 0x02 0x00 | salt[16] | iterations uint32 BE | nonce[24] | ciphertext+tag
//
// The key is PBKDF2-HMAC-SHA256(password, salt, iterations). Everything
// before the nonce is authenticated as associated data.
const (
	legacySaltSize      = 16
	legacyPrefixSize    = efv.HeaderSize + legacySaltSize + 4
	maxLegacyIterations = 10_000_000
)

// SealLegacy encodes plaintext as a major-2 container using the policy's
// LegacyIterations. Only used to produce containers for import and
// interoperability testing.
func (e *Engine) SealLegacy(plaintext []byte, password string) ([]byte, error) {
	return sealLegacy(plaintext, password, e.policy.LegacyIterations)
}

func sealLegacy(plaintext []byte, password string, iterations int) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", efv.ErrCrypto)
	}
	if iterations < 1 || iterations > maxLegacyIterations {
		return nil, fmt.Errorf("legacy iterations out of range: %d", iterations)
	}

	prefix := make([]byte, legacyPrefixSize, legacyPrefixSize+chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	copy(prefix, header(efv.LegacyMajor))
	if _, err := rand.Read(prefix[efv.HeaderSize : efv.HeaderSize+legacySaltSize]); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	binary.BigEndian.PutUint32(prefix[efv.HeaderSize+legacySaltSize:], uint32(iterations))

	aead, err := legacyAEAD(password, prefix)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	out := append(prefix, nonce...)
	return aead.Seal(out, nonce, plaintext, prefix), nil
}

// openLegacy decrypts a major-2 container. An authentication failure is
// reported as a wrong credential: the AEAD cannot tell a wrong password
// from tampered ciphertext once the structure has parsed.
func openLegacy(container []byte, cred efv.Credential) ([]byte, error) {
	password, err := cred.Passphrase()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", efv.ErrWrongCredential, err)
	}
	if len(container) < legacyPrefixSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: legacy container truncated", efv.ErrCorruptContainer)
	}
	prefix := container[:legacyPrefixSize]
	iterations := binary.BigEndian.Uint32(prefix[efv.HeaderSize+legacySaltSize:])
	if iterations == 0 || iterations > maxLegacyIterations || iterations > math.MaxInt32 {
		return nil, fmt.Errorf("%w: legacy iteration count %d", efv.ErrCorruptContainer, iterations)
	}

	aead, err := legacyAEAD(password, prefix)
	if err != nil {
		return nil, err
	}
	rest := container[legacyPrefixSize:]
	nonce, ciphertext := rest[:chacha20poly1305.NonceSizeX], rest[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: legacy authentication failed", efv.ErrWrongCredential)
	}
	return plaintext, nil
}

func legacyAEAD(password string, prefix []byte) (cipher.AEAD, error) {
	salt := prefix[efv.HeaderSize : efv.HeaderSize+legacySaltSize]
	iterations := int(binary.BigEndian.Uint32(prefix[efv.HeaderSize+legacySaltSize:]))
	key := pbkdf2.Key([]byte(password), salt, iterations, chacha20poly1305.KeySize, sha256.New)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", efv.ErrCrypto, err)
	}
	return aead, nil
}
