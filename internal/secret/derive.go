package secret

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for database keys. N=2^15 keeps an interactive open
// well under a second.
const (
	deriveN = 1 << 15
	deriveR = 8
	deriveP = 1
)

// DeriveKey stretches passphrase into a key bound to salt. The same
// passphrase and salt always yield the same key.
func DeriveKey(passphrase, salt string) (*Key, error) {
	if passphrase == "" {
		return nil, errors.New("secret: empty passphrase")
	}
	if salt == "" {
		return nil, errors.New("secret: empty salt")
	}
	raw, err := scrypt.Key([]byte(passphrase), []byte("efv-db:"+salt), deriveN, deriveR, deriveP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("secret: deriving key: %w", err)
	}
	return KeyFromBytes(raw)
}

// ParseKey accepts either a 64-character hex key, used as is, or a
// passphrase, which is stretched with DeriveKey.
func ParseKey(s, salt string) (*Key, error) {
	if len(s) == hex.EncodedLen(KeySize) {
		if k, err := KeyFromHex(s); err == nil {
			return k, nil
		}
	}
	return DeriveKey(s, salt)
}
