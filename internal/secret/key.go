// Package secret holds vault key material outside the Go heap where the
// platform allows it. Keys are zeroed when closed.
package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
)

// KeySize is the length in bytes of every vault key.
const KeySize = 32

// Key is a 256-bit symmetric key. A Key must not be copied after creation.
// After Close, Bytes and Hex panic.
type Key struct {
	mu     sync.Mutex
	data   []byte
	free   func([]byte) error
	closed bool
}

// NewKey returns a fresh key filled from crypto/rand.
func NewKey() (*Key, error) {
	k, err := newKey()
	if err != nil {
		return nil, err
	}
	if _, err := rand.Read(k.data); err != nil {
		k.Close()
		return nil, fmt.Errorf("secret: reading random bytes: %w", err)
	}
	return k, nil
}

// KeyFromBytes copies source into a new key and zeroes source.
func KeyFromBytes(source []byte) (*Key, error) {
	if len(source) != KeySize {
		return nil, fmt.Errorf("secret: key must be %d bytes, got %d", KeySize, len(source))
	}
	k, err := newKey()
	if err != nil {
		return nil, err
	}
	copy(k.data, source)
	clear(source)
	return k, nil
}

// KeyFromHex decodes a 64-character hex string into a key.
func KeyFromHex(s string) (*Key, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("secret: decoding hex key: %w", err)
	}
	return KeyFromBytes(raw)
}

func newKey() (*Key, error) {
	data, free, err := alloc(KeySize)
	if err != nil {
		return nil, err
	}
	return &Key{data: data, free: free}, nil
}

// Bytes returns the key material. The slice aliases protected memory and
// must not be retained past Close.
func (k *Key) Bytes() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		panic("secret: read from closed key")
	}
	return k.data
}

// Hex returns the lowercase hex encoding of the key. The returned string
// lives on the heap.
func (k *Key) Hex() string {
	return hex.EncodeToString(k.Bytes())
}

// Equal reports whether both keys hold the same bytes, in constant time.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return subtle.ConstantTimeCompare(k.Bytes(), other.Bytes()) == 1
}

// Clone returns an independent copy of k.
func (k *Key) Clone() (*Key, error) {
	c, err := newKey()
	if err != nil {
		return nil, err
	}
	copy(c.data, k.Bytes())
	return c, nil
}

// Closed reports whether Close has been called.
func (k *Key) Closed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

// Close zeroes and releases the key. Close is idempotent.
func (k *Key) Close() error {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	clear(k.data)
	err := k.free(k.data)
	k.data = nil
	return err
}

// String never prints key material.
func (k *Key) String() string { return "secret.Key(redacted)" }
