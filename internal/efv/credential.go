package efv

import (
	"errors"

	"efv-go/internal/secret"
)

// CredentialKind distinguishes low-entropy human passwords from uniformly
// random vault keys. The KDF work factor depends on it.
type CredentialKind int

const (
	CredentialNone CredentialKind = iota
	CredentialHumanPassword
	CredentialRandomKey
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialHumanPassword:
		return "human-password"
	case CredentialRandomKey:
		return "random-key"
	default:
		return "none"
	}
}

// Credential unlocks a container. Build one with HumanPassword or RandomKey.
// The zero value is invalid.
type Credential struct {
	kind     CredentialKind
	password string
	key      *secret.Key
}

// HumanPassword wraps a password typed by a person.
func HumanPassword(password string) Credential {
	return Credential{kind: CredentialHumanPassword, password: password}
}

// RandomKey wraps a vault key. The credential borrows key; closing key
// invalidates the credential.
func RandomKey(key *secret.Key) Credential {
	return Credential{kind: CredentialRandomKey, key: key}
}

func (c Credential) Kind() CredentialKind { return c.kind }

// Key returns the wrapped key for RandomKey credentials, nil otherwise.
func (c Credential) Key() *secret.Key { return c.key }

// Passphrase returns the string fed to the container KDF.
func (c Credential) Passphrase() (string, error) {
	switch c.kind {
	case CredentialHumanPassword:
		if c.password == "" {
			return "", errors.New("empty password")
		}
		return c.password, nil
	case CredentialRandomKey:
		if c.key == nil || c.key.Closed() {
			return "", errors.New("key is missing or closed")
		}
		return c.key.Hex(), nil
	default:
		return "", errors.New("credential not set")
	}
}

// Matches reports whether c is a RandomKey credential holding the same key.
func (c Credential) Matches(key *secret.Key) bool {
	return c.kind == CredentialRandomKey && c.key != nil && key != nil && !c.key.Closed() && !key.Closed() && c.key.Equal(key)
}

// String never prints the secret.
func (c Credential) String() string { return c.kind.String() }
