package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"efv-go/internal/efv"
	"efv-go/internal/secret"
)

// Engine implements efv.CryptoEngine. Target-version containers are an age
// stream with a single scrypt stanza behind the 5-byte header; random keys
// are passed to scrypt as lowercase hex.
type Engine struct {
	policy KDFPolicy
}

var _ efv.CryptoEngine = (*Engine)(nil)

// NewEngine creates an Engine using policy.
func NewEngine(policy KDFPolicy) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kdf policy: %w", err)
	}
	return &Engine{policy: policy}, nil
}

// Policy returns the engine's KDF policy.
func (e *Engine) Policy() KDFPolicy { return e.policy }

func (e *Engine) workFactor(kind efv.CredentialKind) (int, error) {
	switch kind {
	case efv.CredentialRandomKey:
		return e.policy.RandomKeyWorkFactor, nil
	case efv.CredentialHumanPassword:
		return e.policy.PasswordWorkFactor, nil
	default:
		return 0, fmt.Errorf("%w: credential not set", efv.ErrCrypto)
	}
}

// EncryptStream writes the target header to dst and returns the plaintext
// writer. Close flushes the final chunk and must be called.
func (e *Engine) EncryptStream(dst io.Writer, cred efv.Credential) (io.WriteCloser, error) {
	logN, err := e.workFactor(cred.Kind())
	if err != nil {
		return nil, err
	}
	pass, err := cred.Passphrase()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", efv.ErrCrypto, err)
	}
	recipient, err := age.NewScryptRecipient(pass)
	if err != nil {
		return nil, fmt.Errorf("%w: creating scrypt recipient: %w", efv.ErrCrypto, err)
	}
	recipient.SetWorkFactor(logN)

	if _, err := dst.Write(header(efv.TargetMajor)); err != nil {
		return nil, fmt.Errorf("%w: writing header: %w", efv.ErrIO, err)
	}
	w, err := age.Encrypt(dst, recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: creating encrypted writer: %w", efv.ErrIO, err)
	}
	return w, nil
}

// DecryptStream reads the header from src and returns a reader of
// authenticated plaintext. Read errors from the returned reader carry
// efv.ErrCorruptContainer or efv.ErrIO.
func (e *Engine) DecryptStream(src io.Reader, cred efv.Credential) (io.Reader, error) {
	tr := &trackingReader{r: src}

	hdr := make([]byte, efv.HeaderSize)
	if _, err := io.ReadFull(tr, hdr); err != nil {
		if tr.err != nil {
			return nil, fmt.Errorf("%w: reading header: %w", efv.ErrIO, err)
		}
		return nil, fmt.Errorf("%w: truncated header", efv.ErrCorruptContainer)
	}
	major, err := checkHeader(hdr)
	if err != nil {
		return nil, err
	}
	if major == efv.LegacyMajor {
		return nil, efv.ErrLegacyContainer
	}

	pass, err := cred.Passphrase()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", efv.ErrWrongCredential, err)
	}
	identity, err := age.NewScryptIdentity(pass)
	if err != nil {
		return nil, fmt.Errorf("%w: creating scrypt identity: %w", efv.ErrCrypto, err)
	}
	identity.SetMaxWorkFactor(e.policy.MaxWorkFactor)

	r, err := age.Decrypt(tr, identity)
	if err != nil {
		return nil, classify(err, tr)
	}
	return &plaintextReader{r: r, src: tr}, nil
}

// Encrypt encodes plaintext as a target-version container.
func (e *Engine) Encrypt(plaintext []byte, cred efv.Credential) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 512)
	w, err := e.EncryptStream(&buf, cred)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: encrypting: %w", efv.ErrCrypto, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: finalizing: %w", efv.ErrCrypto, err)
	}
	return buf.Bytes(), nil
}

// Decrypt decodes target and legacy containers. It returns nil plaintext on
// any failure.
func (e *Engine) Decrypt(container []byte, cred efv.Credential) ([]byte, error) {
	major, err := checkHeader(container)
	if err != nil {
		return nil, err
	}
	if major == efv.LegacyMajor {
		return openLegacy(container, cred)
	}

	r, err := e.DecryptStream(bytes.NewReader(container), cred)
	if err != nil {
		return nil, err
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		clear(plaintext)
		return nil, err
	}
	return plaintext, nil
}

// DetectVersion returns the major version if b starts with the magic.
func (e *Engine) DetectVersion(b []byte) (uint8, bool) {
	return DetectVersion(b)
}

// EnsureTargetVersion returns container itself when it is already the
// target version. A legacy container is re-encoded under the same
// credential.
func (e *Engine) EnsureTargetVersion(container []byte, cred efv.Credential) ([]byte, error) {
	major, err := checkHeader(container)
	if err != nil {
		return nil, err
	}
	if major == efv.TargetMajor {
		return container, nil
	}

	plaintext, err := openLegacy(container, cred)
	if err != nil {
		return nil, err
	}
	defer clear(plaintext)
	return e.Encrypt(plaintext, cred)
}

// UpgradeFromLegacy decrypts container with the legacy credential and
// re-encrypts it under a fresh random key, which the caller owns.
func (e *Engine) UpgradeFromLegacy(container []byte, legacy efv.Credential) ([]byte, *secret.Key, error) {
	plaintext, err := e.Decrypt(container, legacy)
	if err != nil {
		return nil, nil, err
	}
	defer clear(plaintext)
	return e.sealFresh(plaintext)
}

// Rotate re-encrypts container under a fresh random key. Legacy containers
// go through UpgradeFromLegacy.
func (e *Engine) Rotate(container []byte, old efv.Credential) ([]byte, *secret.Key, error) {
	major, err := checkHeader(container)
	if err != nil {
		return nil, nil, err
	}
	if major != efv.TargetMajor {
		return e.UpgradeFromLegacy(container, old)
	}

	plaintext, err := e.Decrypt(container, old)
	if err != nil {
		return nil, nil, err
	}
	defer clear(plaintext)
	return e.sealFresh(plaintext)
}

func (e *Engine) sealFresh(plaintext []byte) ([]byte, *secret.Key, error) {
	key, err := secret.NewKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generating key: %w", efv.ErrCrypto, err)
	}
	out, err := e.Encrypt(plaintext, efv.RandomKey(key))
	if err != nil {
		key.Close()
		return nil, nil, err
	}
	return out, key, nil
}

// trackingReader remembers the first non-EOF error of the underlying
// reader so codec failures can be told apart from I/O failures.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

type plaintextReader struct {
	r   io.Reader
	src *trackingReader
}

func (p *plaintextReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && err != io.EOF {
		return n, classify(err, p.src)
	}
	return n, err
}

func classify(err error, src *trackingReader) error {
	switch {
	case errors.Is(err, age.ErrIncorrectIdentity):
		return fmt.Errorf("%w: %w", efv.ErrWrongCredential, err)
	case src.err != nil:
		return fmt.Errorf("%w: %w", efv.ErrIO, err)
	default:
		return fmt.Errorf("%w: %w", efv.ErrCorruptContainer, err)
	}
}
