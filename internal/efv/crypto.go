package efv

import (
	"context"
	"io"

	"efv-go/internal/secret"
)

// Container header layout: 3-byte magic, major, minor.
const (
	HeaderSize    = 5
	TargetMajor   = 3
	LegacyMajor   = 2
	ContainerName = "EFV"
)

// StreamCodec is the streaming form of the container codec.
type StreamCodec interface {
	// EncryptStream writes a target-version header to dst and returns a
	// writer for the plaintext. Close must be called to flush the final chunk.
	EncryptStream(dst io.Writer, cred Credential) (io.WriteCloser, error)

	// DecryptStream reads a target-version header from src and returns a
	// reader of authenticated plaintext. Legacy input fails with
	// ErrLegacyContainer.
	DecryptStream(src io.Reader, cred Credential) (io.Reader, error)
}

// CryptoEngine performs in-memory container operations. Keys it returns are
// owned by the caller.
type CryptoEngine interface {
	StreamCodec

	// Encrypt encodes plaintext as a target-version container. The KDF work
	// factor is chosen by the credential kind.
	Encrypt(plaintext []byte, cred Credential) ([]byte, error)

	// Decrypt accepts target and legacy containers. On failure it returns
	// no plaintext.
	Decrypt(container []byte, cred Credential) ([]byte, error)

	// DetectVersion returns the major version if b starts with the magic.
	DetectVersion(b []byte) (uint8, bool)

	// EnsureTargetVersion returns container unchanged if it is already the
	// target version, else re-encodes it under the same credential.
	EnsureTargetVersion(container []byte, cred Credential) ([]byte, error)

	// UpgradeFromLegacy decrypts with the legacy credential and re-encrypts
	// under a fresh random key.
	UpgradeFromLegacy(container []byte, legacy Credential) ([]byte, *secret.Key, error)

	// Rotate re-encrypts under a fresh random key. Legacy input is upgraded.
	Rotate(container []byte, old Credential) ([]byte, *secret.Key, error)
}

// RotationPipeline re-encrypts a container stream under a fresh key with
// memory bounded independently of the input size. A non-empty fileID must
// be the content id of the plaintext, or the rotation fails with
// ErrConsistency.
type RotationPipeline interface {
	Rotate(ctx context.Context, src io.Reader, dst io.Writer, old Credential, fileID string) (*secret.Key, error)
}
