package testutil

import (
	"testing"

	"efv-go/internal/encryption"
	"efv-go/internal/secret"
)

// TestKDFPolicy keeps scrypt cheap. The password factor is still above the
// random-key factor so the policy validates.
var TestKDFPolicy = encryption.KDFPolicy{
	RandomKeyWorkFactor: 1,
	PasswordWorkFactor:  10,
	MaxWorkFactor:       22,
	LegacyIterations:    1000,
}

// NewTestEngine returns an engine using TestKDFPolicy.
func NewTestEngine(t *testing.T) *encryption.Engine {
	t.Helper()
	e, err := encryption.NewEngine(TestKDFPolicy)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

// NewKey returns a fresh key that is closed when the test completes.
func NewKey(t *testing.T) *secret.Key {
	t.Helper()
	k, err := secret.NewKey()
	if err != nil {
		t.Fatalf("NewKey() error = %v", err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}
