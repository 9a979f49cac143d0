package testutil

import (
	"testing"
	"time"

	"efv-go/internal/efv"
	"efv-go/internal/encryption"
	"efv-go/internal/rotation"
)

// TestVault bundles a VaultService with the collaborators a test may want
// to inspect or sabotage.
type TestVault struct {
	Service *efv.VaultService
	Engine  *encryption.Engine
	Keys    *FailingKeyStore
	Index   efv.MetadataIndex
	FS      *FailingFS
	Clock   *StubClock
	Dir     string
}

// NewTestVault wires a VaultService over real encrypted stores in temp
// dirs, a fast test engine and a small-chunk pipeline.
func NewTestVault(t *testing.T) *TestVault {
	t.Helper()

	clock := TickingClock(time.Second)
	engine := NewTestEngine(t)
	keys := NewFailingKeyStore(NewTestKeyStore(t, clock))
	index := NewTestIndex(t, clock)
	fsmgr := NewFailingFS()

	svc, err := efv.NewVaultService(efv.VaultContext{
		Engine:   engine,
		Pipeline: rotation.New(engine, rotation.Options{ChunkSize: 4096, Depth: 2}),
		Keys:     keys,
		Index:    index,
		FS:       fsmgr,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("NewVaultService() error = %v", err)
	}

	return &TestVault{
		Service: svc,
		Engine:  engine,
		Keys:    keys,
		Index:   index,
		FS:      fsmgr,
		Clock:   clock,
		Dir:     t.TempDir(),
	}
}
