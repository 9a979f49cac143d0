package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"efv-go/internal/efv"
)

// MemoryStore keeps snapshots in memory. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	versions map[string]int64
}

var _ efv.SnapshotStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

func snapshotKey(vaultID, name string) string {
	return vaultID + "/" + name
}

func (m *MemoryStore) PutSnapshot(_ context.Context, vaultID, name string, r io.Reader, size int64, version int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := snapshotKey(vaultID, name)
	m.data[key] = data
	m.versions[key] = version
	return nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, vaultID, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[snapshotKey(vaultID, name)]
	if !ok {
		return fmt.Errorf("snapshot %s/%s: %w", vaultID, name, efv.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (m *MemoryStore) GetSnapshotVersion(_ context.Context, vaultID, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[snapshotKey(vaultID, name)], nil
}

func (m *MemoryStore) ValidateSetup(context.Context) error {
	return nil
}
