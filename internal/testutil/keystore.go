package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"efv-go/internal/efv"
	"efv-go/internal/secret"
)

// FailingKeyStore wraps a KeyStore and can be told to fail its write
// methods. It also counts concurrent StoreNextVersion calls.
type FailingKeyStore struct {
	efv.KeyStore

	mu          sync.Mutex
	failInitial error
	failNext    error
	beforeNext  func()

	inNext  atomic.Int32
	maxNext atomic.Int32
}

func NewFailingKeyStore(inner efv.KeyStore) *FailingKeyStore {
	return &FailingKeyStore{KeyStore: inner}
}

// FailStoreInitial makes StoreInitialVersion return err (nil to stop).
func (k *FailingKeyStore) FailStoreInitial(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failInitial = err
}

// FailStoreNext makes StoreNextVersion return err (nil to stop).
func (k *FailingKeyStore) FailStoreNext(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failNext = err
}

// BeforeStoreNext runs fn at the start of every StoreNextVersion call.
func (k *FailingKeyStore) BeforeStoreNext(fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.beforeNext = fn
}

// MaxConcurrentStoreNext reports the highest number of StoreNextVersion
// calls that were in flight at once.
func (k *FailingKeyStore) MaxConcurrentStoreNext() int {
	return int(k.maxNext.Load())
}

func (k *FailingKeyStore) StoreInitialVersion(ctx context.Context, fileID string, key *secret.Key) (*efv.KeyVersion, error) {
	k.mu.Lock()
	err := k.failInitial
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return k.KeyStore.StoreInitialVersion(ctx, fileID, key)
}

func (k *FailingKeyStore) StoreNextVersion(ctx context.Context, fileID string, key *secret.Key, note string) (*efv.KeyVersion, error) {
	n := k.inNext.Add(1)
	defer k.inNext.Add(-1)
	for {
		m := k.maxNext.Load()
		if n <= m || k.maxNext.CompareAndSwap(m, n) {
			break
		}
	}

	k.mu.Lock()
	err, before := k.failNext, k.beforeNext
	k.mu.Unlock()
	if before != nil {
		before()
	}
	if err != nil {
		return nil, err
	}
	return k.KeyStore.StoreNextVersion(ctx, fileID, key, note)
}
