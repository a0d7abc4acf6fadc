// Package storekv provides two implementations of the storage-facing
// interfaces the rest of this module treats as external collaborators:
// an in-memory store for unit tests, and a go.etcd.io/bbolt-backed store
// for integration tests and example deployments. Both satisfy
// sieve.Store, sieve.BlobStore, and reload.Store identically so callers
// never import a concrete type.
package storekv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"housekeeperd/internal/reload"
	"housekeeperd/internal/sieve"
)

// Memory is an in-memory implementation of sieve.Store, sieve.BlobStore,
// and reload.Store. Safe for concurrent use. Intended for unit tests; it
// holds everything in process memory and has no durability.
type Memory struct {
	mu sync.Mutex

	scripts map[string]map[sieve.DocumentID]sieve.Record
	nextID  map[string]sieve.DocumentID
	blobs   map[string][]byte
	config  reload.RawConfig
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		scripts: make(map[string]map[sieve.DocumentID]sieve.Record),
		nextID:  make(map[string]sieve.DocumentID),
		blobs:   make(map[string][]byte),
	}
}

func contentHash(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// Get implements sieve.Store.
func (m *Memory) Get(ctx context.Context, accountID string, id sieve.DocumentID) (sieve.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scripts[accountID][id]
	return rec, ok, nil
}

// List implements sieve.Store.
func (m *Memory) List(ctx context.Context, accountID string) ([]sieve.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sieve.Record, 0, len(m.scripts[accountID]))
	for _, rec := range m.scripts[accountID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

// NextDocumentID implements sieve.Store.
func (m *Memory) NextDocumentID(ctx context.Context, accountID string) (sieve.DocumentID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID[accountID] + 1
	m.nextID[accountID] = id
	return id, nil
}

// Commit implements sieve.Store. It applies every mutation in the batch
// only if every mutation's Assert hash matches the document's current
// hash (empty Assert skips the check, used for Insert); otherwise the
// whole batch is rejected with sieve.ErrAssertFailed and nothing is
// applied.
func (m *Memory) Commit(ctx context.Context, accountID string, batch sieve.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	accountScripts := m.scripts[accountID]
	if accountScripts == nil {
		accountScripts = make(map[sieve.DocumentID]sieve.Record)
	}

	for _, mu := range batch.Mutations {
		if mu.Assert == "" {
			continue
		}
		current, ok := accountScripts[mu.DocumentID]
		if !ok || current.Hash != mu.Assert {
			return sieve.ErrAssertFailed
		}
	}

	for _, mu := range batch.Mutations {
		if mu.Delete {
			delete(accountScripts, mu.DocumentID)
			continue
		}
		rec := accountScripts[mu.DocumentID]
		rec.DocumentID = mu.DocumentID
		if mu.SetName != nil {
			rec.Name = *mu.SetName
		}
		if mu.SetIsActive != nil {
			rec.IsActive = *mu.SetIsActive
		}
		if mu.SetValue != nil || mu.Insert {
			rec.Value = mu.SetValue
		}
		if mu.SetSourceLen != nil {
			rec.SourceLen = *mu.SetSourceLen
		}
		if mu.SetBlobID != nil {
			rec.BlobID = *mu.SetBlobID
		}
		if mu.ClearEmailIDs {
			rec.EmailIDs = nil
		}
		rec.Hash = contentHash(rec.Value)
		accountScripts[mu.DocumentID] = rec
	}

	m.scripts[accountID] = accountScripts
	return nil
}

// Write implements sieve.BlobStore.
func (m *Memory) Write(ctx context.Context, blobID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[blobID] = cp
	return nil
}

// Read implements sieve.BlobStore.
func (m *Memory) Read(ctx context.Context, blobID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[blobID]
	return data, ok, nil
}

// Delete implements sieve.BlobStore.
func (m *Memory) Delete(ctx context.Context, blobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[blobID]; !ok {
		return fmt.Errorf("blob not found: %s", blobID)
	}
	delete(m.blobs, blobID)
	return nil
}

// Load implements reload.Store.
func (m *Memory) Load(ctx context.Context) (reload.RawConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config, nil
}

// Save implements reload.Store.
func (m *Memory) Save(ctx context.Context, cfg reload.RawConfig) error {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}
