package storekv

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"housekeeperd/internal/reload"
	"housekeeperd/internal/sieve"
)

var (
	bucketScripts = []byte("sieve_scripts")
	bucketBlobs   = []byte("sieve_blobs")
	bucketNextID  = []byte("sieve_next_id")
	bucketConfig  = []byte("config")
	configKey     = []byte("raw")
)

// Bolt is a go.etcd.io/bbolt-backed implementation of sieve.Store,
// sieve.BlobStore, and reload.Store, giving the optimistic-concurrency
// batch/assert contract a real backing store for integration tests and
// example deployments.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database at path and
// ensures the buckets this package uses exist.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketScripts, bucketBlobs, bucketNextID, bucketConfig} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close releases the underlying bbolt database handle.
func (b *Bolt) Close() error { return b.db.Close() }

func scriptKey(accountID string, id sieve.DocumentID) []byte {
	key := make([]byte, 0, len(accountID)+1+4)
	key = append(key, accountID...)
	key = append(key, 0)
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], uint32(id))
	return append(key, idBuf[:]...)
}

func scriptPrefix(accountID string) []byte {
	return append([]byte(accountID), 0)
}

// Get implements sieve.Store.
func (b *Bolt) Get(ctx context.Context, accountID string, id sieve.DocumentID) (sieve.Record, bool, error) {
	var rec sieve.Record
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketScripts).Get(scriptKey(accountID, id))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	return rec, found, err
}

// List implements sieve.Store.
func (b *Bolt) List(ctx context.Context, accountID string) ([]sieve.Record, error) {
	var out []sieve.Record
	prefix := scriptPrefix(accountID)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketScripts).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec sieve.Record
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// NextDocumentID implements sieve.Store.
func (b *Bolt) NextDocumentID(ctx context.Context, accountID string) (sieve.DocumentID, error) {
	var id sieve.DocumentID
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNextID)
		key := []byte(accountID)
		var cur uint32
		if v := bucket.Get(key); v != nil {
			cur = binary.BigEndian.Uint32(v)
		}
		cur++
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], cur)
		if err := bucket.Put(key, buf[:]); err != nil {
			return err
		}
		id = sieve.DocumentID(cur)
		return nil
	})
	return id, err
}

// Commit implements sieve.Store: every mutation's Assert is checked
// against the live stored hash before any mutation is applied, all
// within a single bbolt read-write transaction (bbolt transactions are
// themselves atomic, so this gives the batch the same all-or-nothing
// guarantee the in-memory Commit provides).
func (b *Bolt) Commit(ctx context.Context, accountID string, batch sieve.Batch) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketScripts)

		for _, mu := range batch.Mutations {
			if mu.Assert == "" {
				continue
			}
			v := bucket.Get(scriptKey(accountID, mu.DocumentID))
			if v == nil {
				return sieve.ErrAssertFailed
			}
			var current sieve.Record
			if err := msgpack.Unmarshal(v, &current); err != nil {
				return err
			}
			if current.Hash != mu.Assert {
				return sieve.ErrAssertFailed
			}
		}

		for _, mu := range batch.Mutations {
			key := scriptKey(accountID, mu.DocumentID)
			if mu.Delete {
				if err := bucket.Delete(key); err != nil {
					return err
				}
				continue
			}

			var rec sieve.Record
			if v := bucket.Get(key); v != nil {
				if err := msgpack.Unmarshal(v, &rec); err != nil {
					return err
				}
			}
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

			packed, err := msgpack.Marshal(rec)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, packed); err != nil {
				return err
			}
		}
		return nil
	})
}

// Write implements sieve.BlobStore.
func (b *Bolt) Write(ctx context.Context, blobID string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(blobID), data)
	})
}

// Read implements sieve.BlobStore.
func (b *Bolt) Read(ctx context.Context, blobID string) ([]byte, bool, error) {
	var data []byte
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(blobID))
		if v == nil {
			return nil
		}
		found = true
		data = append([]byte(nil), v...)
		return nil
	})
	return data, found, err
}

// Delete implements sieve.BlobStore.
func (b *Bolt) Delete(ctx context.Context, blobID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(blobID))
	})
}

// Load implements reload.Store.
func (b *Bolt) Load(ctx context.Context) (reload.RawConfig, error) {
	var cfg reload.RawConfig
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConfig).Get(configKey)
		if v == nil {
			return nil
		}
		return msgpack.Unmarshal(v, &cfg)
	})
	return cfg, err
}

// Save implements reload.Store.
func (b *Bolt) Save(ctx context.Context, cfg reload.RawConfig) error {
	packed, err := msgpack.Marshal(cfg)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put(configKey, packed)
	})
}
