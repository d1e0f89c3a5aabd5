package meta

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/abbycin/junkfs/internal/logger"
)

// Store is the badger-backed key-value layer under the metadata
// engine. It exposes exactly what the engine needs: point reads,
// prefix scans, and batched transactional writes. The engine never
// writes through it outside a batch except for the superblock and
// summary repair paths.
//
// The backend is intentionally not abstracted behind an interface;
// keeping the badger transaction boundary explicit is part of the
// engine's contract.
type Store struct {
	db *badger.DB
}

// OpenStore opens (or creates) the badger database at path.
func OpenStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithIndexCacheSize(256 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open metadata store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value of key, or ok=false when the key is absent.
func (s *Store) Get(key string) (val []byte, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, ok, nil
}

// Has reports whether key exists.
func (s *Store) Has(key string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("has %s: %w", key, err)
	}
	return found, nil
}

// ScanPrefix calls fn for every committed key with the given prefix.
// Returning false from fn stops the scan early.
func (s *Store) ScanPrefix(prefix string, fn func(key string, val []byte) bool) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(string(item.Key()), val) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	return nil
}

// Set writes one key outside the pending batch. Reserved for the
// superblock and summary-repair paths at load time.
func (s *Store) Set(key string, val []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// CommitBatch applies the puts and deletes in one transaction. The
// whole batch either lands or is rolled back. Deleting an absent key
// is not an error.
func (s *Store) CommitBatch(puts []KV, dels []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, kv := range puts {
			if err := txn.Set([]byte(kv.Key), kv.Val); err != nil {
				return err
			}
		}
		for _, key := range dels {
			if err := txn.Delete([]byte(key)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

// Sync forces the write-ahead log to durable storage.
func (s *Store) Sync() error {
	if err := s.db.Sync(); err != nil {
		logger.Error("metadata store sync failed", "error", err)
		return fmt.Errorf("sync metadata store: %w", err)
	}
	return nil
}

// KV is one staged put.
type KV struct {
	Key string
	Val []byte
}

// IsTxnConflict reports whether err is a retriable transaction
// conflict rather than a hard store failure.
func IsTxnConflict(err error) bool {
	return errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrTxnTooBig)
}
