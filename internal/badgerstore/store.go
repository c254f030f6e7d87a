// Package badgerstore implements the offline cache store on top of Badger.
//
// Layout:
//   - partition:<name>          partition record (JSON, creation sequence)
//   - entry:<name>\x00<url>     stored response (JSON, insertion sequence)
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"konomitv-offline/internal/cachestore"

	"github.com/dgraph-io/badger/v4"
)

const (
	partitionPrefix = "partition:"
	entryPrefix     = "entry:"
	sequenceKey     = "meta:sequence"
)

// Store is a cachestore.Storage backed by a Badger database
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
}

var _ cachestore.Storage = (*Store)(nil)

type partitionRecord struct {
	Seq       uint64 `json:"seq"`
	CreatedAt int64  `json:"created_at"`
}

type entryRecord struct {
	Seq      uint64              `json:"seq"`
	Response cachestore.Response `json:"response"`
}

// Open opens (or creates) a Badger directory. An empty path keeps everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence([]byte(sequenceKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sequence: %w", err)
	}

	return &Store{db: db, seq: seq, logger: slog.Default()}, nil
}

// Close releases the sequence lease and closes the database
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("Failed to release badger sequence", "error", err)
	}
	return s.db.Close()
}

func partitionKey(name string) []byte {
	return []byte(partitionPrefix + name)
}

func entryPrefixFor(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

func entryKey(name, url string) []byte {
	return append(entryPrefixFor(name), url...)
}

func (s *Store) Open(ctx context.Context, name string) (cachestore.Cache, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(partitionKey(name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seq, err := s.seq.Next()
		if err != nil {
			return err
		}
		buf, err := json.Marshal(partitionRecord{Seq: seq, CreatedAt: time.Now().UnixMilli()})
		if err != nil {
			return err
		}
		return txn.Set(partitionKey(name), buf)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}

	return &partition{store: s, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(partitionKey(name))
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check cache %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	// Remove the partition record first so concurrent writers start failing
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(partitionKey(name))
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}

	var keys [][]byte
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := entryPrefixFor(name)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to scan cache entries for %s: %w", name, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return false, fmt.Errorf("failed to delete cache entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return false, fmt.Errorf("failed to delete cache entries for %s: %w", name, err)
	}

	s.logger.Debug("Deleted cache partition", "cache", name)
	return true, nil
}

func (s *Store) Names(ctx context.Context) ([]string, error) {
	type named struct {
		name string
		seq  uint64
	}
	var found []named

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(partitionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var rec partitionRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			found = append(found, named{
				name: string(item.Key()[len(prefix):]),
				seq:  rec.Seq,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	names := make([]string, 0, len(found))
	for _, n := range found {
		names = append(names, n.name)
	}
	return names, nil
}

type partition struct {
	store *Store
	name  string
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Put(ctx context.Context, url string, resp *cachestore.Response) error {
	stored := *resp
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now()
	}

	err := p.store.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(partitionKey(p.name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return cachestore.ErrPartitionNotFound
			}
			return err
		}

		key := entryKey(p.name, url)
		rec := entryRecord{Response: stored}

		// Overwrites keep their original position
		item, err := txn.Get(key)
		switch {
		case err == nil:
			var prev entryRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &prev)
			}); err != nil {
				return err
			}
			rec.Seq = prev.Seq
		case errors.Is(err, badger.ErrKeyNotFound):
			if rec.Seq, err = p.store.seq.Next(); err != nil {
				return err
			}
		default:
			return err
		}

		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", p.name, err)
	}
	return nil
}

func (p *partition) Match(ctx context.Context, url string) (*cachestore.Response, error) {
	var rec entryRecord
	err := p.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(p.name, url))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to match cache entry: %w", err)
	}
	return &rec.Response, nil
}

func (p *partition) Delete(ctx context.Context, url string) (bool, error) {
	deleted := false
	err := p.store.db.Update(func(txn *badger.Txn) error {
		key := entryKey(p.name, url)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		deleted = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return deleted, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	type keyed struct {
		url string
		seq uint64
	}
	var found []keyed

	err := p.store.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := entryPrefixFor(p.name)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var rec entryRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			found = append(found, keyed{
				url: string(item.Key()[len(prefix):]),
				seq: rec.Seq,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	keys := make([]string, 0, len(found))
	for _, k := range found {
		keys = append(keys, k.url)
	}
	return keys, nil
}
