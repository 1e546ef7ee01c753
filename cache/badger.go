package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	bucket/<name>            -> creation sequence (big-endian uint64)
//	entry/<name>\x00<key>    -> JSON-encoded Entry
const (
	prefixBucket = "bucket/"
	prefixEntry  = "entry/"
)

func keyBucket(name string) []byte {
	return []byte(prefixBucket + name)
}

func prefixBucketEntries(name string) []byte {
	return []byte(prefixEntry + name + "\x00")
}

func keyEntry(name, key string) []byte {
	return append(prefixBucketEntries(name), key...)
}

// BadgerOptions configures a BadgerStorage.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps the database off disk (tests, ephemeral deployments).
	InMemory bool
}

// BadgerStorage persists buckets in a badger database so cached assets survive restarts.
type BadgerStorage struct {
	db *badgerdb.DB

	mu     sync.Mutex
	closed bool
}

// NewBadgerStorage opens (or creates) a badger-backed storage.
func NewBadgerStorage(opts BadgerOptions) (*BadgerStorage, error) {
	var bopts badgerdb.Options
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("cache: badger path is required")
		}
		bopts = badgerdb.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger storage: %w", err)
	}
	return &BadgerStorage{db: db}, nil
}

func (s *BadgerStorage) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *BadgerStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyBucket(name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		seq := make([]byte, 8)
		binary.BigEndian.PutUint64(seq, uint64(time.Now().UnixNano()))
		return txn.Set(keyBucket(name), seq)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %q: %w", name, err)
	}
	return &badgerBucket{storage: s, name: name}, nil
}

func (s *BadgerStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.isClosed() {
		return false, ErrClosed
	}

	found := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyBucket(name))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (s *BadgerStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}

	type named struct {
		name string
		seq  uint64
	}
	var buckets []named

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixBucket)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), prefixBucket)
			err := item.Value(func(val []byte) error {
				var seq uint64
				if len(val) == 8 {
					seq = binary.BigEndian.Uint64(val)
				}
				buckets = append(buckets, named{name: name, seq: seq})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	sort.SliceStable(buckets, func(i, j int) bool {
		if buckets[i].seq == buckets[j].seq {
			return buckets[i].name < buckets[j].name
		}
		return buckets[i].seq < buckets[j].seq
	})
	names := make([]string, len(buckets))
	for i, b := range buckets {
		names[i] = b.name
	}
	return names, nil
}

// Delete drops the bucket's entries before its registry key, so a failure part way
// never leaves orphaned entries behind a live name.
func (s *BadgerStorage) Delete(ctx context.Context, name string) (bool, error) {
	found, err := s.Has(ctx, name)
	if err != nil || !found {
		return false, err
	}

	if err := s.db.DropPrefix(prefixBucketEntries(name)); err != nil {
		return false, fmt.Errorf("failed to drop entries of bucket %q: %w", name, err)
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyBucket(name))
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete bucket %q: %w", name, err)
	}
	return true, nil
}

func (s *BadgerStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type badgerBucket struct {
	storage *BadgerStorage
	name    string
}

func (b *badgerBucket) Name() string {
	return b.name
}

func (b *badgerBucket) Match(ctx context.Context, key string) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if b.storage.isClosed() {
		return nil, false, ErrClosed
	}

	var entry *Entry
	err := b.storage.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyEntry(b.name, key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry = &Entry{}
			return json.Unmarshal(val, entry)
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to match %q in bucket %q: %w", key, b.name, err)
	}
	return entry, entry != nil, nil
}

func (b *badgerBucket) Put(ctx context.Context, key string, entry *Entry) error {
	return b.PutAll(ctx, []KeyedEntry{{Key: key, Entry: entry}})
}

// PutAll writes the whole batch in one transaction.
func (b *badgerBucket) PutAll(ctx context.Context, entries []KeyedEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.storage.isClosed() {
		return ErrClosed
	}

	encoded := make([][]byte, len(entries))
	for i, ke := range entries {
		data, err := json.Marshal(ke.Entry)
		if err != nil {
			return fmt.Errorf("failed to encode entry %q: %w", ke.Key, err)
		}
		encoded[i] = data
	}

	err := b.storage.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(keyBucket(b.name)); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return ErrBucketDeleted
			}
			return err
		}
		for i, ke := range entries {
			if err := txn.Set(keyEntry(b.name, ke.Key), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badgerdb.ErrTxnTooBig) {
		return ErrQuotaExceeded
	}
	return err
}

func (b *badgerBucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.storage.isClosed() {
		return ErrClosed
	}

	return b.storage.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyEntry(b.name, key))
	})
}

func (b *badgerBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.storage.isClosed() {
		return nil, ErrClosed
	}

	prefix := prefixBucketEntries(b.name)
	var keys []string
	err := b.storage.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false // Only need keys

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of bucket %q: %w", b.name, err)
	}
	return keys, nil
}
