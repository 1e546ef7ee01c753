package cache

import (
	"container/list"
	"context"
	"sync"
)

// lruEntry links the cache key and the entry to the list element.
type lruEntry struct {
	key   string
	size  int64
	value *Entry
}

// InMemoryQuotaLRU is a Bucket with a hard memory limit and LRU policy.
type InMemoryQuotaLRU struct {
	name  string
	mutex sync.Mutex
	// Doubly linked list for LRU order
	lru   *list.List
	cache map[string]*list.Element
	// Hard memory limit in bytes (0 = unlimited)
	maxBytes int64
	// Current total size of all stored items
	currentBytes int64
	deleted      bool
}

// NewInMemoryQuotaLRU creates a new bucket. maxMB is the memory limit in megabytes.
func NewInMemoryQuotaLRU(name string, maxMB int) *InMemoryQuotaLRU {
	return &InMemoryQuotaLRU{
		name:     name,
		lru:      list.New(),
		cache:    make(map[string]*list.Element),
		maxBytes: int64(maxMB) * 1024 * 1024,
	}
}

func (lru *InMemoryQuotaLRU) Name() string {
	return lru.name
}

// Match retrieves a copy of an entry and moves it to the front of the list (MRU).
func (lru *InMemoryQuotaLRU) Match(ctx context.Context, key string) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	element, ok := lru.cache[key]
	if !ok {
		return nil, false, nil
	}
	lru.lru.MoveToFront(element)
	return element.Value.(*lruEntry).value.Clone(), true, nil
}

// Put adds or updates an entry, triggering eviction if the hard memory limit is hit.
func (lru *InMemoryQuotaLRU) Put(ctx context.Context, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// compute before acquiring lock
	itemSize := entry.Size()
	if lru.maxBytes > 0 && itemSize > lru.maxBytes {
		return ErrQuotaExceeded
	}

	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	if lru.deleted {
		return ErrBucketDeleted
	}
	lru.putLocked(key, entry.Clone(), itemSize)
	return nil
}

// PutAll stores all entries under a single lock so readers never observe a partial batch.
func (lru *InMemoryQuotaLRU) PutAll(ctx context.Context, entries []KeyedEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var total int64
	sizes := make([]int64, len(entries))
	for i, ke := range entries {
		sizes[i] = ke.Entry.Size()
		total += sizes[i]
	}
	if lru.maxBytes > 0 && total > lru.maxBytes {
		return ErrQuotaExceeded
	}

	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	if lru.deleted {
		return ErrBucketDeleted
	}
	for i, ke := range entries {
		lru.putLocked(ke.Key, ke.Entry.Clone(), sizes[i])
	}
	return nil
}

func (lru *InMemoryQuotaLRU) putLocked(key string, entry *Entry, itemSize int64) {
	if element, ok := lru.cache[key]; ok {
		oldEntry := element.Value.(*lruEntry)
		lru.currentBytes -= oldEntry.size
		oldEntry.size = itemSize
		oldEntry.value = entry
		lru.currentBytes += itemSize
		lru.lru.MoveToFront(element)
	} else {
		newEntry := &lruEntry{key: key, size: itemSize, value: entry}
		element := lru.lru.PushFront(newEntry)
		lru.cache[key] = element
		lru.currentBytes += itemSize
	}

	// Eviction
	for lru.maxBytes > 0 && lru.currentBytes > lru.maxBytes {
		lruElement := lru.lru.Back()
		if lruElement == nil {
			break
		}
		evictedEntry := lru.lru.Remove(lruElement).(*lruEntry)
		delete(lru.cache, evictedEntry.key)
		lru.currentBytes -= evictedEntry.size
	}
}

// Delete removes an entry from the bucket.
func (lru *InMemoryQuotaLRU) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	if element, ok := lru.cache[key]; ok {
		evictedEntry := lru.lru.Remove(element).(*lruEntry)
		delete(lru.cache, evictedEntry.key)
		lru.currentBytes -= evictedEntry.size
	}
	return nil
}

// Keys returns keys from most to least recently used.
func (lru *InMemoryQuotaLRU) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	keys := make([]string, 0, len(lru.cache))
	for element := lru.lru.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry).key)
	}
	return keys, nil
}

// MemoryStorage keeps every bucket in process memory.
type MemoryStorage struct {
	mutex   sync.RWMutex
	maxMB   int
	order   []string
	buckets map[string]*InMemoryQuotaLRU
	closed  bool
}

// NewMemoryStorage creates an in-memory storage whose buckets each hold at most maxMB megabytes.
func NewMemoryStorage(maxMB int) *MemoryStorage {
	return &MemoryStorage{
		maxMB:   maxMB,
		buckets: make(map[string]*InMemoryQuotaLRU),
	}
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if bucket, ok := s.buckets[name]; ok {
		return bucket, nil
	}
	bucket := NewInMemoryQuotaLRU(name, s.maxMB)
	s.buckets[name] = bucket
	s.order = append(s.order, name)
	return bucket, nil
}

func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), s.order...), nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	bucket, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	bucket.mutex.Lock()
	bucket.deleted = true
	bucket.lru.Init()
	bucket.cache = make(map[string]*list.Element)
	bucket.currentBytes = 0
	bucket.mutex.Unlock()
	delete(s.buckets, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Close drops every bucket.
func (s *MemoryStorage) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true
	s.buckets = nil
	s.order = nil
	return nil
}
