package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrQuotaExceeded is returned when an entry can never fit in a bucket's quota.
	ErrQuotaExceeded = errors.New("cache: quota exceeded")
	// ErrClosed is returned by operations on a closed storage.
	ErrClosed = errors.New("cache: storage closed")
	// ErrBucketDeleted is returned when writing through a handle whose bucket was deleted.
	ErrBucketDeleted = errors.New("cache: bucket deleted")
)

// Storage is the namespace of named buckets. Bucket names carry the worker version,
// so bumping the version creates a new bucket and orphans the old one.
type Storage interface {
	// Open returns the bucket with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Bucket, error)
	Has(ctx context.Context, name string) (bool, error)
	// Names lists bucket names in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes a bucket and all its entries. It reports whether the bucket existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Bucket maps request keys to stored responses. Implementations must be safe for
// concurrent keyed writes.
type Bucket interface {
	Name() string
	Match(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, entry *Entry) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []KeyedEntry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// KeyedEntry pairs an entry with the request key it is stored under.
type KeyedEntry struct {
	Key   string
	Entry *Entry
}

// Entry holds a snapshot of a successful HTTP response.
type Entry struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	StatusCode int         `json:"status"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Size returns the estimated memory footprint in bytes.
func (e *Entry) Size() int64 {
	// Heuristic: ~30 bytes per header key/value pair overhead
	bodySize := int64(len(e.Body))
	headerSize := int64(len(e.Headers) * 30)
	return bodySize + headerSize + int64(len(e.URL)+len(e.Method))
}

// Clone returns a deep copy so callers can't mutate stored data.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		Method:     e.Method,
		URL:        e.URL,
		StatusCode: e.StatusCode,
		Headers:    e.Headers.Clone(),
		Body:       append([]byte(nil), e.Body...),
		CreatedAt:  e.CreatedAt,
	}
}
