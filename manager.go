package offlinecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spdeepak/offlinecache/cache"
)

// Response sources reported to metrics.
const (
	sourceNetwork = "network"
	sourceCache   = "cache"
	sourceOffline = "offline"
)

// Manager is one version of the offline cache worker. It owns the bucket named by
// its version, runs the install/activate lifecycle and intercepts fetches while active.
type Manager struct {
	id         string
	cfg        *Config
	origin     *url.URL
	storage    cache.Storage
	network    Fetcher
	classifier *Classifier
	strategy   Strategy
	log        *slog.Logger

	mu          sync.Mutex
	state       State
	bucket      cache.Bucket
	skipWaiting bool
	// onSkipWaiting is set by the owning Registration.
	onSkipWaiting func(ctx context.Context, m *Manager)
	closed        bool

	// pending background bucket writes
	writes sync.WaitGroup
}

// NewManager creates an uninstalled worker. network is used for every real fetch.
func NewManager(storage cache.Storage, network Fetcher, cfg *Config) (*Manager, error) {
	if storage == nil || network == nil {
		return nil, fmt.Errorf("%w: storage and network are required", ErrInvalidConfig)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	origin, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	strategy, err := NewStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	m := &Manager{
		id:         id,
		cfg:        cfg,
		origin:     origin,
		storage:    storage,
		network:    network,
		classifier: NewClassifier(cfg.ExcludedPatterns),
		strategy:   strategy,
		log:        cfg.Logger.With(slog.String("worker", id), slog.String("version", cfg.Version)),
		state:      StateUninstalled,
	}
	cfg.Metrics.SetState(cfg.Version, "", StateUninstalled.String())
	return m, nil
}

func (m *Manager) ID() string {
	return m.id
}

func (m *Manager) Version() string {
	return m.cfg.Version
}

func (m *Manager) Strategy() Strategy {
	return m.strategy
}

// Classify exposes the manager's interception decision for req.
func (m *Manager) Classify(req *http.Request) Classification {
	return m.classifier.Classify(req)
}

// Fetch intercepts a request from a controlled page. Bypassed requests, and every request
// while the worker is not active, go straight to the network and surface its errors.
// Cacheable requests always resolve to a response.
func (m *Manager) Fetch(req *http.Request) (*http.Response, error) {
	if m.State() != StateActive || m.classifier.Classify(req) == ClassBypass {
		m.cfg.Metrics.ObserveBypass()
		return m.network.Fetch(req)
	}
	return m.strategy.Handle(req.Context(), m, req), nil
}

// RoundTrip implements http.RoundTripper so Go clients can run behind the worker.
func (m *Manager) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.Fetch(req)
}

// Wait blocks until background bucket writes have finished.
func (m *Manager) Wait() {
	m.writes.Wait()
}

// Close waits for pending writes. The storage is shared and stays open.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.writes.Wait()
	return nil
}

func (m *Manager) currentBucket() cache.Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bucket
}

// fetchNetwork guards against fetchers that return neither a response nor an error.
func (m *Manager) fetchNetwork(req *http.Request) (*http.Response, error) {
	resp, err := m.network.Fetch(req)
	if err == nil && resp == nil {
		err = errors.New("network returned no response")
	}
	return resp, err
}

// cacheResponse buffers a 200 response, schedules the bucket write and returns a
// response replaying the buffered body. Bodies over MaxBodyBytes, and responses the
// fetcher marked as too large, are passed through uncached.
func (m *Manager) cacheResponse(req *http.Request, resp *http.Response) (*http.Response, error) {
	if isUncacheable(resp) {
		m.log.Debug("Response too large to cache", slog.String("url", req.URL.String()))
		return resp, nil
	}
	limit := m.cfg.MaxBodyBytes
	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if limit > 0 && int64(len(body)) > limit {
		m.log.Debug("Response too large to cache", slog.String("url", req.URL.String()))
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return resp, nil
	}

	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Del("Content-Length")

	entry := m.newEntry(req, resp, body)
	m.putAsync(req.Context(), m.cfg.KeyGenerator(req), entry)
	return resp, nil
}

// putAsync stores the entry without blocking the page. The write outlives the request's
// cancellation; a failure is logged, never surfaced.
func (m *Manager) putAsync(ctx context.Context, key string, entry *cache.Entry) {
	m.mu.Lock()
	bucket := m.bucket
	if bucket == nil || m.closed {
		m.mu.Unlock()
		return
	}
	m.writes.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.writes.Done()
		// recover to avoid uncaught goroutine panic
		defer func() {
			if p := recover(); p != nil {
				m.log.Error("Cache put panicked", slog.Any("panic", p))
			}
		}()

		if err := bucket.Put(context.WithoutCancel(ctx), key, entry); err != nil {
			m.cfg.Metrics.ObserveCacheWriteError()
			m.log.Warn("Cache put failed",
				slog.Any("error", &CacheWriteError{Bucket: bucket.Name(), Key: key, Err: err}))
		}
	}()
}

// match looks the request up in the current bucket. Read errors count as a miss.
func (m *Manager) match(ctx context.Context, req *http.Request) (*http.Response, bool) {
	bucket := m.currentBucket()
	if bucket == nil {
		return nil, false
	}

	key := m.cfg.KeyGenerator(req)
	entry, ok, err := bucket.Match(ctx, key)
	if err != nil {
		m.log.Warn("Cache match failed", slog.String("cacheKey", key), slog.Any("error", err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return tagResponse(entryResponse(req, entry), "HIT"), true
}

func (m *Manager) offline(req *http.Request) *http.Response {
	return OfflineFallback(m.cfg.OfflineBody).HTTPResponse(req)
}

func (m *Manager) observeFetch(strategy, source string) {
	m.cfg.Metrics.ObserveFetch(strategy, source)
}

func (m *Manager) newEntry(req *http.Request, resp *http.Response, body []byte) *cache.Entry {
	return &cache.Entry{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    m.cfg.StripHeaders(resp.Header),
		Body:       append([]byte(nil), body...),
		CreatedAt:  time.Now(),
	}
}

func entryResponse(req *http.Request, entry *cache.Entry) *http.Response {
	header := entry.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

func tagResponse(resp *http.Response, status string) *http.Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(CacheStatusHeader, status)
	return resp
}
