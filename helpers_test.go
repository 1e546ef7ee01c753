package offlinecache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spdeepak/offlinecache/cache"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://app.test"

var errOffline = errors.New("dial tcp: network is unreachable")

type fakeResource struct {
	status int
	body   string
}

// fakeNetwork is an origin whose resources and connectivity tests control.
type fakeNetwork struct {
	mu        sync.Mutex
	offline   bool
	resources map[string]fakeResource
	failing   map[string]bool
	calls     []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		resources: map[string]fakeResource{
			"/":                      {http.StatusOK, "<html>shell</html>"},
			"/static/css/custom.css": {http.StatusOK, "body{}"},
			"/static/js/main.js":     {http.StatusOK, "console.log('main')"},
			"/static/manifest.json":  {http.StatusOK, `{"name":"CV Optimizer Pro"}`},
			"/optimize-cv":           {http.StatusOK, `{"ok":true}`},
			"/api/models":            {http.StatusOK, `[]`},
		},
		failing: make(map[string]bool),
	}
}

func (n *fakeNetwork) Fetch(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls = append(n.calls, req.URL.Path)
	if n.offline || n.failing[req.URL.Path] {
		return nil, errOffline
	}
	res, ok := n.resources[req.URL.Path]
	if !ok {
		res = fakeResource{http.StatusNotFound, "not found"}
	}
	return &http.Response{
		StatusCode:    res.status,
		Header:        http.Header{"Content-Type": []string{"text/plain"}, "Connection": []string{"keep-alive"}},
		Body:          io.NopCloser(strings.NewReader(res.body)),
		ContentLength: int64(len(res.body)),
		Request:       req,
	}, nil
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) set(path string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resources[path] = fakeResource{status, body}
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

// spyStorage counts every bucket access so tests can prove a request never touched the cache.
type spyStorage struct {
	cache.Storage
	matches   atomic.Int64
	puts      atomic.Int64
	putErr    error
	deleteErr map[string]error
}

func newSpyStorage() *spyStorage {
	return &spyStorage{Storage: cache.NewMemoryStorage(0), deleteErr: make(map[string]error)}
}

func (s *spyStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	b, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &spyBucket{Bucket: b, spy: s}, nil
}

func (s *spyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := s.deleteErr[name]; err != nil {
		return false, err
	}
	return s.Storage.Delete(ctx, name)
}

func (s *spyStorage) accesses() int64 {
	return s.matches.Load() + s.puts.Load()
}

type spyBucket struct {
	cache.Bucket
	spy *spyStorage
}

func (b *spyBucket) Match(ctx context.Context, key string) (*cache.Entry, bool, error) {
	b.spy.matches.Add(1)
	return b.Bucket.Match(ctx, key)
}

func (b *spyBucket) Put(ctx context.Context, key string, entry *cache.Entry) error {
	b.spy.puts.Add(1)
	if b.spy.putErr != nil {
		return b.spy.putErr
	}
	return b.Bucket.Put(ctx, key, entry)
}

func (b *spyBucket) PutAll(ctx context.Context, entries []cache.KeyedEntry) error {
	b.spy.puts.Add(1)
	if b.spy.putErr != nil {
		return b.spy.putErr
	}
	return b.Bucket.PutAll(ctx, entries)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(version string) *Config {
	cfg := DefaultConfig(version, testOrigin)
	cfg.Logger = discardLogger()
	return cfg
}

func newTestManager(t *testing.T, storage cache.Storage, network Fetcher, cfg *Config) *Manager {
	t.Helper()
	m, err := NewManager(storage, network, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// activeManager installs and activates a worker in one step.
func activeManager(t *testing.T, storage cache.Storage, network Fetcher, cfg *Config) *Manager {
	t.Helper()
	m := newTestManager(t, storage, network, cfg)
	require.NoError(t, m.Install(context.Background()))
	_, err := m.Activate(context.Background(), nil)
	require.NoError(t, err)
	return m
}

func get(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}
