package offlinecache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// Strategy answers a cacheable request. Handle must always return a response.
type Strategy interface {
	Name() string
	Handle(ctx context.Context, m *Manager, req *http.Request) *http.Response
}

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case StrategyNetworkFirst, "":
		return NetworkFirst{}, nil
	case StrategyCacheFirst:
		return CacheFirst{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, name)
	}
}

// NetworkFirst prefers live data and falls back to the bucket, then to the offline response.
type NetworkFirst struct{}

func (NetworkFirst) Name() string { return StrategyNetworkFirst }

func (s NetworkFirst) Handle(ctx context.Context, m *Manager, req *http.Request) *http.Response {
	resp, err := m.fetchNetwork(req)
	if err == nil && resp.StatusCode == http.StatusOK {
		resp, err = m.cacheResponse(req, resp)
	}
	if err == nil {
		m.observeFetch(s.Name(), sourceNetwork)
		return tagResponse(resp, "MISS")
	}

	m.log.Info("Network failed, trying cache", slog.String("url", req.URL.String()), slog.Any("error", err))
	if cached, ok := m.match(ctx, req); ok {
		m.observeFetch(s.Name(), sourceCache)
		return cached
	}
	m.log.Warn("Serving offline fallback",
		slog.Any("error", &NetworkUnavailableError{URL: req.URL.String(), Err: err}))
	m.observeFetch(s.Name(), sourceOffline)
	return m.offline(req)
}

// CacheFirst serves from the bucket when possible and does not store network results.
type CacheFirst struct{}

func (CacheFirst) Name() string { return StrategyCacheFirst }

func (s CacheFirst) Handle(ctx context.Context, m *Manager, req *http.Request) *http.Response {
	if cached, ok := m.match(ctx, req); ok {
		m.observeFetch(s.Name(), sourceCache)
		return cached
	}

	resp, err := m.fetchNetwork(req)
	if err != nil {
		m.log.Warn("Serving offline fallback",
			slog.Any("error", &NetworkUnavailableError{URL: req.URL.String(), Err: err}))
		m.observeFetch(s.Name(), sourceOffline)
		return m.offline(req)
	}
	m.observeFetch(s.Name(), sourceNetwork)
	return tagResponse(resp, "MISS")
}
