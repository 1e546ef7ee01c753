package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spdeepak/offlinecache"
	"github.com/spdeepak/offlinecache/cache"
	"github.com/spdeepak/offlinecache/internal/api"
	"github.com/spdeepak/offlinecache/internal/config"
	"github.com/spdeepak/offlinecache/internal/metrics"
)

// server wires storage, network, metrics and the registration behind the HTTP router.
type server struct {
	log     *slog.Logger
	origin  *url.URL
	storage cache.Storage
	network offlinecache.Fetcher
	metrics *metrics.Metrics
	reg     *offlinecache.Registration
	handler http.Handler

	mu     sync.Mutex
	worker config.WorkerConfig
}

func newServer(cfg *config.Config, network offlinecache.Fetcher, logger *slog.Logger) (*server, error) {
	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}

	storage, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}

	s := &server{
		log:     logger,
		origin:  origin,
		storage: storage,
		network: network,
		worker:  cfg.Worker,
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = metrics.NewMetrics(registry)
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	s.reg = offlinecache.NewRegistration(cfg.Worker.ScriptPath, network, logger)
	s.handler = api.NewRouter(s.reg, origin, api.Options{
		Logger:         logger,
		MetricsHandler: metricsHandler,
	})
	return s, nil
}

// openStorage builds the configured cache backend.
func openStorage(cfg config.StorageConfig) (cache.Storage, error) {
	switch cfg.Type {
	case "memory", "":
		return cache.NewMemoryStorage(cfg.MaxMB), nil
	case "badger":
		storage, err := cache.NewBadgerStorage(cache.BadgerOptions{Path: cfg.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger storage: %w", err)
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func (s *server) newWorker(w config.WorkerConfig) (*offlinecache.Manager, error) {
	cfg := offlinecache.DefaultConfig(w.Version, w.Origin)
	cfg.Assets = w.Assets
	cfg.ShellPath = w.ShellPath
	cfg.InstallPolicy = offlinecache.InstallPolicy(w.InstallPolicy)
	cfg.InstallConcurrency = w.InstallConcurrency
	cfg.Strategy = w.Strategy
	cfg.ExcludedPatterns = w.ExcludedPatterns
	cfg.SkipWaiting = w.SkipWaiting
	cfg.MaxBodyBytes = workerMaxBodyBytes(w.MaxBodyBytes)
	cfg.OfflineBody = w.OfflineBody
	cfg.Logger = s.log
	cfg.Metrics = s.metrics
	return offlinecache.NewManager(s.storage, s.network, cfg)
}

// workerMaxBodyBytes maps the config's -1 (no limit) onto the manager's 0.
func workerMaxBodyBytes(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// start registers the configured worker version.
func (s *server) start(ctx context.Context) error {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()

	m, err := s.newWorker(w)
	if err != nil {
		return err
	}
	return s.reg.Register(ctx, m)
}

// reload installs a new worker when the configured version changed. Other worker
// settings only take effect with a new version, as a live worker's config is fixed.
func (s *server) reload(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	previous := s.worker
	s.mu.Unlock()

	if cfg.Worker.Origin != previous.Origin {
		s.log.Warn("Origin changes require a restart, keeping current origin",
			slog.String("current", previous.Origin), slog.String("configured", cfg.Worker.Origin))
		cfg.Worker.Origin = previous.Origin
	}
	if cfg.Worker.Version == previous.Version {
		s.log.Debug("Worker version unchanged", slog.String("version", previous.Version))
		return nil
	}

	m, err := s.newWorker(cfg.Worker)
	if err != nil {
		return err
	}
	if err := s.reg.Update(ctx, m); err != nil {
		return err
	}

	s.mu.Lock()
	s.worker = cfg.Worker
	s.mu.Unlock()
	s.log.Info("Worker updated", slog.String("from", previous.Version), slog.String("to", cfg.Worker.Version))
	return nil
}

func (s *server) Close() error {
	_ = s.reg.Close()
	return s.storage.Close()
}
