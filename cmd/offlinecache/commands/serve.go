package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/spdeepak/offlinecache"
	"github.com/spdeepak/offlinecache/internal/config"
	"github.com/spdeepak/offlinecache/internal/logging"
)

var watchConfig bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the caching proxy",
	Long: `Start the caching proxy with the specified configuration.

The configured worker version is installed on startup. With --watch, editing
worker.version in the config file installs the new version without a restart;
it activates according to the usual waiting rules.

Examples:
  # Start with default config location
  offlinecache serve

  # Start with a custom config and reload on change
  offlinecache serve --config /etc/offlinecache/config.yaml --watch

  # Start with environment variable overrides
  OFFLINECACHE_LOGGING_LEVEL=DEBUG offlinecache serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVarP(&watchConfig, "watch", "w", false, "Reload the worker when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	logger, closer, err := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(cfg, offlinecache.TransportFetcher{}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("Storage close error", slog.Any("error", err))
		}
	}()

	logger.Info("Configuration loaded",
		slog.String("source", getConfigSource(GetConfigFile())),
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("metrics", cfg.Metrics.Enabled))

	// A failed first install leaves the proxy in pass-through mode.
	if err := srv.start(ctx); err != nil {
		logger.Error("Initial worker install failed, serving from network only", slog.Any("error", err))
	}

	if watchConfig {
		path := GetConfigFile()
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		go func() {
			if err := watchConfigFile(ctx, path, srv, logger); err != nil {
				logger.Error("Config watcher stopped", slog.Any("error", err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.handler,
	}

	serverDone := make(chan error, 1)
	go func() {
		logger.Info("Proxy listening", slog.String("addr", cfg.Server.Addr), slog.String("origin", cfg.Worker.Origin))
		serverDone <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		logger.Info("Server stopped gracefully")
		return nil
	case err := <-serverDone:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// watchConfigFile reloads the server whenever the config file is written. The
// directory is watched so editors that replace the file are handled too.
func watchConfigFile(ctx context.Context, path string, srv *server, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := config.Load(path)
			if err != nil {
				logger.Warn("Ignoring invalid config change", slog.Any("error", err))
				continue
			}
			if err := srv.reload(ctx, cfg); err != nil {
				logger.Error("Worker reload failed", slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", slog.Any("error", err))
		}
	}
}

// getConfigSource returns a description of where the config was loaded from
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// exists reports whether a path exists; used by commands that need a config file.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
