package config

import (
	"strings"
	"time"

	"github.com/spdeepak/offlinecache"
)

// ApplyDefaults fills zero values with defaults. Explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyWorkerDefaults(&cfg.Worker)
	applyStorageDefaults(&cfg.Storage)
	applyServerDefaults(&cfg.Server)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyWorkerDefaults(cfg *WorkerConfig) {
	if cfg.Version == "" {
		cfg.Version = "cv-optimizer-v1.2"
	}
	if cfg.Origin == "" {
		cfg.Origin = "http://localhost:5000"
	}
	if cfg.ScriptPath == "" {
		cfg.ScriptPath = "/service-worker.js"
	}
	if len(cfg.Assets) == 0 {
		cfg.Assets = append([]string(nil), offlinecache.DefaultAssets...)
	}
	if cfg.ShellPath == "" {
		cfg.ShellPath = "/"
	}
	if cfg.InstallPolicy == "" {
		cfg.InstallPolicy = string(offlinecache.InstallMinimal)
	}
	if cfg.InstallConcurrency == 0 {
		cfg.InstallConcurrency = 4
	}
	if cfg.Strategy == "" {
		cfg.Strategy = offlinecache.StrategyNetworkFirst
	}
	if cfg.ExcludedPatterns == nil {
		cfg.ExcludedPatterns = append([]string(nil), offlinecache.DefaultExcludedPatterns...)
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.OfflineBody == "" {
		cfg.OfflineBody = offlinecache.DefaultOfflineBody
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	cfg.Type = strings.ToLower(cfg.Type)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:8080"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// GetDefaultConfig returns a Config with all default values applied. SkipWaiting is
// on, as a fresh deployment should take over open pages immediately.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Worker:  WorkerConfig{SkipWaiting: true},
		Metrics: MetricsConfig{Enabled: true},
	}
	ApplyDefaults(cfg)
	return cfg
}
