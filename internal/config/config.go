package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of the offlinecache server.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (OFFLINECACHE_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Worker describes the cache worker version being served.
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`

	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	Server ServerConfig `mapstructure:"server" yaml:"server"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Valid values: DEBUG, INFO, WARN, ERROR (normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`

	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// WorkerConfig mirrors the cache manager settings.
type WorkerConfig struct {
	// Version names the cache bucket. Bump it whenever cached assets change.
	Version string `mapstructure:"version" validate:"required" yaml:"version"`

	// Origin is the upstream application every request is proxied to.
	Origin string `mapstructure:"origin" validate:"required,url" yaml:"origin"`

	// ScriptPath identifies the registration scope.
	ScriptPath string `mapstructure:"script_path" validate:"required,startswith=/" yaml:"script_path"`

	Assets    []string `mapstructure:"assets" validate:"dive,required" yaml:"assets"`
	ShellPath string   `mapstructure:"shell_path" validate:"required" yaml:"shell_path"`

	// Valid values: eager, minimal
	InstallPolicy      string `mapstructure:"install_policy" validate:"required,oneof=eager minimal" yaml:"install_policy"`
	InstallConcurrency int    `mapstructure:"install_concurrency" validate:"gte=1,lte=64" yaml:"install_concurrency"`

	// Valid values: network-first, cache-first
	Strategy string `mapstructure:"strategy" validate:"required,oneof=network-first cache-first" yaml:"strategy"`

	ExcludedPatterns []string `mapstructure:"excluded_patterns" yaml:"excluded_patterns"`
	SkipWaiting      bool     `mapstructure:"skip_waiting" yaml:"skip_waiting"`
	// MaxBodyBytes bounds cached bodies. 0 selects the default, -1 removes the limit.
	MaxBodyBytes     int64    `mapstructure:"max_body_bytes" validate:"gte=-1" yaml:"max_body_bytes"`
	OfflineBody      string   `mapstructure:"offline_body" yaml:"offline_body"`
}

// StorageConfig selects the cache storage backend.
type StorageConfig struct {
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger" yaml:"type"`

	// Path is the badger directory. Required for the badger backend.
	Path string `mapstructure:"path" validate:"required_if=Type badger" yaml:"path,omitempty"`

	// MaxMB bounds the memory backend (0 = unlimited).
	MaxMB int `mapstructure:"max_mb" validate:"gte=0" yaml:"max_mb"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port" yaml:"addr"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the configuration as YAML, creating parent directories.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper wires environment variables and the config file location.
func setupViper(v *viper.Viper, configPath string) {
	// Example: OFFLINECACHE_WORKER_VERSION=cv-optimizer-v1.2
	v.SetEnvPrefix("OFFLINECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v, reflect.TypeOf(Config{}), "")

	// Booleans whose zero value is not the default.
	v.SetDefault("worker.skip_waiting", true)
	v.SetDefault("metrics.enabled", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindEnvKeys registers every mapstructure key so AutomaticEnv also applies to
// keys absent from the config file.
func bindEnvKeys(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			bindEnvKeys(v, field.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// readConfigFile reports whether a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook converts strings like "30s" or "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir uses XDG_CONFIG_HOME if set, otherwise ~/.config, or "." as a last resort.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "offlinecache")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "offlinecache")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
