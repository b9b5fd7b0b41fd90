// Package config provides configuration types and defaults for countermgr.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/countermgr/internal/log"
	"github.com/zjrosen/countermgr/internal/orchestration/tracing"
)

// Storage drivers accepted in StorageConfig.Driver.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// DefaultAPIAddr is where the daemon listens and where client commands connect.
const DefaultAPIAddr = "localhost:19870"

// Config holds all configuration options for countermgr.
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Tracing     tracing.Config    `mapstructure:"tracing"`
	LogLevel    string            `mapstructure:"log_level"`
}

// APIConfig configures the HTTP API served by the daemon.
type APIConfig struct {
	Addr        string        `mapstructure:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// StorageConfig selects where the registry and the environment's children live.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "memory".
	Driver string `mapstructure:"driver"`

	// Path is the SQLite database file. A leading ~ is expanded.
	// Default: ~/.config/countermgr/countermgr.db
	Path string `mapstructure:"path"`
}

// CoordinatorConfig tunes the command processor.
type CoordinatorConfig struct {
	QueueCapacity        int           `mapstructure:"queue_capacity"`
	SlowHandlerThreshold time.Duration `mapstructure:"slow_handler_threshold"`
}

// RuntimeConfig configures the execution environment.
type RuntimeConfig struct {
	AddressPrefix string `mapstructure:"address_prefix"` // children are named <prefix>1, <prefix>2, ...
}

// CacheConfig configures the direct child read cache.
type CacheConfig struct {
	// CountTTL is how long a direct child read is reused. Zero disables caching.
	CountTTL time.Duration `mapstructure:"count_ttl"`
}

// DefaultConfigDir returns ~/.config/countermgr, or ".countermgr" if the
// home directory is unavailable.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".countermgr"
	}
	return filepath.Join(home, ".config", "countermgr")
}

// DefaultDBPath returns the default SQLite database path.
func DefaultDBPath() string {
	return filepath.Join(DefaultConfigDir(), "countermgr.db")
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	return filepath.Join(DefaultConfigDir(), "traces", "traces.jsonl")
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	tr := tracing.DefaultConfig()
	tr.FilePath = "" // Derived from config dir at runtime
	return Config{
		API: APIConfig{
			Addr:        DefaultAPIAddr,
			ReadTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   DefaultDBPath(),
		},
		Coordinator: CoordinatorConfig{
			QueueCapacity:        1000,
			SlowHandlerThreshold: 100 * time.Millisecond,
		},
		Runtime: RuntimeConfig{
			AddressPrefix: "contract",
		},
		Cache: CacheConfig{
			CountTTL: 2 * time.Second,
		},
		Tracing:  tr,
		LogLevel: "debug",
	}
}

// Validate checks every section and returns the first error found.
func Validate(cfg Config) error {
	if err := ValidateAPI(cfg.API); err != nil {
		return err
	}
	if err := ValidateStorage(cfg.Storage); err != nil {
		return err
	}
	if err := ValidateCoordinator(cfg.Coordinator); err != nil {
		return err
	}
	if err := ValidateRuntime(cfg.Runtime); err != nil {
		return err
	}
	if cfg.Cache.CountTTL < 0 {
		return fmt.Errorf("cache.count_ttl must not be negative, got %v", cfg.Cache.CountTTL)
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateAPI checks the API address is host:port.
func ValidateAPI(api APIConfig) error {
	if api.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	if _, _, err := net.SplitHostPort(api.Addr); err != nil {
		return fmt.Errorf("api.addr must be host:port, got %q: %w", api.Addr, err)
	}
	if api.ReadTimeout < 0 {
		return fmt.Errorf("api.read_timeout must not be negative, got %v", api.ReadTimeout)
	}
	return nil
}

// ValidateStorage checks the storage driver and path.
func ValidateStorage(storage StorageConfig) error {
	switch storage.Driver {
	case "", DriverSQLite:
		if storage.Path == "" {
			return fmt.Errorf("storage.path is required when driver is %q", DriverSQLite)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", DriverSQLite, DriverMemory, storage.Driver)
	}
	return nil
}

// ValidateCoordinator checks the processor settings.
// Zero values fall back to the processor's defaults.
func ValidateCoordinator(coord CoordinatorConfig) error {
	if coord.QueueCapacity < 0 {
		return fmt.Errorf("coordinator.queue_capacity must not be negative, got %d", coord.QueueCapacity)
	}
	if coord.SlowHandlerThreshold < 0 {
		return fmt.Errorf("coordinator.slow_handler_threshold must not be negative, got %v", coord.SlowHandlerThreshold)
	}
	return nil
}

// ValidateRuntime checks the address prefix.
func ValidateRuntime(rt RuntimeConfig) error {
	if strings.ContainsAny(rt.AddressPrefix, "/ \t\n") {
		return fmt.Errorf("runtime.address_prefix must not contain '/' or whitespace, got %q", rt.AddressPrefix)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tr tracing.Config) error {
	if tr.SampleRate < 0.0 || tr.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tr.SampleRate)
	}

	if tr.Exporter != "" {
		switch tr.Exporter {
		case tracing.ExporterNone, tracing.ExporterFile, tracing.ExporterStdout, tracing.ExporterOTLP:
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tr.Exporter)
		}
	}

	// Path requirements only apply when tracing is enabled
	if tr.Enabled {
		if tr.Exporter == tracing.ExporterFile && tr.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tr.Exporter == tracing.ExporterOTLP && tr.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# countermgr configuration

# HTTP API served by 'countermgr daemon' and used by the client commands
api:
  addr: localhost:19870   # host:port
  read_timeout: 30s

# Where the registry and the hosted children are stored
storage:
  driver: sqlite          # sqlite (default) or memory
  # path: ~/.config/countermgr/countermgr.db

# Command processor settings
coordinator:
  queue_capacity: 1000            # Max queued requests before callers get queue_full
  slow_handler_threshold: 100ms   # Commands slower than this are logged at warn level

# Execution environment
runtime:
  address_prefix: contract  # Children are named contract1, contract2, ...

# Direct child reads (GET /children/{address}/count)
cache:
  count_ttl: 2s   # 0 disables caching

# Log level for the debug log: debug, info, warn, error
# log_level: debug

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/countermgr/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#   service_name: countermgr
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
