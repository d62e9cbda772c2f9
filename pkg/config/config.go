// Package config loads and validates the configuration of the file operations
// service: logging, session pooling, resilience policies, admission budgets,
// undo, cache, offline queue and the configured resources.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"digital.vasic.fileops/pkg/client"
)

// Config is the root configuration.
type Config struct {
	// Logging controls log output.
	Logging LoggingConfig `mapstructure:"logging"`

	// DataDir holds the undo journal, the offline queue and the cache when
	// their paths are not given explicitly.
	DataDir string `mapstructure:"data_dir" validate:"required"`

	Pool       PoolConfig       `mapstructure:"pool"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Undo       UndoConfig       `mapstructure:"undo"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Queue      QueueConfig      `mapstructure:"queue"`

	// Resources are the configured storage backends.
	Resources []client.StorageConfig `mapstructure:"resources" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`

	// Format is the output format (text, json).
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// PoolConfig configures the session pool.
type PoolConfig struct {
	// MaxPerHandle caps live sessions per handle when the resource does not
	// set max_parallelism.
	MaxPerHandle int `mapstructure:"max_per_handle" validate:"gte=2"`

	// IdleTimeout is how long an unused session stays open.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`

	// ReapInterval is how often idle sessions are checked.
	ReapInterval time.Duration `mapstructure:"reap_interval" validate:"gt=0"`

	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`

	// ConnectRetries is the number of extra connection attempts.
	ConnectRetries int `mapstructure:"connect_retries" validate:"gte=0"`

	// RetryDelay separates connection attempts.
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gte=0"`

	// MaxFailures force-closes a session after this many consecutive failures.
	MaxFailures int `mapstructure:"max_failures" validate:"gte=1"`
}

// ResilienceConfig configures retries and circuit breakers.
type ResilienceConfig struct {
	BaseDelay               time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay                time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	Factor                  float64       `mapstructure:"factor" validate:"gte=1"`
	ReadAttempts            int           `mapstructure:"read_attempts" validate:"gte=1"`
	WriteAttempts           int           `mapstructure:"write_attempts" validate:"gte=1"`
	IdempotentWriteAttempts int           `mapstructure:"idempotent_write_attempts" validate:"gte=1"`

	// FailureThreshold consecutive failures open a breaker.
	FailureThreshold uint32 `mapstructure:"failure_threshold" validate:"gte=1"`

	// OpenTimeout is how long an open breaker fails fast.
	OpenTimeout time.Duration `mapstructure:"open_timeout" validate:"gt=0"`

	// HalfOpenSuccesses consecutive probe successes close a breaker.
	HalfOpenSuccesses uint32 `mapstructure:"half_open_successes" validate:"gte=1"`
}

// TimeoutsConfig holds the stall timeouts of transfers.
type TimeoutsConfig struct {
	Read  time.Duration `mapstructure:"read" validate:"gt=0"`
	Write time.Duration `mapstructure:"write" validate:"gt=0"`
}

// ThrottleConfig configures admission control.
type ThrottleConfig struct {
	// Global caps concurrently running operations.
	Global int `mapstructure:"global" validate:"gte=1"`

	// PerProtocol caps running operations per protocol.
	PerProtocol map[string]int `mapstructure:"per_protocol" validate:"dive,gte=1"`

	// MeteredOpsPerSecond paces operation starts on metered networks; 0 disables pacing.
	MeteredOpsPerSecond float64 `mapstructure:"metered_ops_per_second" validate:"gte=0"`
}

// UndoConfig configures the undo and trash subsystem.
type UndoConfig struct {
	Expiry         time.Duration `mapstructure:"expiry" validate:"gt=0"`
	History        int           `mapstructure:"history" validate:"gte=1"`
	TrashRetention time.Duration `mapstructure:"trash_retention" validate:"gt=0"`
	ReapInterval   time.Duration `mapstructure:"reap_interval" validate:"gt=0"`
	JournalPath    string        `mapstructure:"journal_path"`
}

// CacheConfig configures the unified cache.
type CacheConfig struct {
	Dir         string        `mapstructure:"dir"`
	BudgetBytes int64         `mapstructure:"budget_bytes" validate:"gt=0"`
	TTL         time.Duration `mapstructure:"ttl" validate:"gt=0"`

	// IndexPath is the badger index directory; empty keeps the index in memory.
	IndexPath     string        `mapstructure:"index_path"`
	MetadataTTL   time.Duration `mapstructure:"metadata_ttl" validate:"gt=0"`
	EvictInterval time.Duration `mapstructure:"evict_interval" validate:"gt=0"`
}

// QueueConfig configures the offline operation queue.
type QueueConfig struct {
	Path       string `mapstructure:"path"`
	MaxRetries int    `mapstructure:"max_retries" validate:"gte=1"`

	// DrainInterval is how often queued operations of resources that came
	// back online are replayed.
	DrainInterval time.Duration `mapstructure:"drain_interval" validate:"gt=0"`
}

// Load loads configuration from file and environment variables.
//
// Environment variables use the FILEOPS_ prefix with dots replaced by
// underscores, e.g. FILEOPS_LOGGING_LEVEL=debug. A missing config file is
// not an error; defaults are used.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("FILEOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(GetConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// GetConfigDir returns $XDG_CONFIG_HOME/fileops, ~/.config/fileops or ".".
func GetConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fileops")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "fileops")
}

// Resource returns the resource with the given id.
func (c *Config) Resource(id string) (*client.StorageConfig, bool) {
	for i := range c.Resources {
		if c.Resources[i].ID == id {
			return &c.Resources[i], true
		}
	}
	return nil, false
}
