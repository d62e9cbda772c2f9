package config

import (
	"path/filepath"
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(GetConfigDir(), "data")
	}

	applyPoolDefaults(&cfg.Pool)
	applyResilienceDefaults(&cfg.Resilience)
	applyTimeoutsDefaults(&cfg.Timeouts)
	applyThrottleDefaults(&cfg.Throttle)
	applyUndoDefaults(&cfg.Undo, cfg.DataDir)
	applyCacheDefaults(&cfg.Cache, cfg.DataDir)
	applyQueueDefaults(&cfg.Queue, cfg.DataDir)

	for i := range cfg.Resources {
		r := &cfg.Resources[i]
		if r.Name == "" {
			r.Name = r.ID
		}
		r.Protocol = strings.ToLower(r.Protocol)
		if r.Settings == nil {
			r.Settings = make(map[string]interface{})
		}
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyPoolDefaults(cfg *PoolConfig) {
	if cfg.MaxPerHandle == 0 {
		cfg.MaxPerHandle = 5
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 45 * time.Second
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = 15 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = 2
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
}

func applyResilienceDefaults(cfg *ResilienceConfig) {
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Factor == 0 {
		cfg.Factor = 2
	}
	if cfg.ReadAttempts == 0 {
		cfg.ReadAttempts = 3
	}
	if cfg.WriteAttempts == 0 {
		cfg.WriteAttempts = 1
	}
	if cfg.IdempotentWriteAttempts == 0 {
		cfg.IdempotentWriteAttempts = 3
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses == 0 {
		cfg.HalfOpenSuccesses = 2
	}
}

func applyTimeoutsDefaults(cfg *TimeoutsConfig) {
	if cfg.Read == 0 {
		cfg.Read = 30 * time.Second
	}
	if cfg.Write == 0 {
		cfg.Write = 60 * time.Second
	}
}

func applyThrottleDefaults(cfg *ThrottleConfig) {
	if cfg.Global == 0 {
		cfg.Global = 8
	}
	if cfg.PerProtocol == nil {
		cfg.PerProtocol = make(map[string]int)
	}
}

func applyUndoDefaults(cfg *UndoConfig, dataDir string) {
	if cfg.Expiry == 0 {
		cfg.Expiry = 5 * time.Minute
	}
	if cfg.History == 0 {
		cfg.History = 10
	}
	if cfg.TrashRetention == 0 {
		cfg.TrashRetention = 7 * 24 * time.Hour
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(dataDir, "undo.db")
	}
}

func applyCacheDefaults(cfg *CacheConfig, dataDir string) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(dataDir, "cache")
	}
	if cfg.BudgetBytes == 0 {
		cfg.BudgetBytes = 256 << 20
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(dataDir, "cache-index")
	}
	if cfg.MetadataTTL == 0 {
		cfg.MetadataTTL = time.Minute
	}
	if cfg.EvictInterval == 0 {
		cfg.EvictInterval = time.Minute
	}
}

func applyQueueDefaults(cfg *QueueConfig, dataDir string) {
	if cfg.Path == "" {
		cfg.Path = filepath.Join(dataDir, "queue.db")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = 30 * time.Second
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
