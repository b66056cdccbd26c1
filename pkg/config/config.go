// Package config loads and validates the runtime's configuration.
//
// Configuration comes from a YAML file with environment-variable overrides
// (prefix MACHINA, e.g. MACHINA_REGISTRY_ID). Validation is fail-fast: a
// daemon with a bad config never starts.
package config

import (
	"fmt"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	Registry  RegistryConfig  `yaml:"registry"`
	Shards    []ShardConfig   `yaml:"shards"`
	Storage   StorageConfig   `yaml:"storage"`
	Archival  ArchivalConfig  `yaml:"archival"`
	Retention RetentionConfig `yaml:"retention"`
	Timer     TimerConfig     `yaml:"timer"`
	Rehydrate RehydrateConfig `yaml:"rehydrate"`
	Admin     AdminConfig     `yaml:"admin"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// RegistryConfig names the registry and controls eviction.
type RegistryConfig struct {
	// ID is the logical registry name; it derives the active database name.
	// The history database is "<id>-history".
	ID string `yaml:"id"`
	// IdleTTLMs evicts machines idle for longer. 0 disables the sweeper.
	IdleTTLMs int `yaml:"idleTtlMs"`
}

// ShardConfig describes one storage shard endpoint.
type ShardConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Database           string `yaml:"database"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	ConnectionPoolSize int    `yaml:"connectionPoolSize"`
	Enabled            bool   `yaml:"enabled"`
}

// DSN returns the postgres connection string for the shard. The database
// name defaults to the registry id when unset.
func (s ShardConfig) DSN(defaultDatabase string) string {
	db := s.Database
	if db == "" {
		db = defaultDatabase
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", s.Username, s.Password, s.Host, s.Port, db)
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	// Backend: memory | file | sqlite | postgres | pgshard.
	Backend string `yaml:"backend"`
	// Dir is the data directory for file and sqlite backends.
	Dir string `yaml:"dir"`
	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`
}

// ArchivalConfig sizes the archival pipeline.
type ArchivalConfig struct {
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queueCapacity"`
	MaxRetries    int `yaml:"maxRetries"`
	BackoffBaseMs int `yaml:"backoffBaseMs"`
	EnqueueWaitMs int `yaml:"enqueueWaitMs"`
}

// RetentionConfig sets the history horizon.
type RetentionConfig struct {
	// Days is the retention horizon in days. Must be >= 1.
	Days int `yaml:"days"`
	// SweepIntervalMinutes is the fixed delay between sweeps. Default 60.
	SweepIntervalMinutes int `yaml:"sweepIntervalMinutes"`
}

// TimerConfig binds ticks to wall time.
type TimerConfig struct {
	// TickPeriodMs is the wall-time length of one tick. Default 1000.
	TickPeriodMs int `yaml:"tickPeriodMs"`
}

// RehydrateConfig bounds rehydration.
type RehydrateConfig struct {
	// TimeoutMs bounds one rehydration. 0 disables the bound.
	TimeoutMs int `yaml:"timeoutMs"`
}

// AdminConfig configures the admin API and observability listener.
type AdminConfig struct {
	// ListenAddr serves the fasthttp admin API. Empty disables it.
	ListenAddr string `yaml:"listenAddr"`
	// ObsListenAddr serves /metrics and the websocket transition feed.
	// Empty disables it.
	ObsListenAddr string `yaml:"obsListenAddr"`
	// JWTSecret enables bearer-token auth on the admin API when non-empty.
	JWTSecret string `yaml:"jwtSecret"`
}

// IngressConfig configures the NATS event ingress.
type IngressConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	QueueGroup    string `yaml:"queueGroup"`
}

// TracingConfig selects the trace exporter.
type TracingConfig struct {
	// Exporter: off | stdout | zipkin.
	Exporter string `yaml:"exporter"`
	// ZipkinURL is the collector endpoint for the zipkin exporter.
	ZipkinURL string `yaml:"zipkinUrl"`
}

// Default returns a runnable single-node configuration.
func Default() Config {
	return Config{
		Registry: RegistryConfig{ID: "machina"},
		Storage:  StorageConfig{Backend: "memory"},
		Archival: ArchivalConfig{
			Workers:       4,
			QueueCapacity: 1024,
			MaxRetries:    5,
			BackoffBaseMs: 50,
		},
		Retention: RetentionConfig{Days: 30, SweepIntervalMinutes: 60},
		Timer:     TimerConfig{TickPeriodMs: 1000},
		Rehydrate: RehydrateConfig{TimeoutMs: 5000},
		Ingress:   IngressConfig{SubjectPrefix: "machina", QueueGroup: "machina"},
		Tracing:   TracingConfig{Exporter: "off"},
	}
}

// Validate fails fast on an unusable configuration.
func (c *Config) Validate() error {
	if c.Registry.ID == "" {
		return fmt.Errorf("config: registry.id is required")
	}
	if c.Registry.IdleTTLMs < 0 {
		return fmt.Errorf("config: registry.idleTtlMs cannot be negative")
	}

	switch c.Storage.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Storage.Dir == "" {
			return fmt.Errorf("config: storage.dir is required for backend %q", c.Storage.Backend)
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage.dsn is required for backend postgres")
		}
	case "pgshard":
		enabled := 0
		for i, s := range c.Shards {
			if !s.Enabled {
				continue
			}
			enabled++
			if s.Host == "" {
				return fmt.Errorf("config: shards[%d].host is required", i)
			}
			if s.Port <= 0 || s.Port > 65535 {
				return fmt.Errorf("config: shards[%d].port %d out of range", i, s.Port)
			}
			if s.ConnectionPoolSize < 0 {
				return fmt.Errorf("config: shards[%d].connectionPoolSize cannot be negative", i)
			}
		}
		if enabled == 0 {
			return fmt.Errorf("config: backend pgshard needs at least one enabled shard")
		}
	default:
		return fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}

	if c.Archival.Workers < 1 {
		return fmt.Errorf("config: archival.workers must be >= 1")
	}
	if c.Archival.QueueCapacity < 1 {
		return fmt.Errorf("config: archival.queueCapacity must be >= 1")
	}
	if c.Archival.MaxRetries < 1 {
		return fmt.Errorf("config: archival.maxRetries must be >= 1")
	}
	if c.Retention.Days < 1 {
		return fmt.Errorf("config: retention.days must be >= 1")
	}
	if c.Timer.TickPeriodMs < 1 {
		return fmt.Errorf("config: timer.tickPeriodMs must be >= 1")
	}
	if c.Rehydrate.TimeoutMs < 0 {
		return fmt.Errorf("config: rehydrate.timeoutMs cannot be negative")
	}

	switch c.Tracing.Exporter {
	case "", "off", "stdout":
	case "zipkin":
		if c.Tracing.ZipkinURL == "" {
			return fmt.Errorf("config: tracing.zipkinUrl is required for the zipkin exporter")
		}
	default:
		return fmt.Errorf("config: unknown tracing.exporter %q", c.Tracing.Exporter)
	}

	return nil
}

// ActiveDatabase returns the active store's database name.
func (c *Config) ActiveDatabase() string { return c.Registry.ID }

// HistoryDatabase returns the history store's database name.
func (c *Config) HistoryDatabase() string { return c.Registry.ID + "-history" }

// IdleTTL returns registry.idleTtlMs as a duration.
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.Registry.IdleTTLMs) * time.Millisecond
}

// RehydrateTimeout returns rehydrate.timeoutMs as a duration.
func (c *Config) RehydrateTimeout() time.Duration {
	return time.Duration(c.Rehydrate.TimeoutMs) * time.Millisecond
}

// TickPeriod returns timer.tickPeriodMs as a duration.
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.Timer.TickPeriodMs) * time.Millisecond
}

// RetentionHorizon returns retention.days as a duration.
func (c *Config) RetentionHorizon() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}
