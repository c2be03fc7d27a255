package config

import (
	"time"

	redisclient "github.com/vietddude/substreams-redis-sink/internal/infra/redis"
	"github.com/vietddude/substreams-redis-sink/internal/infra/storage/postgres"
)

// Checkpoint backends.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Substreams SubstreamsConfig             `yaml:"substreams"`
	Redis      redisclient.Config           `yaml:"redis"`
	Sink       redisclient.BlockCacheConfig `yaml:"sink"`
	Checkpoint CheckpointConfig             `yaml:"checkpoint"`
	Database   postgres.Config              `yaml:"database"`
	Health     HealthConfig                 `yaml:"health"`
	Logging    LoggingConfig                `yaml:"logging"`
}

// SubstreamsConfig describes where and what to stream.
type SubstreamsConfig struct {
	EndpointURL     string      `yaml:"endpoint_url"      validate:"required"`
	APIToken        string      `yaml:"api_token"`
	Package         string      `yaml:"package"           validate:"required"`
	Module          string      `yaml:"module"            validate:"required,modulename"`
	BlockRange      string      `yaml:"block_range"`
	FinalBlocksOnly bool        `yaml:"final_blocks_only"`
	ProductionMode  bool        `yaml:"production_mode"`
	Retry           RetryConfig `yaml:"retry"`
}

// RetryConfig bounds the reconnect backoff.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"max_delay"     validate:"gtefield=InitialDelay"`
}

// CheckpointConfig selects where the cursor is persisted.
type CheckpointConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=redis postgres memory"`
	Key     string        `yaml:"key"     validate:"required"`
	TTL     time.Duration `yaml:"ttl"     validate:"gte=0"`
}

// HealthConfig holds the health server settings.
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"           validate:"required_if=Enabled true"`
	CacheInterval time.Duration `yaml:"cache_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"` // debug, info, warn, error
}
