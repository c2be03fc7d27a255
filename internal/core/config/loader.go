package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/substreams-redis-sink/internal/core/cursor"
	redisclient "github.com/vietddude/substreams-redis-sink/internal/infra/redis"
	"github.com/vietddude/substreams-redis-sink/internal/infra/substreams"
)

//go:embed default.yaml
var defaultTemplate []byte

// DefaultTemplate returns the embedded configuration used when no config
// file is present. It reads the SUBSTREAMS_* and REDIS_HOST environment
// variables.
func DefaultTemplate() []byte {
	return append([]byte(nil), defaultTemplate...)
}

// Load reads configuration from a YAML file. An empty path or a missing
// file falls back to the embedded default template.
func Load(path string) (*AppConfig, error) {
	cfg, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	return Finalize(cfg)
}

// LoadRaw reads and decodes configuration without applying defaults or
// validating, so callers can layer overrides before Finalize.
func LoadRaw(path string) (*AppConfig, error) {
	data, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// Parse decodes data and finalizes the result.
func Parse(data []byte) (*AppConfig, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	return Finalize(cfg)
}

// Finalize applies defaults and validates cfg.
func Finalize(cfg *AppConfig) (*AppConfig, error) {
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func readConfig(path string) ([]byte, error) {
	if path == "" {
		return DefaultTemplate(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultTemplate(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

func applyDefaults(cfg *AppConfig) {
	sc := &cfg.Substreams
	if sc.EndpointURL != "" {
		sc.EndpointURL = substreams.NormalizeURL(sc.EndpointURL)
	}
	if sc.Retry.InitialDelay == 0 {
		sc.Retry.InitialDelay = 500 * time.Millisecond
	}
	if sc.Retry.MaxDelay == 0 {
		sc.Retry.MaxDelay = 45 * time.Second
	}

	if cfg.Sink.Namespace == "" {
		cfg.Sink.Namespace = redisclient.DefaultNamespace
	}
	if cfg.Sink.TTL == 0 {
		cfg.Sink.TTL = redisclient.DefaultBlockTTL
	}
	if cfg.Sink.Rollback == "" {
		cfg.Sink.Rollback = redisclient.RollbackDelete
	}
	if cfg.Sink.IndexWindow == 0 {
		cfg.Sink.IndexWindow = redisclient.DefaultIndexWindow
	}

	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = BackendRedis
	}
	if cfg.Checkpoint.Key == "" {
		cfg.Checkpoint.Key = cursor.DefaultKey
	}
	if cfg.Checkpoint.TTL == 0 {
		cfg.Checkpoint.TTL = cursor.DefaultTTL
	}

	if cfg.Health.Addr == "" {
		cfg.Health.Addr = "127.0.0.1:3030"
	}
	if cfg.Health.CacheInterval == 0 {
		cfg.Health.CacheInterval = 5 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("modulename", func(fl validator.FieldLevel) bool {
		return substreams.ValidateModuleName(fl.Field().String()) == nil
	})
	return v
}

// Validate checks the configuration. Errors name the offending field.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed on %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.Redis.Hosts) == 0 {
		return fmt.Errorf("invalid config: redis.hosts is empty (set REDIS_HOST)")
	}
	if c.Checkpoint.Backend == BackendPostgres && c.Database.URL == "" {
		return fmt.Errorf("invalid config: database.url is required for the postgres checkpoint backend")
	}
	return nil
}
