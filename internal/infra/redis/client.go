package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a single-node or cluster Redis connection.
type Client struct {
	rdb       redis.UniversalClient
	cluster   bool
	closeOnce sync.Once
	closeErr  error
}

// Config holds Redis connection configuration.
type Config struct {
	// Hosts lists redis URLs or host:port pairs. More than one host selects
	// cluster mode.
	Hosts    Hosts  `yaml:"hosts"`
	Password string `yaml:"password"`

	ClusterMaxRetries      int           `yaml:"cluster_max_retries"`
	ClusterMinRetryBackoff time.Duration `yaml:"cluster_min_retry_backoff"`
	ClusterMaxRetryBackoff time.Duration `yaml:"cluster_max_retry_backoff"`
}

// Hosts is a redis host list. In YAML it may be written either as a
// sequence or as a single comma-separated string.
type Hosts []string

// UnmarshalYAML accepts both a list and a comma-separated string.
func (h *Hosts) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var list []string
	if err := unmarshal(&list); err == nil {
		*h = ParseHosts(strings.Join(list, ","))
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("redis hosts must be a list or a comma-separated string: %w", err)
	}
	*h = ParseHosts(s)
	return nil
}

// ParseHosts splits a comma-separated host list.
func ParseHosts(s string) []string {
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// NewClient creates a new Redis client and checks connectivity.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("no redis host configured")
	}

	var (
		rdb redis.UniversalClient
		err error
	)
	if len(cfg.Hosts) > 1 {
		rdb, err = newClusterClient(cfg)
	} else {
		rdb, err = newSingleClient(cfg)
	}
	if err != nil {
		return nil, err
	}

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb, cluster: len(cfg.Hosts) > 1}, nil
}

func newSingleClient(cfg Config) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(withScheme(cfg.Hosts[0]))
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	return redis.NewClient(opts), nil
}

func newClusterClient(cfg Config) (redis.UniversalClient, error) {
	opts := &redis.ClusterOptions{
		MaxRetries:      cfg.ClusterMaxRetries,
		MinRetryBackoff: cfg.ClusterMinRetryBackoff,
		MaxRetryBackoff: cfg.ClusterMaxRetryBackoff,
		Password:        cfg.Password,
	}
	for _, host := range cfg.Hosts {
		nodeOpts, err := redis.ParseURL(withScheme(host))
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL %q: %w", host, err)
		}
		opts.Addrs = append(opts.Addrs, nodeOpts.Addr)
		if opts.Password == "" {
			opts.Username, opts.Password = nodeOpts.Username, nodeOpts.Password
		}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 100
	}
	if opts.MinRetryBackoff == 0 {
		opts.MinRetryBackoff = 3 * time.Second
	}
	if opts.MaxRetryBackoff < opts.MinRetryBackoff {
		opts.MaxRetryBackoff = 10 * opts.MinRetryBackoff
	}
	return redis.NewClusterClient(opts), nil
}

func withScheme(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "redis://" + host
}

// IsCluster reports whether the client talks to a Redis cluster.
func (c *Client) IsCluster() bool {
	return c.cluster
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rdb.Close()
	})
	return c.closeErr
}
