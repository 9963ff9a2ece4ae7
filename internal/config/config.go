// Package config defines the service's typed configuration and a YAML
// loader. Grounded on infrastructure/datafacade/config/loader.go, which
// loaded per-section YAML files (cache.yaml, rate_limit.yaml, ...) each with
// a coded-in default when the file is absent; this generalizes that to one
// YAML document with the same load-with-defaults discipline, using the same
// gopkg.in/yaml.v2 library.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/meteo-x/marketfeed/internal/cache"
	"github.com/meteo-x/marketfeed/internal/connection"
	"github.com/meteo-x/marketfeed/internal/publisher"
	"github.com/meteo-x/marketfeed/internal/router"
	"github.com/meteo-x/marketfeed/internal/subscription"
)

// ExchangeConfig configures one exchange's Adapter Facade.
type ExchangeConfig struct {
	Name                    string   `yaml:"name"`
	BaseURL                 string   `yaml:"base_url"`
	Symbols                 []string `yaml:"symbols"`
	Types                   []string `yaml:"types"`
	MaxStreamsPerConnection int      `yaml:"max_streams_per_connection"`
}

// RouterChannelConfig configures one Router channel from YAML.
type RouterChannelConfig struct {
	Name        string `yaml:"name"`
	Capacity    int    `yaml:"capacity"`
	Policy      string `yaml:"policy"`
	ErrorStreak int    `yaml:"error_streak"`
}

// Config is the whole service's configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	HTTPPort   int              `yaml:"http_port"`
	Exchanges  []ExchangeConfig `yaml:"exchanges"`

	Backoff     connection.BackoffConfig    `yaml:"-"`
	Heartbeat   time.Duration               `yaml:"-"`
	Subscription subscription.Config        `yaml:"-"`
	Cache       cache.Config                `yaml:"-"`
	Publisher   publisher.Config            `yaml:"-"`
	Channels    []RouterChannelConfig       `yaml:"channels"`
}

// rawConfig mirrors Config's YAML-friendly fields that need string→duration
// conversion, following the teacher's pattern of parsing into a plain
// string-keyed struct first, then converting (loader.go's cacheData step).
type rawConfig struct {
	LogLevel  string           `yaml:"log_level"`
	HTTPPort  int              `yaml:"http_port"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Channels  []RouterChannelConfig `yaml:"channels"`

	Backoff struct {
		Initial    string `yaml:"initial"`
		Multiplier float64 `yaml:"multiplier"`
		MaxDelay   string `yaml:"max_delay"`
		MaxRetries int    `yaml:"max_retries"`
		Jitter     bool   `yaml:"jitter"`
	} `yaml:"backoff"`

	Heartbeat string `yaml:"heartbeat_timeout"`

	Subscription struct {
		SymbolPattern    string `yaml:"symbol_pattern"`
		MaxSubscriptions int    `yaml:"max_subscriptions"`
	} `yaml:"subscription"`

	Cache struct {
		MaxEntriesPerKey int    `yaml:"max_entries_per_key"`
		TTL              string `yaml:"ttl"`
		CleanupInterval  string `yaml:"cleanup_interval"`
		MemoryCapBytes   int64  `yaml:"memory_cap_bytes"`
	} `yaml:"cache"`

	Publisher struct {
		Addr        string `yaml:"addr"`
		Password    string `yaml:"password"`
		DB          int    `yaml:"db"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"publisher"`
}

// DefaultConfig returns the service's baseline configuration, used whenever
// a config file or section is absent (spec-driven ambient behavior, same
// discipline as loader.go's per-section defaults).
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		HTTPPort: 8080,
		Backoff:  connection.DefaultBackoffConfig(),
		Heartbeat: 60 * time.Second,
		Subscription: subscription.Config{
			SymbolPattern:    `^[A-Z0-9]+$`,
			MaxSubscriptions: 10000,
		},
		Cache: cache.Config{
			MaxEntriesPerKey: 1000,
			TTL:              5 * time.Minute,
			CleanupInterval:  30 * time.Second,
			MemoryCapBytes:   100 * 1024 * 1024,
		},
		Publisher: publisher.Config{
			Addr:        "localhost:6379",
			TopicPrefix: "marketfeed",
		},
	}
}

// Load reads a YAML config file, falling back to DefaultConfig for any
// field the file doesn't set, then validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	merged := Merge(cfg, fromRaw(raw))
	if err := Validate(merged); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return merged, nil
}

func fromRaw(raw rawConfig) Config {
	var c Config
	c.LogLevel = raw.LogLevel
	c.HTTPPort = raw.HTTPPort
	c.Exchanges = raw.Exchanges
	c.Channels = raw.Channels

	c.Backoff.Multiplier = raw.Backoff.Multiplier
	c.Backoff.MaxRetries = raw.Backoff.MaxRetries
	c.Backoff.Jitter = raw.Backoff.Jitter
	c.Backoff.Initial = parseDurationOrZero(raw.Backoff.Initial)
	c.Backoff.MaxDelay = parseDurationOrZero(raw.Backoff.MaxDelay)

	c.Heartbeat = parseDurationOrZero(raw.Heartbeat)

	c.Subscription.SymbolPattern = raw.Subscription.SymbolPattern
	c.Subscription.MaxSubscriptions = raw.Subscription.MaxSubscriptions

	c.Cache.MaxEntriesPerKey = raw.Cache.MaxEntriesPerKey
	c.Cache.TTL = parseDurationOrZero(raw.Cache.TTL)
	c.Cache.CleanupInterval = parseDurationOrZero(raw.Cache.CleanupInterval)
	c.Cache.MemoryCapBytes = raw.Cache.MemoryCapBytes

	c.Publisher.Addr = raw.Publisher.Addr
	c.Publisher.Password = raw.Publisher.Password
	c.Publisher.DB = raw.Publisher.DB
	c.Publisher.TopicPrefix = raw.Publisher.TopicPrefix
	return c
}

func parseDurationOrZero(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Merge overlays every non-zero field of override onto base, returning a
// new Config. Merge(base, Config{}) == base: the zero Config is the merge
// identity.
func Merge(base, override Config) Config {
	out := base
	if override.LogLevel != "" {
		out.LogLevel = override.LogLevel
	}
	if override.HTTPPort != 0 {
		out.HTTPPort = override.HTTPPort
	}
	if len(override.Exchanges) > 0 {
		out.Exchanges = override.Exchanges
	}
	if len(override.Channels) > 0 {
		out.Channels = override.Channels
	}
	if override.Backoff.Initial != 0 {
		out.Backoff.Initial = override.Backoff.Initial
	}
	if override.Backoff.Multiplier != 0 {
		out.Backoff.Multiplier = override.Backoff.Multiplier
	}
	if override.Backoff.MaxDelay != 0 {
		out.Backoff.MaxDelay = override.Backoff.MaxDelay
	}
	if override.Backoff.MaxRetries != 0 {
		out.Backoff.MaxRetries = override.Backoff.MaxRetries
	}
	if override.Backoff.Jitter {
		out.Backoff.Jitter = override.Backoff.Jitter
	}
	if override.Heartbeat != 0 {
		out.Heartbeat = override.Heartbeat
	}
	if override.Subscription.SymbolPattern != "" {
		out.Subscription.SymbolPattern = override.Subscription.SymbolPattern
	}
	if override.Subscription.MaxSubscriptions != 0 {
		out.Subscription.MaxSubscriptions = override.Subscription.MaxSubscriptions
	}
	if override.Cache.MaxEntriesPerKey != 0 {
		out.Cache.MaxEntriesPerKey = override.Cache.MaxEntriesPerKey
	}
	if override.Cache.TTL != 0 {
		out.Cache.TTL = override.Cache.TTL
	}
	if override.Cache.CleanupInterval != 0 {
		out.Cache.CleanupInterval = override.Cache.CleanupInterval
	}
	if override.Cache.MemoryCapBytes != 0 {
		out.Cache.MemoryCapBytes = override.Cache.MemoryCapBytes
	}
	if override.Publisher.Addr != "" {
		out.Publisher.Addr = override.Publisher.Addr
	}
	if override.Publisher.Password != "" {
		out.Publisher.Password = override.Publisher.Password
	}
	if override.Publisher.DB != 0 {
		out.Publisher.DB = override.Publisher.DB
	}
	if override.Publisher.TopicPrefix != "" {
		out.Publisher.TopicPrefix = override.Publisher.TopicPrefix
	}
	return out
}

// Validate checks required fields are present (loader.go's validateConfig
// step, generalized to this service's config shape).
func Validate(c Config) error {
	if c.Publisher.Addr == "" {
		return fmt.Errorf("publisher address is required")
	}
	for _, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchange name is required")
		}
		if ex.BaseURL == "" {
			return fmt.Errorf("exchange %s: base_url is required", ex.Name)
		}
	}
	for _, ch := range c.Channels {
		switch router.Policy(ch.Policy) {
		case "", router.PolicyDropOldest, router.PolicyDropNewest, router.PolicyBlockBounded, router.PolicyFailFast:
		default:
			return fmt.Errorf("channel %s: unknown policy %q", ch.Name, ch.Policy)
		}
		switch ch.Name {
		case "cache", "publisher", "broadcast":
		default:
			return fmt.Errorf("channel %s: must retune one of cache, publisher, broadcast", ch.Name)
		}
	}
	return nil
}
