// Package config loads the kvcache CLI configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/kvcache/expiry"
)

type Config struct {
	Cache   Cache   `yaml:"cache"`
	Expiry  Expiry  `yaml:"expiry"`
	Store   Store   `yaml:"store"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

type Cache struct {
	Name            string        `yaml:"name"`
	Namespace       string        `yaml:"namespace"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	BulkConcurrency int           `yaml:"bulk_concurrency"`
	Statistics      bool          `yaml:"statistics"`
}

// Expiry names a built-in policy. Duration is ignored for "eternal".
type Expiry struct {
	Policy   string        `yaml:"policy"` // eternal|created|modified|accessed|touched
	Duration time.Duration `yaml:"duration"`
}

type Store struct {
	Kind      string    `yaml:"kind"` // memory|redis|bolt|bigcache|jetstream
	Memory    Memory    `yaml:"memory"`
	Redis     Redis     `yaml:"redis"`
	Bolt      Bolt      `yaml:"bolt"`
	BigCache  BigCache  `yaml:"bigcache"`
	JetStream JetStream `yaml:"jetstream"`
}

type Memory struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Bolt struct {
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
}

type BigCache struct {
	Shards      int           `yaml:"shards"`
	LifeWindow  time.Duration `yaml:"life_window"`
	CleanWindow time.Duration `yaml:"clean_window"`
	MaxSizeMB   int           `yaml:"max_size_mb"`
}

type JetStream struct {
	URL    string        `yaml:"url"`
	Bucket string        `yaml:"bucket"`
	TTL    time.Duration `yaml:"ttl"` // bucket wide
}

type Log struct {
	Backend string `yaml:"backend"` // zap|logrus|slog
	Level   string `yaml:"level"`   // debug|info|warn|error
}

type Metrics struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// Default is the configuration used for absent fields.
func Default() Config {
	return Config{
		Cache:  Cache{Name: "default", LockTimeout: time.Second, BulkConcurrency: 8, Statistics: true},
		Expiry: Expiry{Policy: "eternal"},
		Store: Store{
			Kind:      "memory",
			Memory:    Memory{CleanupInterval: time.Minute},
			Redis:     Redis{Addr: "localhost:6379", Prefix: "kvcache:"},
			Bolt:      Bolt{Path: "kvcache.db", Bucket: "kvcache"},
			BigCache:  BigCache{Shards: 64, LifeWindow: expiry.MaxLifetime},
			JetStream: JetStream{URL: "nats://127.0.0.1:4222", Bucket: "kvcache"},
		},
		Log: Log{Backend: "zap", Level: "info"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Parse is Decode over a byte slice.
func Parse(b []byte) (Config, error) { return Decode(bytes.NewReader(b)) }

// Decode applies r over Default and validates the result. Unknown fields are errors.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf("config: "+format, args...)) }

	if c.Cache.LockTimeout < 0 {
		bad("cache.lock_timeout must not be negative")
	}
	if c.Cache.BulkConcurrency < 0 {
		bad("cache.bulk_concurrency must not be negative")
	}

	switch c.Expiry.Policy {
	case "eternal":
	case "created", "modified", "accessed", "touched":
		if c.Expiry.Duration < 0 {
			bad("expiry.duration must not be negative")
		}
		if c.Expiry.Duration > expiry.MaxLifetime {
			bad("expiry.duration %s exceeds %s", c.Expiry.Duration, expiry.MaxLifetime)
		}
	default:
		bad("unknown expiry.policy %q", c.Expiry.Policy)
	}

	switch c.Store.Kind {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			bad("store.redis.addr is required")
		}
	case "bolt":
		if c.Store.Bolt.Path == "" {
			bad("store.bolt.path is required")
		}
	case "bigcache":
		if s := c.Store.BigCache.Shards; s <= 0 || s&(s-1) != 0 {
			bad("store.bigcache.shards must be a power of two, got %d", s)
		}
	case "jetstream":
		if c.Store.JetStream.URL == "" || c.Store.JetStream.Bucket == "" {
			bad("store.jetstream.url and store.jetstream.bucket are required")
		}
	default:
		bad("unknown store.kind %q", c.Store.Kind)
	}

	switch c.Log.Backend {
	case "zap", "logrus", "slog":
	default:
		bad("unknown log.backend %q", c.Log.Backend)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		bad("unknown log.level %q", c.Log.Level)
	}
	return errors.Join(errs...)
}

// NewPolicy builds the configured expiry policy.
func (e Expiry) NewPolicy() expiry.Policy {
	switch e.Policy {
	case "created":
		return expiry.Created(e.Duration)
	case "modified":
		return expiry.Modified(e.Duration)
	case "accessed":
		return expiry.Accessed(e.Duration)
	case "touched":
		return expiry.Touched(e.Duration)
	default:
		return expiry.EternalPolicy
	}
}
