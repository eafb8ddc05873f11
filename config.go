package blade

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Cache modes accepted by Config.Cache.
const (
	CacheInternal = "internal"
	CacheMemory   = "memory"
	CacheExternal = "external"
)

// Config describes an engine in YAML.
type Config struct {
	// Dir is the directory templates are read from.
	Dir    string `yaml:"dir"`
	Suffix string `yaml:"suffix"`
	// Cache selects where compiled units live: internal (the engine's own map),
	// memory (a MemoryCache honoring CacheTTL) or external (a Cache supplied with
	// WithCache).
	Cache    string        `yaml:"cache"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// Watch forgets compiled templates when their files change.
	Watch    bool   `yaml:"watch"`
	MaxDepth int    `yaml:"max_depth"`
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used for missing fields.
func DefaultConfig() *Config {
	return &Config{
		Dir:      "views",
		Suffix:   DefaultSuffix,
		Cache:    CacheInternal,
		MaxDepth: DefaultMaxDepth,
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file. A missing file yields the defaults.
// BLADE_DIR, BLADE_WATCH and BLADE_LOG_LEVEL override the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BLADE_DIR"); v != "" {
		c.Dir = v
	}
	if v, err := strconv.ParseBool(os.Getenv("BLADE_WATCH")); err == nil {
		c.Watch = v
	}
	if v := os.Getenv("BLADE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate reports settings no engine can be built from.
func (c *Config) Validate() error {
	switch c.Cache {
	case "", CacheInternal, CacheMemory, CacheExternal:
	default:
		return fmt.Errorf("unknown cache mode %q", c.Cache)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must not be negative")
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must not be negative")
	}
	if c.LogLevel != "" {
		if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	return nil
}

// Logger builds a production zap logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.LogLevel != "" {
		lvl, err := zap.ParseAtomicLevel(c.LogLevel)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}

// NewFromConfig builds an engine over cfg.Dir. Options are applied after the
// configured ones. The external cache mode fails with ErrNoCacheBackend unless an
// option supplies a cache.
func NewFromConfig(cfg *Config, opts ...Option) (*Engine, error) {
	return NewFromConfigStore(cfg, NewFSStore(os.DirFS(cfg.Dir), cfg.Suffix), opts...)
}

// NewFromConfigStore is NewFromConfig over another template source. cfg.Dir and
// cfg.Suffix are ignored.
func NewFromConfigStore(cfg *Config, store SourceStore, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := []Option{WithMaxDepth(cfg.MaxDepth)}
	if cfg.Cache == CacheMemory {
		base = append(base, WithCache(NewMemoryCache(cfg.CacheTTL)))
	}
	e := New(store, append(base, opts...)...)
	if cfg.Cache == CacheExternal && (!e.useCache || e.cache == nil) {
		return nil, ErrNoCacheBackend
	}
	return e, nil
}
