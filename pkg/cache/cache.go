// Package cache holds query results keyed by their SQL text.
package cache

import (
	"flag"
	"time"

	"github.com/coder/quartz"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// SetOptions control how long an entry is kept.
type SetOptions struct {
	// Persist exempts the entry from expiry. It is still subject to
	// least-recently-used eviction.
	Persist bool
	// TTL overrides the cache's time-to-live for this entry.
	TTL time.Duration
}

// Cache stores values by key.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, opts SetOptions)
	Delete(key string)
	Clear()
}

// Config for building caches.
type Config struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given
// FlagSet, prefixing their names.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, prefix+"cache.enabled", true, "Cache query results by SQL text. When disabled every request reaches the backend.")
	f.IntVar(&cfg.MaxEntries, prefix+"cache.max-entries", 1000, "Maximum number of cached query results.")
	f.DurationVar(&cfg.TTL, prefix+"cache.ttl", 3*time.Hour, "Time since last access after which a cached result expires.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.MaxEntries <= 0 {
		return errors.New("cache max entries must be positive")
	}
	if cfg.TTL < 0 {
		return errors.New("cache ttl must not be negative")
	}
	return nil
}

// New creates a cache from the config. A disabled cache never holds
// anything.
func New(cfg Config, reg prometheus.Registerer) (Cache, error) {
	if !cfg.Enabled {
		return NewVoid(), nil
	}
	c, err := NewLRU(cfg.MaxEntries, cfg.TTL, quartz.NewReal(), reg)
	if err != nil {
		return nil, err
	}
	return Instrument("query_results", c, reg), nil
}

type void struct{}

// NewVoid returns a cache that stores nothing.
func NewVoid() Cache { return void{} }

func (void) Get(string) (any, bool)      { return nil, false }
func (void) Set(string, any, SetOptions) {}
func (void) Delete(string)               {}
func (void) Clear()                      {}
