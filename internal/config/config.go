// Package config loads the lock server configuration from an optional YAML
// file, applies environment overrides and fills defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

type Config struct {
	Addr    string        `yaml:"addr"`
	DB      DBConfig      `yaml:"db"`
	Engine  EngineConfig  `yaml:"engine"`
	Sweeper SweeperConfig `yaml:"sweeper"`
	Notify  NotifyConfig  `yaml:"notify"`
	Tracing TracingConfig `yaml:"tracing"`
}

type DBConfig struct {
	Path          string        `yaml:"path"`
	BusyTimeout   time.Duration `yaml:"busy_timeout"`
	MaxOpenConns  int           `yaml:"max_open_conns"`
	LocksTable    string        `yaml:"locks_table"`
	RequestsTable string        `yaml:"requests_table"`
}

type EngineConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	RenewalMargin time.Duration `yaml:"renewal_margin"`
}

type SweeperConfig struct {
	// Interval <= 0 disables the sweeper.
	Interval time.Duration `yaml:"interval"`
	// ReclaimThreshold deletes free lock records idle for longer; unset keeps them.
	ReclaimThreshold *time.Duration `yaml:"reclaim_threshold"`
}

type NotifyConfig struct {
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redis_url"`
	NATSURL  string `yaml:"nats_url"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr: ":8080",
		DB: DBConfig{
			Path:         "./lockserver.db",
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 20,
		},
		Engine:  EngineConfig{PollInterval: time.Second},
		Sweeper: SweeperConfig{Interval: 5 * time.Second},
		Notify:  NotifyConfig{Backend: BackendMemory},
	}
}

// Load reads path (skipped when empty), then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("LOCKSERVER_ADDR", &c.Addr)
	str("LOCKSERVER_DB", &c.DB.Path)
	str("LOCKSERVER_NOTIFY", &c.Notify.Backend)
	str("REDIS_URL", &c.Notify.RedisURL)
	str("NATS_URL", &c.Notify.NATSURL)

	if err := dur("LOCKSERVER_POLL_INTERVAL", &c.Engine.PollInterval); err != nil {
		return err
	}
	if err := dur("LOCKSERVER_SWEEP_INTERVAL", &c.Sweeper.Interval); err != nil {
		return err
	}
	if v, ok := lookup("LOCKSERVER_RECLAIM_THRESHOLD"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOCKSERVER_RECLAIM_THRESHOLD: %w", err)
		}
		c.Sweeper.ReclaimThreshold = &d
	}
	if v, ok := lookup("LOCKSERVER_TRACING"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOCKSERVER_TRACING: %w", err)
		}
		c.Tracing.Enabled = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if c.Engine.PollInterval <= 0 {
		errs = append(errs, errors.New("engine.poll_interval must be > 0"))
	}
	if c.Engine.RenewalMargin < 0 {
		errs = append(errs, errors.New("engine.renewal_margin must be >= 0"))
	}
	if c.Sweeper.ReclaimThreshold != nil && *c.Sweeper.ReclaimThreshold < 0 {
		errs = append(errs, errors.New("sweeper.reclaim_threshold must be >= 0"))
	}
	switch c.Notify.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Notify.RedisURL == "" {
			errs = append(errs, errors.New("notify.redis_url is required for the redis backend"))
		}
	case BackendNATS:
		if c.Notify.NATSURL == "" {
			errs = append(errs, errors.New("notify.nats_url is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify.backend %q", c.Notify.Backend))
	}
	return errors.Join(errs...)
}
