// Package config loads configuration for the inbox binaries.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables prefixed with INBOX_ (for example
// INBOX_STORE_DRIVER or INBOX_HTTP_ADDR).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "INBOX_"

// Store drivers.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
	DriverMongo    = "mongo"
)

// Counter backends.
const (
	CounterMemory = "memory"
	CounterRedis  = "redis"
)

// Config is the complete configuration of inboxd and inbox-poller.
type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Counter   CounterConfig   `yaml:"counter" envPrefix:"COUNTER_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	Projector ProjectorConfig `yaml:"projector" envPrefix:"PROJECTOR_"`
	Poller    PollerConfig    `yaml:"poller" envPrefix:"POLLER_"`
	OTel      bool            `yaml:"otel" env:"OTEL"`
}

// StoreConfig selects and configures the store of record.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	// Path is the file store location. Empty keeps state in memory.
	Path string `yaml:"path" env:"PATH"`
	// DSN is the database connection string for postgres and sqlite3.
	DSN string `yaml:"dsn" env:"DSN"`
	// Table prefix for sql drivers.
	TablePrefix string `yaml:"table_prefix" env:"TABLE_PREFIX"`
	// MongoURI and MongoDatabase configure the mongo driver.
	MongoURI      string `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase string `yaml:"mongo_database" env:"MONGO_DATABASE"`
}

// CounterConfig selects the unread counter backend.
type CounterConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`
	Prefix  string `yaml:"prefix" env:"PREFIX"`
}

// RedisConfig configures the redis client shared by the counter and the
// event transport.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	// Events publishes service events to redis streams.
	Events bool `yaml:"events" env:"EVENTS"`
}

// HTTPConfig configures the wire server.
type HTTPConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxPollWait       time.Duration `yaml:"max_poll_wait" env:"MAX_POLL_WAIT"`
	PresenceTTL       time.Duration `yaml:"presence_ttl" env:"PRESENCE_TTL"`
	BootstrapInterval time.Duration `yaml:"bootstrap_interval" env:"BOOTSTRAP_INTERVAL"`
	BootstrapBurst    int           `yaml:"bootstrap_burst" env:"BOOTSTRAP_BURST"`
	// RoomAliases maps alias to room id, e.g. INBOX_HTTP_ROOM_ALIASES=lobby:r1,ops:r2.
	RoomAliases map[string]string `yaml:"room_aliases" env:"ROOM_ALIASES"`
	DefaultRoom string            `yaml:"default_room" env:"DEFAULT_ROOM"`
}

// ProjectorConfig configures the projection runner.
type ProjectorConfig struct {
	Name string `yaml:"name" env:"NAME"`
	// Source is a JSON-lines domain event log. Empty disables the runner.
	Source       string        `yaml:"source" env:"SOURCE"`
	BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// RebuildCounters rebuilds unread counters on startup.
	RebuildCounters bool `yaml:"rebuild_counters" env:"REBUILD_COUNTERS"`
}

// PollerConfig configures inbox-poller.
type PollerConfig struct {
	URL      string        `yaml:"url" env:"URL"`
	TenantID string        `yaml:"tenant_id" env:"TENANT_ID"`
	RoomID   string        `yaml:"room_id" env:"ROOM_ID"`
	Actors   []string      `yaml:"actors" env:"ACTORS"`
	Types    []string      `yaml:"types" env:"TYPES"`
	PollWait time.Duration `yaml:"poll_wait" env:"POLL_WAIT"`
	AutoAck  bool          `yaml:"auto_ack" env:"AUTO_ACK"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Driver:        DriverFile,
			TablePrefix:   "inbox_",
			MongoDatabase: "inbox",
		},
		Counter: CounterConfig{
			Backend: CounterMemory,
			Prefix:  "inbox",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadTimeout:       10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxPollWait:       30 * time.Second,
			BootstrapInterval: time.Second,
			BootstrapBurst:    5,
		},
		Projector: ProjectorConfig{
			Name:         "inbox",
			BatchSize:    100,
			PollInterval: time.Second,
		},
		Poller: PollerConfig{
			URL:      "http://localhost:8080",
			PollWait: 25 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// non-empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks driver names and required connection settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverFile:
	case DriverPostgres, DriverSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for driver mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Counter.Backend {
	case CounterMemory, CounterRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown counter backend %q", c.Counter.Backend))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.Projector.BatchSize < 0 {
		errs = append(errs, errors.New("projector.batch_size must not be negative"))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a redis client.
func (c *Config) UsesRedis() bool {
	return c.Counter.Backend == CounterRedis || c.Redis.Events
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Logger builds the JSON logger used by the binaries.
func (c *Config) Logger() *slog.Logger {
	lvl, err := c.Level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
