package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.UsesRedis() {
		t.Error("default config should not need redis")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.yaml")
	data := `
log_level: debug
store:
  driver: sqlite3
  dsn: "file:inbox.db"
http:
  addr: ":9000"
  max_poll_wait: 5s
  room_aliases:
    lobby: r1
projector:
  source: /var/log/events.jsonl
  batch_size: 50
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("INBOX_HTTP_ADDR", ":9100")
	t.Setenv("INBOX_COUNTER_BACKEND", "redis")
	t.Setenv("INBOX_POLLER_ACTORS", "kai,mia")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Store.Driver != DriverSQLite || cfg.Store.DSN != "file:inbox.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Errorf("env should override file, addr = %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.MaxPollWait != 5*time.Second {
		t.Errorf("max poll wait = %v", cfg.HTTP.MaxPollWait)
	}
	if cfg.HTTP.RoomAliases["lobby"] != "r1" {
		t.Errorf("aliases = %v", cfg.HTTP.RoomAliases)
	}
	// Untouched defaults survive.
	if cfg.HTTP.BootstrapBurst != 5 || cfg.Projector.PollInterval != time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.HTTP, cfg.Projector)
	}
	if cfg.Projector.BatchSize != 50 {
		t.Errorf("batch size = %d", cfg.Projector.BatchSize)
	}
	if !cfg.UsesRedis() {
		t.Error("redis counter should require redis")
	}
	if len(cfg.Poller.Actors) != 2 || cfg.Poller.Actors[1] != "mia" {
		t.Errorf("actors = %v", cfg.Poller.Actors)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelDebug {
		t.Errorf("level = %v", lvl)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "cassandra" }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Driver = DriverPostgres }, wantErr: true},
		{name: "postgres with dsn", mutate: func(c *Config) {
			c.Store.Driver = DriverPostgres
			c.Store.DSN = "postgres://localhost/inbox"
		}},
		{name: "mongo without uri", mutate: func(c *Config) { c.Store.Driver = DriverMongo }, wantErr: true},
		{name: "unknown counter", mutate: func(c *Config) { c.Counter.Backend = "etcd" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
		{name: "warn level", mutate: func(c *Config) { c.LogLevel = "WARN" }},
		{name: "negative batch", mutate: func(c *Config) { c.Projector.BatchSize = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
