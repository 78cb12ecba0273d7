package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autotrader/internal/domain"
)

// envVars lists every variable applyEnvOverrides reads.
var envVars = []string{
	"AUTOTRADER_STORAGE_DRIVER", "AUTOTRADER_DATA_DIR", "SQLITE_PATH", "DATABASE_URL",
	"AUTOTRADER_HTTP_PORT", "ALPACA_BASE_URL", "ALPACA_DATA_URL", "LOG_LEVEL",
	"DISCORD_WEBHOOK_URL", "AUTOTRADER_SCHEDULER_ENABLED", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envVars {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autotrader.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  driver: sqlite
  data_dir: "/tmp/autotrader/data"
  sqlite_path: "/tmp/autotrader/autotrader.db"
  archive: true
server:
  host: "0.0.0.0"
  port: 8088
  grpc_port: 9099
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
accounts:
  - name: main
    broker: alpaca
  - name: paper
    broker: simulator
logging:
  level: "debug"
  format: "text"
scheduler:
  run_cron: "0 19 * * 1-5"
  timezone: "America/New_York"
  max_concurrency: 8
  run_timeout: 2m
broker:
  rate_limit_per_min: 100
trading:
  max_order_notional: 5000
  lock_ttl: 20m
notify:
  discord_webhook_url: "https://discord.example/hook"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.DataDir != "/tmp/autotrader/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/autotrader/data")
	}
	if !cfg.Storage.Archive {
		t.Error("Storage.Archive = false, want true")
	}

	// -- Server --
	if got := cfg.HTTPAddr(); got != "0.0.0.0:8088" {
		t.Errorf("HTTPAddr() = %q, want %q", got, "0.0.0.0:8088")
	}
	if got := cfg.GRPCAddr(); got != "0.0.0.0:9099" {
		t.Errorf("GRPCAddr() = %q, want %q", got, "0.0.0.0:9099")
	}

	// -- Accounts --
	if len(cfg.Accounts) != 2 {
		t.Fatalf("len(Accounts) = %d, want 2", len(cfg.Accounts))
	}
	creds := cfg.AlpacaFor(cfg.Accounts[0])
	if creds.APIKey != "test-key" || creds.BaseURL != "https://paper-api.alpaca.markets" {
		t.Errorf("AlpacaFor(main) = %+v, want default key and paper URL", creds)
	}

	// -- Scheduler --
	if cfg.Scheduler.RunCron != "0 19 * * 1-5" {
		t.Errorf("Scheduler.RunCron = %q", cfg.Scheduler.RunCron)
	}
	if cfg.Scheduler.SummaryCron != "0 7 * * 2-6" {
		t.Errorf("Scheduler.SummaryCron = %q, want default", cfg.Scheduler.SummaryCron)
	}
	if cfg.Scheduler.RunTimeout != 2*time.Minute {
		t.Errorf("Scheduler.RunTimeout = %v, want 2m", cfg.Scheduler.RunTimeout)
	}
	if !cfg.Scheduler.Enabled {
		t.Error("Scheduler.Enabled should default to true")
	}

	// -- Broker / Trading --
	if cfg.Broker.RateLimitPerMin != 100 {
		t.Errorf("Broker.RateLimitPerMin = %d, want 100", cfg.Broker.RateLimitPerMin)
	}
	if cfg.Broker.RetryAttempts != 3 {
		t.Errorf("Broker.RetryAttempts = %d, want default 3", cfg.Broker.RetryAttempts)
	}
	if cfg.Trading.MaxOrderNotional != 5000 || cfg.Trading.LockTTL != 20*time.Minute {
		t.Errorf("Trading = %+v", cfg.Trading)
	}
	if cfg.Trading.ClientOrderPrefix != "at" {
		t.Errorf("Trading.ClientOrderPrefix = %q, want default", cfg.Trading.ClientOrderPrefix)
	}

	// -- Logging / Notify --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Notify.Username != "autotrader" {
		t.Errorf("Notify.Username = %q, want default", cfg.Notify.Username)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
accounts:
  - name: main
    broker: alpaca
    base_url: "https://api.alpaca.markets"
`)

	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("APCA_API_SECRET_KEY", "env-secret")
	t.Setenv("AUTOTRADER_STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/autotrader")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://discord.example/env")
	t.Setenv("AUTOTRADER_HTTP_PORT", "9000")
	t.Setenv("AUTOTRADER_SCHEDULER_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	creds := cfg.AlpacaFor(cfg.Accounts[0])
	if creds.APIKey != "env-key" || creds.APISecret != "env-secret" {
		t.Errorf("credentials = %+v, want env values", creds)
	}
	if creds.BaseURL != "https://api.alpaca.markets" {
		t.Errorf("BaseURL = %q, want account override", creds.BaseURL)
	}
	if cfg.Storage.Driver != DriverPostgres || cfg.Storage.PostgresURL != "postgres://u:p@localhost/autotrader" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Notify.DiscordWebhookURL != "https://discord.example/env" {
		t.Errorf("Notify.DiscordWebhookURL = %q", cfg.Notify.DiscordWebhookURL)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Scheduler.Enabled {
		t.Error("Scheduler.Enabled = true, want false")
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file should fail")
	}
	if _, err := Load(writeConfig(t, "accounts: [")); err == nil {
		t.Error("Load of malformed YAML should fail")
	}

	t.Setenv("AUTOTRADER_HTTP_PORT", "eighty")
	_, err := Load(writeConfig(t, "accounts:\n  - name: paper\n    broker: simulator\n"))
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("bad port err = %v, want ConfigurationError", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Accounts = []Account{{Name: "paper", Broker: BrokerSimulator}}
		return c
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}

	tests := []struct {
		name  string
		field string
		mod   func(*Config)
	}{
		{"no accounts", "accounts", func(c *Config) { c.Accounts = nil }},
		{"unnamed account", "accounts[0].name", func(c *Config) { c.Accounts[0].Name = "" }},
		{"duplicate account", "accounts[1].name", func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[0]) }},
		{"unknown broker", "accounts[0].broker", func(c *Config) { c.Accounts[0].Broker = "ib" }},
		{"alpaca without keys", "accounts[0]", func(c *Config) { c.Accounts[0].Broker = BrokerAlpaca }},
		{"unknown driver", "storage.driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"postgres without url", "storage.postgres_url", func(c *Config) { c.Storage.Driver = DriverPostgres }},
		{"archive without dir", "storage.data_dir", func(c *Config) { c.Storage.Archive, c.Storage.DataDir = true, "" }},
		{"bad port", "server.port", func(c *Config) { c.Server.Port = 70000 }},
		{"negative notional", "trading", func(c *Config) { c.Trading.MaxCycleNotional = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mod(c)
			err := c.Validate()
			var cfgErr *domain.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() = %v, want ConfigurationError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}
