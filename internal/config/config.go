package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"autotrader/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the autotrader daemon.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Alpaca    Alpaca          `yaml:"alpaca"`
	Accounts  []Account       `yaml:"accounts"`
	Logging   Logging         `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Broker    BrokerConfig    `yaml:"broker"`
	Trading   TradingConfig   `yaml:"trading"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// Storage selects the persistence backend.
type Storage struct {
	// Driver is one of memory, sqlite or postgres.
	Driver      string `yaml:"driver"`
	DataDir     string `yaml:"data_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
	// Archive exports each day's orders and snapshots to Parquet under
	// DataDir.
	Archive bool `yaml:"archive"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds the default credentials and endpoints for the Alpaca broker
// API. Accounts without their own credentials use these.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Account binds an account name, referenced by strategies, to a broker.
type Account struct {
	Name string `yaml:"name"`
	// Broker is alpaca or simulator.
	Broker    string `yaml:"broker"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	// Prices seeds the quotes of a simulator account.
	Prices map[string]float64 `yaml:"prices"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig controls the cron trigger and fan-out.
type SchedulerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RunCron           string        `yaml:"run_cron"`
	SummaryCron       string        `yaml:"summary_cron"`
	Timezone          string        `yaml:"timezone"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// BrokerConfig bounds how hard the brokers are driven.
type BrokerConfig struct {
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// TradingConfig defines risk and execution parameters.
type TradingConfig struct {
	MaxOrderNotional  float64       `yaml:"max_order_notional"`
	MaxCycleNotional  float64       `yaml:"max_cycle_notional"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	ClientOrderPrefix string        `yaml:"client_order_prefix"`
}

// NotifyConfig configures operator notifications.
type NotifyConfig struct {
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
	Username          string `yaml:"username"`
}

// Broker kinds accepted in Account.Broker.
const (
	BrokerAlpaca    = "alpaca"
	BrokerSimulator = "simulator"
)

// Storage drivers accepted in Storage.Driver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Default returns the configuration used for every field the YAML file
// leaves out.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Driver:     DriverSQLite,
			DataDir:    "data",
			SQLitePath: "data/autotrader.db",
		},
		Server: Server{Host: "127.0.0.1", Port: 8080, GRPCPort: 9090},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			DataURL: "https://data.alpaca.markets",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			RunCron:           "30 18 * * 1-5",
			SummaryCron:       "0 7 * * 2-6",
			Timezone:          "Asia/Seoul",
			MaxConcurrency:    4,
			RunTimeout:        5 * time.Minute,
			ReconcileInterval: 15 * time.Minute,
		},
		Broker: BrokerConfig{
			RateLimitPerMin: 180,
			RetryAttempts:   3,
			RetryDelay:      500 * time.Millisecond,
		},
		Trading: TradingConfig{
			LockTTL:           10 * time.Minute,
			ClientOrderPrefix: "at",
		},
		Notify: NotifyConfig{Username: "autotrader"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the
// defaults, applies environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("AUTOTRADER_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("AUTOTRADER_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}

	if v := os.Getenv("AUTOTRADER_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &domain.ConfigurationError{Field: "AUTOTRADER_HTTP_PORT", Reason: err.Error()}
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Notify.DiscordWebhookURL = v
	}
	if v := os.Getenv("AUTOTRADER_SCHEDULER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return &domain.ConfigurationError{Field: "AUTOTRADER_SCHEDULER_ENABLED", Reason: err.Error()}
		}
		cfg.Scheduler.Enabled = enabled
	}

	// Standard Alpaca env vars, the canonical names used by the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate reports the first invalid field as a *domain.ConfigurationError.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return &domain.ConfigurationError{Field: "storage.sqlite_path", Reason: "required for sqlite"}
		}
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return &domain.ConfigurationError{Field: "storage.postgres_url", Reason: "required for postgres"}
		}
	default:
		return &domain.ConfigurationError{Field: "storage.driver", Reason: fmt.Sprintf("unknown driver %q", c.Storage.Driver)}
	}
	if c.Storage.Archive && c.Storage.DataDir == "" {
		return &domain.ConfigurationError{Field: "storage.data_dir", Reason: "required when archive is enabled"}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &domain.ConfigurationError{Field: "server.port", Reason: "out of range"}
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return &domain.ConfigurationError{Field: "server.grpc_port", Reason: "out of range"}
	}

	if len(c.Accounts) == 0 {
		return &domain.ConfigurationError{Field: "accounts", Reason: "at least one account is required"}
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		field := fmt.Sprintf("accounts[%d]", i)
		if a.Name == "" {
			return &domain.ConfigurationError{Field: field + ".name", Reason: "required"}
		}
		if seen[a.Name] {
			return &domain.ConfigurationError{Field: field + ".name", Reason: fmt.Sprintf("duplicate account %q", a.Name)}
		}
		seen[a.Name] = true

		switch a.Broker {
		case BrokerSimulator:
			for sym, p := range a.Prices {
				if p <= 0 {
					return &domain.ConfigurationError{Field: field + ".prices." + sym, Reason: "must be positive"}
				}
			}
		case BrokerAlpaca:
			creds := c.AlpacaFor(a)
			if creds.APIKey == "" || creds.APISecret == "" {
				return &domain.ConfigurationError{Field: field, Reason: "alpaca account needs api_key and api_secret"}
			}
		default:
			return &domain.ConfigurationError{Field: field + ".broker", Reason: fmt.Sprintf("unknown broker %q", a.Broker)}
		}
	}

	if c.Scheduler.ReconcileInterval < 0 {
		return &domain.ConfigurationError{Field: "scheduler.reconcile_interval", Reason: "must not be negative"}
	}
	if c.Broker.RateLimitPerMin < 0 {
		return &domain.ConfigurationError{Field: "broker.rate_limit_per_min", Reason: "must not be negative"}
	}
	if c.Trading.MaxOrderNotional < 0 || c.Trading.MaxCycleNotional < 0 {
		return &domain.ConfigurationError{Field: "trading", Reason: "notional limits must not be negative"}
	}
	return nil
}

// AlpacaFor returns the Alpaca credentials of an account, falling back to the
// top-level alpaca section for every field the account leaves empty.
func (c *Config) AlpacaFor(a Account) Alpaca {
	out := c.Alpaca
	if a.APIKey != "" {
		out.APIKey = a.APIKey
	}
	if a.APISecret != "" {
		out.APISecret = a.APISecret
	}
	if a.BaseURL != "" {
		out.BaseURL = a.BaseURL
	}
	return out
}

// HTTPAddr returns host:port of the HTTP listener.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GRPCAddr returns host:grpc_port, or "" when gRPC is disabled.
func (c *Config) GRPCAddr() string {
	if c.Server.GRPCPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.GRPCPort)
}
