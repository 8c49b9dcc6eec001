package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the server process.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Trading  TradingConfig  `yaml:"trading"`
	Stream   StreamConfig   `yaml:"stream"`
	Log      LogConfig      `yaml:"log"`
	// Prices seeds the simulated reference feed, keyed by currency name.
	Prices map[string]PriceConfig `yaml:"prices"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig selects the ledger driver: "postgres" (DSN is a connection
// string) or "sqlite" (DSN is a file path).
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// InitialBalance is credited to newly registered users.
	InitialBalance decimal.Decimal `yaml:"initial_balance"`
}

type TradingConfig struct {
	// EntryDiscount is subtracted from the reference price on buys (0.02 = 2%).
	EntryDiscount decimal.Decimal `yaml:"entry_discount"`
	// FeeRate is recorded on each lot as a fraction of the fiat amount.
	FeeRate decimal.Decimal `yaml:"fee_rate"`
}

type StreamConfig struct {
	Interval     time.Duration `yaml:"interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	// RequestRate limits request_pnl_update frames per connection, per second.
	RequestRate  float64 `yaml:"request_rate"`
	RequestBurst int     `yaml:"request_burst"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// PriceConfig is the base price of a currency and the half-width of its random walk.
type PriceConfig struct {
	Base   decimal.Decimal `yaml:"base"`
	Jitter decimal.Decimal `yaml:"jitter"`
}

// Default returns a configuration that runs locally without any file.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "./data/ledger.db",
		},
		Auth: AuthConfig{
			JWTSecret:      "",
			TokenTTL:       24 * time.Hour,
			InitialBalance: decimal.Zero,
		},
		Trading: TradingConfig{
			EntryDiscount: decimal.RequireFromString("0.02"),
			FeeRate:       decimal.RequireFromString("0.002"),
		},
		Stream: StreamConfig{
			Interval:     5 * time.Second,
			WriteTimeout: 10 * time.Second,
			PongTimeout:  60 * time.Second,
			RequestRate:  1,
			RequestBurst: 3,
		},
		Log: LogConfig{Level: "info"},
		Prices: map[string]PriceConfig{
			"Bitcoin":  {Base: decimal.NewFromInt(52000), Jitter: decimal.NewFromInt(500)},
			"Ethereum": {Base: decimal.NewFromInt(3100), Jitter: decimal.NewFromInt(50)},
			"Solana":   {Base: decimal.NewFromInt(150), Jitter: decimal.NewFromInt(10)},
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then .env and process environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (JWT_SECRET) is required")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn (DATABASE_URL) is required")
	}
	if c.Trading.EntryDiscount.IsNegative() || c.Trading.EntryDiscount.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("trading.entry_discount must be in [0, 1), got %s", c.Trading.EntryDiscount)
	}
	if c.Trading.FeeRate.IsNegative() {
		return fmt.Errorf("trading.fee_rate must not be negative, got %s", c.Trading.FeeRate)
	}
	if c.Stream.Interval <= 0 {
		return fmt.Errorf("stream.interval must be positive, got %s", c.Stream.Interval)
	}
	for name, p := range c.Prices {
		if !p.Base.IsPositive() {
			return fmt.Errorf("prices.%s.base must be positive", name)
		}
		if p.Jitter.IsNegative() || p.Jitter.GreaterThanOrEqual(p.Base) {
			return fmt.Errorf("prices.%s.jitter must be in [0, base)", name)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
	setString(&cfg.Database.Driver, "DB_DRIVER")
	setString(&cfg.Database.DSN, "DATABASE_URL")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Log.Level, "LOG_LEVEL")

	if v := os.Getenv("LOG_DEVELOPMENT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_DEVELOPMENT: %w", err)
		}
		cfg.Log.Development = b
	}
	if v := os.Getenv("STREAM_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STREAM_INTERVAL: %w", err)
		}
		cfg.Stream.Interval = d
	}
	if v := os.Getenv("TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TOKEN_TTL: %w", err)
		}
		cfg.Auth.TokenTTL = d
	}
	for key, dst := range map[string]*decimal.Decimal{
		"ENTRY_DISCOUNT":  &cfg.Trading.EntryDiscount,
		"FEE_RATE":        &cfg.Trading.FeeRate,
		"INITIAL_BALANCE": &cfg.Auth.InitialBalance,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
