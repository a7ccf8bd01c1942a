// Package config loads service settings from .env files and LIBRARY_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"library-circulation/library"
)

const envPrefix = "LIBRARY_"

// Config holds every runtime setting.
type Config struct {
	Env            string
	Driver         string
	DSN            string
	HTTPAddr       string
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	GraceDays      int64
	RatePerDay     decimal.Decimal
	TxAttempts     int
	LogLevel       slog.Level
	LogFormat      string
}

// Default returns the development settings: a local SQLite file, text logs.
func Default() Config {
	return Config{
		Env:        "development",
		Driver:     "sqlite3",
		DSN:        "library.db",
		HTTPAddr:   ":8080",
		RateLimit:  10,
		RateBurst:  20,
		GraceDays:  7,
		RatePerDay: decimal.NewFromInt(1),
		TxAttempts: 3,
		LogLevel:   slog.LevelInfo,
		LogFormat:  "text",
	}
}

// Load reads the given .env files (missing files are skipped; variables
// already set in the environment win) and then the environment.
func Load(files ...string) (Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from LIBRARY_* variables looked up with getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	get := func(key string) string { return strings.TrimSpace(getenv(envPrefix + key)) }

	if v := get("ENV"); v != "" {
		cfg.Env = v
	}
	if v := get("DB_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := get("DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := get("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := get("ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	if v := get("RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%sRATE_LIMIT: %w", envPrefix, err)
		}
		cfg.RateLimit = f
	}
	if v := get("RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%sRATE_BURST: %w", envPrefix, err)
		}
		cfg.RateBurst = n
	}
	if v := get("FINE_GRACE_DAYS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%sFINE_GRACE_DAYS: %w", envPrefix, err)
		}
		cfg.GraceDays = n
	}
	if v := get("FINE_RATE_PER_DAY"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return Config{}, fmt.Errorf("%sFINE_RATE_PER_DAY: %w", envPrefix, err)
		}
		cfg.RatePerDay = d
	}
	if v := get("TX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%sTX_ATTEMPTS: %w", envPrefix, err)
		}
		cfg.TxAttempts = n
	}
	if v := get("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("%sLOG_LEVEL: %w", envPrefix, err)
		}
	}
	if v := get("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	return cfg, cfg.Validate()
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	switch c.Driver {
	case "sqlite3", "pgx", "postgres", library.DriverBolt:
	default:
		return fmt.Errorf("unknown db driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("db dsn must not be empty")
	}
	if c.TxAttempts <= 0 {
		return errors.New("tx attempts must be positive")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("rate limit and burst must not be negative")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}

	return c.FinePolicy().Validate()
}

// Production reports whether the service runs in production mode.
func (c Config) Production() bool {
	return c.Env == "production"
}

// FinePolicy returns the configured fine policy.
func (c Config) FinePolicy() library.FinePolicy {
	return library.FinePolicy{GraceDays: c.GraceDays, RatePerDay: c.RatePerDay}
}

// Store returns the storage settings.
func (c Config) Store() library.StoreConfig {
	return library.StoreConfig{Driver: c.Driver, DSN: c.DSN, TxAttempts: c.TxAttempts}
}

// Logger builds the structured logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
