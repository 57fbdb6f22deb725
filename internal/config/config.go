// Package config handles application configuration from an optional TOML
// file layered under environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration
type Config struct {
	Port string `env:"PORT" toml:"port"`

	// TelegramBotToken is the bot credential for the relay route. Kept out
	// of every log line and error message.
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN" toml:"telegram_bot_token"`

	CacheTTL        time.Duration `env:"CACHE_TTL" toml:"cache_ttl"`
	CacheMaxEntries int           `env:"CACHE_MAX_ENTRIES" toml:"cache_max_entries"`

	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" toml:"rate_limit_window"`
	RateLimitMax    int           `env:"RATE_LIMIT_MAX" toml:"rate_limit_max"`

	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" toml:"upstream_timeout"`

	// Base URL overrides, mainly a seam for tests.
	UpbitBaseURL    string `env:"UPBIT_BASE_URL" toml:"upbit_base_url"`
	BinanceBaseURL  string `env:"BINANCE_BASE_URL" toml:"binance_base_url"`
	BithumbBaseURL  string `env:"BITHUMB_BASE_URL" toml:"bithumb_base_url"`
	TelegramBaseURL string `env:"TELEGRAM_BASE_URL" toml:"telegram_base_url"`
}

// Default returns the configuration the service runs with when nothing is
// overridden. A 500ms cache TTL collapses bursts of identical requests
// (multiple browser tabs) without visibly staling prices.
func Default() Config {
	return Config{
		Port:            "3000",
		CacheTTL:        500 * time.Millisecond,
		CacheMaxEntries: 1000,
		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
		UpstreamTimeout: 10 * time.Second,
	}
}

// Load builds the configuration: code defaults, then the TOML file at path
// (if non-empty), then environment variables on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// HasTelegram returns true if the relay route can be served
func (c Config) HasTelegram() bool {
	return c.TelegramBotToken != ""
}

// Validate ensures the numeric knobs are usable
func (c Config) Validate() error {
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive, got %s", c.CacheTTL)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("cache_max_entries must be positive, got %d", c.CacheMaxEntries)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate_limit_window must be positive, got %s", c.RateLimitWindow)
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("rate_limit_max must be positive, got %d", c.RateLimitMax)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive, got %s", c.UpstreamTimeout)
	}
	return nil
}
