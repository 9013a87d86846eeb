// Package config loads the application configuration from a YAML file with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Database struct {
		// DSN selects PostgreSQL persistence; empty falls back to the
		// in-memory store (development only).
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Telegram struct {
		BotToken string `yaml:"bot_token"`
	} `yaml:"telegram"`

	Settlement struct {
		Asset         string        `yaml:"asset"`
		Address       string        `yaml:"address"`
		FeedURL       string        `yaml:"feed_url"`
		FeedKey       string        `yaml:"feed_key"`
		PaymentWindow time.Duration `yaml:"payment_window"`
		PollInterval  time.Duration `yaml:"poll_interval"`
		// Tolerance is the fraction of the expected amount that still counts
		// as full payment (fee/rounding noise), e.g. "0.95".
		Tolerance string `yaml:"tolerance"`
	} `yaml:"settlement"`

	Rates struct {
		FeedURL  string            `yaml:"feed_url"`
		FeedKey  string            `yaml:"feed_key"`
		RatePath string            `yaml:"rate_path"`
		TTL      time.Duration     `yaml:"ttl"`
		Fallback map[string]string `yaml:"fallback"` // "TON/USD" -> "5.20"
	} `yaml:"rates"`

	Pricing struct {
		DefaultDailyRate string           `yaml:"default_daily_rate"`
		ChannelRates     map[int64]string `yaml:"channel_rates"`
		BonusDays        map[int]int      `yaml:"bonus_days"`
	} `yaml:"pricing"`

	Publishing struct {
		PostsPerDay    int           `yaml:"posts_per_day"`
		WindowStart    time.Duration `yaml:"window_start"`
		WindowEnd      time.Duration `yaml:"window_end"`
		ChannelStagger time.Duration `yaml:"channel_stagger"`
		SweepInterval  time.Duration `yaml:"sweep_interval"`
		StaleAfter     time.Duration `yaml:"stale_after"`
	} `yaml:"publishing"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = ":8080"
	cfg.Settlement.Asset = "TON"
	cfg.Settlement.PaymentWindow = 30 * time.Minute
	cfg.Settlement.PollInterval = 30 * time.Second
	cfg.Settlement.Tolerance = "0.95"
	cfg.Rates.TTL = 10 * time.Minute
	cfg.Publishing.PostsPerDay = 2
	cfg.Publishing.WindowStart = 10 * time.Hour
	cfg.Publishing.WindowEnd = 22 * time.Hour
	cfg.Publishing.ChannelStagger = 5 * time.Minute
	cfg.Publishing.SweepInterval = time.Minute
	cfg.Publishing.StaleAfter = time.Hour
	return cfg
}

// Load reads config/adboard.yaml relative to the working directory.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "adboard.yaml"))
}

// LoadFromPath reads the configuration from a specific file, applying
// defaults for unset fields and environment overrides for secrets.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the standard config file or returns defaults (with
// env overrides) when the file does not exist.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = Default()
		cfg.applyEnv()
	}
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("SETTLEMENT_ADDRESS"); v != "" {
		c.Settlement.Address = v
	}
	if v := os.Getenv("CHAIN_FEED_URL"); v != "" {
		c.Settlement.FeedURL = v
	}
	if v := os.Getenv("CHAIN_FEED_KEY"); v != "" {
		c.Settlement.FeedKey = v
	}
	if v := os.Getenv("PRICE_FEED_URL"); v != "" {
		c.Rates.FeedURL = v
	}
	if v := os.Getenv("PRICE_FEED_KEY"); v != "" {
		c.Rates.FeedKey = v
	}
}

func (c *Config) validate() error {
	if c.Publishing.WindowEnd <= c.Publishing.WindowStart {
		return fmt.Errorf("publishing window_end must be after window_start")
	}
	if c.Publishing.PostsPerDay <= 0 {
		return fmt.Errorf("publishing posts_per_day must be positive")
	}
	return nil
}
