package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	DexScreener DexScreenerConfig `mapstructure:"dexscreener"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// DexScreenerConfig holds market data API configuration
type DexScreenerConfig struct {
	APIURL               string        `mapstructure:"api_url"`
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryDelayBase       time.Duration `mapstructure:"retry_delay_base"`
	RateLimitPerMinute   int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	MaxConcurrentFetches int           `mapstructure:"max_concurrent_fetches"`
	MaxIdleConnsPerHost  int           `mapstructure:"max_idle_conns_per_host"`
}

// MonitorConfig holds poll loop and alerting behavior configuration
type MonitorConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HistoryCapacity   int           `mapstructure:"history_capacity"`
	PumpWindow        int           `mapstructure:"pump_window"`
	PumpMinSamples    int           `mapstructure:"pump_min_samples"`
	PumpMultiplier    float64       `mapstructure:"pump_multiplier"`
	FailureBackoffMin time.Duration `mapstructure:"failure_backoff_min"`
	FailureBackoffMax time.Duration `mapstructure:"failure_backoff_max"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	UpdateTimeout  int           `mapstructure:"update_timeout"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DBPath             string        `mapstructure:"db_path"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	MaxAlerts          int           `mapstructure:"max_alerts"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional .env file, the config file and
// environment variables (prefix DEXWATCH_).
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("DEXWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Telegram.BotToken == "" {
		cfg.Telegram.BotToken = os.Getenv("BOT_TOKEN")
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// DexScreener defaults
	v.SetDefault("dexscreener.api_url", "https://api.dexscreener.com")
	v.SetDefault("dexscreener.timeout", "15s")
	v.SetDefault("dexscreener.max_retries", 2)
	v.SetDefault("dexscreener.retry_delay_base", "500ms")
	v.SetDefault("dexscreener.rate_limit_per_minute", 30)
	v.SetDefault("dexscreener.rate_limit_burst", 5)
	v.SetDefault("dexscreener.max_concurrent_fetches", 4)
	v.SetDefault("dexscreener.max_idle_conns_per_host", 4)

	// Monitor defaults
	v.SetDefault("monitor.poll_interval", "5s")
	v.SetDefault("monitor.history_capacity", 200)
	v.SetDefault("monitor.pump_window", 5)
	v.SetDefault("monitor.pump_min_samples", 3)
	v.SetDefault("monitor.pump_multiplier", 2.5)
	v.SetDefault("monitor.failure_backoff_min", "10s")
	v.SetDefault("monitor.failure_backoff_max", "2m")

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.update_timeout", 60)

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/dexwatch.db")
	v.SetDefault("storage.checkpoint_interval", "1m")
	v.SetDefault("storage.max_alerts", 10000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate DexScreener config
	if c.DexScreener.APIURL == "" {
		return fmt.Errorf("dexscreener.api_url is required")
	}
	if c.DexScreener.Timeout < time.Second || c.DexScreener.Timeout > time.Minute {
		return fmt.Errorf("dexscreener.timeout must be between 1s and 1m")
	}
	if c.DexScreener.MaxRetries < 0 {
		return fmt.Errorf("dexscreener.max_retries must not be negative")
	}
	if c.DexScreener.RateLimitPerMinute < 1 {
		return fmt.Errorf("dexscreener.rate_limit_per_minute must be at least 1")
	}
	if c.DexScreener.RateLimitBurst < 1 {
		return fmt.Errorf("dexscreener.rate_limit_burst must be at least 1")
	}
	if c.DexScreener.MaxConcurrentFetches < 1 {
		return fmt.Errorf("dexscreener.max_concurrent_fetches must be at least 1")
	}

	// Validate Monitor config
	if c.Monitor.PollInterval < time.Second {
		return fmt.Errorf("monitor.poll_interval must be at least 1 second")
	}
	if c.Monitor.HistoryCapacity < c.Monitor.PumpWindow {
		return fmt.Errorf("monitor.history_capacity must be at least monitor.pump_window")
	}
	if c.Monitor.PumpWindow < 1 {
		return fmt.Errorf("monitor.pump_window must be at least 1")
	}
	if c.Monitor.PumpMinSamples < 1 || c.Monitor.PumpMinSamples > c.Monitor.PumpWindow {
		return fmt.Errorf("monitor.pump_min_samples must be between 1 and monitor.pump_window")
	}
	if c.Monitor.PumpMultiplier <= 1.0 {
		return fmt.Errorf("monitor.pump_multiplier must be greater than 1.0")
	}
	if c.Monitor.FailureBackoffMin <= 0 || c.Monitor.FailureBackoffMax < c.Monitor.FailureBackoffMin {
		return fmt.Errorf("monitor.failure_backoff_min must be positive and not exceed monitor.failure_backoff_max")
	}

	// Validate Telegram config
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}

	// Validate Storage config
	if c.Storage.CheckpointInterval < 10*time.Second {
		return fmt.Errorf("storage.checkpoint_interval must be at least 10 seconds")
	}
	if c.Storage.MaxAlerts < 1 {
		return fmt.Errorf("storage.max_alerts must be at least 1")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
