// Package config loads the engine configuration from a YAML file, with
// environment variables overriding file values and documented defaults
// filling whatever remains. Monetary thresholds cross this boundary as
// plain numbers and are converted to decimals by the accessors.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/arenax/fight-engine/internal/rules"
)

// Config is the full engine configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Rules       RulesConfig       `yaml:"rules"`
	Matchmaking MatchmakingConfig `yaml:"matchmaking"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds the Postgres connection. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the read-through cache settings. An empty URL disables
// caching.
type RedisConfig struct {
	URL             string `yaml:"url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// TelegramConfig holds the exclusion-alert bot. An empty token disables
// notifications.
type TelegramConfig struct {
	BotToken          string `yaml:"bot_token"`
	ChatID            string `yaml:"chat_id"`
	MaxRetries        int    `yaml:"max_retries"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
}

// RateLimitConfig throttles the trade and order endpoints per client.
// RequestsPerSecond <= 0 disables the limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RulesConfig holds the fairness thresholds.
type RulesConfig struct {
	ZeroScoreThreshold float64 `yaml:"zero_score_threshold"`
	MinPlayerNotional  float64 `yaml:"min_player_notional"`
	MatchupCap         int     `yaml:"matchup_cap"`
	MatchupWindowHours int     `yaml:"matchup_window_hours"`
	SharedIPThreshold  int     `yaml:"shared_ip_threshold"`
}

// MatchmakingConfig holds the pre-fight pairing limits.
type MatchmakingConfig struct {
	MatchupCap  int `yaml:"matchup_cap"`
	WindowHours int `yaml:"window_hours"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, then applies environment overrides and
// defaults. A missing file is not an error: environment variables and
// defaults carry the whole configuration.
func Load(path string) (*Config, error) {
	// Load .env if present, silently skip otherwise.
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Redis.CacheTTLSeconds <= 0 {
		cfg.Redis.CacheTTLSeconds = 30
	}
	if cfg.Telegram.MaxRetries <= 0 {
		cfg.Telegram.MaxRetries = 3
	}
	if cfg.Telegram.RetryDelaySeconds <= 0 {
		cfg.Telegram.RetryDelaySeconds = 1
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.Rules.ZeroScoreThreshold == 0 {
		cfg.Rules.ZeroScoreThreshold = 0.01
	}
	if cfg.Rules.MinPlayerNotional == 0 {
		cfg.Rules.MinPlayerNotional = 10
	}
	if cfg.Rules.MatchupCap == 0 {
		cfg.Rules.MatchupCap = 3
	}
	if cfg.Rules.MatchupWindowHours <= 0 {
		cfg.Rules.MatchupWindowHours = 24
	}
	if cfg.Rules.SharedIPThreshold <= 0 {
		cfg.Rules.SharedIPThreshold = 2
	}
	if cfg.Matchmaking.MatchupCap == 0 {
		cfg.Matchmaking.MatchupCap = 3
	}
	if cfg.Matchmaking.WindowHours <= 0 {
		cfg.Matchmaking.WindowHours = 24
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Rules.ZeroScoreThreshold < 0 {
		return errors.New("rules.zero_score_threshold must be >= 0")
	}
	if c.Rules.MinPlayerNotional < 0 {
		return errors.New("rules.min_player_notional must be >= 0")
	}
	if c.Rules.MatchupCap < 0 {
		return errors.New("rules.matchup_cap must be >= 0")
	}
	if c.Rules.SharedIPThreshold < 1 {
		return errors.New("rules.shared_ip_threshold must be >= 1")
	}
	if c.Matchmaking.MatchupCap < 0 {
		return errors.New("matchmaking.matchup_cap must be >= 0")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.burst must be >= 1 when the limiter is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// RuleConfig converts the fairness thresholds into the rule set's types.
func (c *Config) RuleConfig() rules.Config {
	return rules.Config{
		ZeroScoreThreshold: decimal.NewFromFloat(c.Rules.ZeroScoreThreshold),
		MinPlayerNotional:  decimal.NewFromFloat(c.Rules.MinPlayerNotional),
		MatchupCap:         c.Rules.MatchupCap,
		MatchupWindow:      time.Duration(c.Rules.MatchupWindowHours) * time.Hour,
		SharedIPThreshold:  c.Rules.SharedIPThreshold,
	}
}

// MatchmakingWindow returns the pairing window as a duration.
func (c *Config) MatchmakingWindow() time.Duration {
	return time.Duration(c.Matchmaking.WindowHours) * time.Hour
}

// RedisTTL returns the cache TTL as a duration.
func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.Redis.CacheTTLSeconds) * time.Second
}

// TelegramRetryDelay returns the base retry delay as a duration.
func (c *Config) TelegramRetryDelay() time.Duration {
	return time.Duration(c.Telegram.RetryDelaySeconds) * time.Second
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
