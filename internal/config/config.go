// Package config loads engine settings from an optional YAML file, a .env
// file and the process environment, in that order of increasing priority.
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

	"github.com/atmx/lifecycle-engine/internal/ledger"
	"github.com/atmx/lifecycle-engine/internal/lifecycle"
	"github.com/atmx/lifecycle-engine/internal/model"
	"github.com/atmx/lifecycle-engine/internal/monitor"
	"github.com/atmx/lifecycle-engine/internal/sentiment"
	"github.com/atmx/lifecycle-engine/internal/sizing"
)

// ErrInvalid is returned when a loaded configuration fails validation.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Sentiment  SentimentConfig  `yaml:"sentiment"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Sizing     SizingConfig     `yaml:"sizing"`
	Commission CommissionConfig `yaml:"commission"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string        `yaml:"port"`
	RequestTimeout     time.Duration `yaml:"requestTimeout"`
	RateLimitPerSecond float64       `yaml:"rateLimitPerSecond"` // per user, on signal ingress
	RateLimitBurst     int           `yaml:"rateLimitBurst"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // empty logs to stdout only
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	DatabaseURL string        `yaml:"databaseUrl"` // empty selects the in-memory store
	RedisURL    string        `yaml:"redisUrl"`
	CacheTTL    time.Duration `yaml:"cacheTtl"`
}

// SentimentConfig configures the sentiment source and polling.
type SentimentConfig struct {
	URL          string        `yaml:"url"`         // empty selects a static source
	StaticScore  int           `yaml:"staticScore"` // used when URL is empty
	Interval     time.Duration `yaml:"interval"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
	TTL          time.Duration `yaml:"ttl"`
}

// LifecycleConfig holds state machine timing.
type LifecycleConfig struct {
	ExpiryWindow   time.Duration `yaml:"expiryWindow"`
	ClockSkew      time.Duration `yaml:"clockSkew"`
	CooldownWindow time.Duration `yaml:"cooldownWindow"`
	OrderTimeout   time.Duration `yaml:"orderTimeout"`
	CloseTimeout   time.Duration `yaml:"closeTimeout"`
	RetryInterval  time.Duration `yaml:"retryInterval"`
	RetryBase      time.Duration `yaml:"retryBase"`
	RetryMax       time.Duration `yaml:"retryMax"`
}

// MonitorConfig holds position monitor settings.
type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
	MaxDuration  time.Duration `yaml:"maxDuration"` // zero disables timeout closes
	Concurrency  int           `yaml:"concurrency"`
}

// SizingConfig holds the protective level policy.
type SizingConfig struct {
	RiskUnitPct float64 `yaml:"riskUnitPct"` // fraction of entry, 0.01 = 1%
	StopUnits   float64 `yaml:"stopUnits"`
	TargetUnits float64 `yaml:"targetUnits"`
}

// CommissionConfig holds fee and affiliate rates as fractions of profit.
type CommissionConfig struct {
	PlatformRate float64 `yaml:"platformRate"`
	StandardRate float64 `yaml:"standardRate"`
	VIPRate      float64 `yaml:"vipRate"`
}

// ExchangeConfig configures the paper venue.
type ExchangeConfig struct {
	PaperFeeRate float64 `yaml:"paperFeeRate"` // fraction of exit notional
}

// Load reads path (skipped when empty), then .env, then environment
// overrides, then fills defaults and validates.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()
	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.RateLimitPerSecond = getEnvFloat("RATE_LIMIT_RPS", c.Server.RateLimitPerSecond)
	c.Server.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", c.Server.RateLimitBurst)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.RedisURL = getEnv("REDIS_URL", c.Store.RedisURL)

	c.Sentiment.URL = getEnv("SENTIMENT_URL", c.Sentiment.URL)
	c.Sentiment.StaticScore = getEnvInt("SENTIMENT_SCORE", c.Sentiment.StaticScore)
	c.Sentiment.Interval = getEnvDuration("SENTIMENT_INTERVAL", c.Sentiment.Interval)

	c.Lifecycle.ExpiryWindow = getEnvDuration("EXPIRY_WINDOW", c.Lifecycle.ExpiryWindow)
	c.Lifecycle.ClockSkew = getEnvDuration("CLOCK_SKEW", c.Lifecycle.ClockSkew)
	c.Lifecycle.CooldownWindow = getEnvDuration("COOLDOWN_WINDOW", c.Lifecycle.CooldownWindow)

	c.Monitor.Interval = getEnvDuration("MONITOR_INTERVAL", c.Monitor.Interval)
	c.Monitor.MaxDuration = getEnvDuration("MAX_POSITION_DURATION", c.Monitor.MaxDuration)

	c.Commission.PlatformRate = getEnvFloat("PLATFORM_RATE", c.Commission.PlatformRate)
	c.Commission.StandardRate = getEnvFloat("STANDARD_RATE", c.Commission.StandardRate)
	c.Commission.VIPRate = getEnvFloat("VIP_RATE", c.Commission.VIPRate)

	c.Exchange.PaperFeeRate = getEnvFloat("PAPER_FEE_RATE", c.Exchange.PaperFeeRate)
}

// setDefaults applies defaults for unset fields.
func (c *Config) setDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.RateLimitPerSecond == 0 {
		c.Server.RateLimitPerSecond = 5
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Store.CacheTTL == 0 {
		c.Store.CacheTTL = 30 * time.Second
	}
	if c.Sentiment.StaticScore == 0 {
		c.Sentiment.StaticScore = sentiment.NeutralScore
	}
	if c.Sentiment.Interval == 0 {
		c.Sentiment.Interval = 5 * time.Minute
	}
	if c.Sentiment.FetchTimeout == 0 {
		c.Sentiment.FetchTimeout = 5 * time.Second
	}
	if c.Sentiment.TTL == 0 {
		c.Sentiment.TTL = 3 * c.Sentiment.Interval
	}

	def := lifecycle.DefaultConfig()
	if c.Lifecycle.ExpiryWindow == 0 {
		c.Lifecycle.ExpiryWindow = def.ExpiryWindow
	}
	if c.Lifecycle.ClockSkew == 0 {
		c.Lifecycle.ClockSkew = def.ClockSkew
	}
	if c.Lifecycle.CooldownWindow == 0 {
		c.Lifecycle.CooldownWindow = def.CooldownWindow
	}
	if c.Lifecycle.OrderTimeout == 0 {
		c.Lifecycle.OrderTimeout = def.OrderTimeout
	}
	if c.Lifecycle.CloseTimeout == 0 {
		c.Lifecycle.CloseTimeout = def.CloseTimeout
	}
	if c.Lifecycle.RetryInterval == 0 {
		c.Lifecycle.RetryInterval = def.RetryInterval
	}
	if c.Lifecycle.RetryBase == 0 {
		c.Lifecycle.RetryBase = def.RetryBase
	}
	if c.Lifecycle.RetryMax == 0 {
		c.Lifecycle.RetryMax = def.RetryMax
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = time.Second
	}
	if c.Monitor.FetchTimeout == 0 {
		c.Monitor.FetchTimeout = 2 * time.Second
	}
	if c.Monitor.Concurrency == 0 {
		c.Monitor.Concurrency = 8
	}

	if c.Sizing.RiskUnitPct == 0 {
		c.Sizing.RiskUnitPct = 0.01
	}
	if c.Sizing.StopUnits == 0 {
		c.Sizing.StopUnits = 2
	}
	if c.Sizing.TargetUnits == 0 {
		c.Sizing.TargetUnits = 3
	}

	if c.Commission.PlatformRate == 0 {
		c.Commission.PlatformRate = 0.30
	}
	if c.Commission.StandardRate == 0 {
		c.Commission.StandardRate = 0.015
	}
	if c.Commission.VIPRate == 0 {
		c.Commission.VIPRate = 0.05
	}
}

func (c *Config) validate() error {
	fraction := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be within 0-1, got %v", ErrInvalid, name, v)
		}
		return nil
	}
	for name, v := range map[string]float64{
		"commission.platformRate": c.Commission.PlatformRate,
		"commission.standardRate": c.Commission.StandardRate,
		"commission.vipRate":      c.Commission.VIPRate,
		"exchange.paperFeeRate":   c.Exchange.PaperFeeRate,
		"sizing.riskUnitPct":      c.Sizing.RiskUnitPct,
	} {
		if err := fraction(name, v); err != nil {
			return err
		}
	}
	if c.Commission.VIPRate > c.Commission.PlatformRate || c.Commission.StandardRate > c.Commission.PlatformRate {
		return fmt.Errorf("%w: affiliate rates cannot exceed the platform rate", ErrInvalid)
	}
	if c.Sentiment.StaticScore < 0 || c.Sentiment.StaticScore > 100 {
		return fmt.Errorf("%w: sentiment.staticScore must be within 0-100", ErrInvalid)
	}
	if c.Sizing.StopUnits <= 0 || c.Sizing.TargetUnits <= 0 {
		return fmt.Errorf("%w: sizing units must be positive", ErrInvalid)
	}
	return nil
}

// Rates returns the commission configuration for the settler.
func (c *Config) Rates() ledger.Rates {
	return ledger.Rates{
		Platform: decimal.NewFromFloat(c.Commission.PlatformRate),
		Tiers: map[model.Tier]decimal.Decimal{
			model.TierStandard: decimal.NewFromFloat(c.Commission.StandardRate),
			model.TierVIP:      decimal.NewFromFloat(c.Commission.VIPRate),
		},
	}
}

// Engine returns the lifecycle engine configuration.
func (c *Config) Engine() lifecycle.Config {
	return lifecycle.Config{
		ExpiryWindow:   c.Lifecycle.ExpiryWindow,
		ClockSkew:      c.Lifecycle.ClockSkew,
		CooldownWindow: c.Lifecycle.CooldownWindow,
		OrderTimeout:   c.Lifecycle.OrderTimeout,
		CloseTimeout:   c.Lifecycle.CloseTimeout,
		RetryInterval:  c.Lifecycle.RetryInterval,
		RetryBase:      c.Lifecycle.RetryBase,
		RetryMax:       c.Lifecycle.RetryMax,
		Rates:          c.Rates(),
		Protection: sizing.MultiplierPolicy{
			UnitPct:     decimal.NewFromFloat(c.Sizing.RiskUnitPct),
			StopUnits:   decimal.NewFromFloat(c.Sizing.StopUnits),
			TargetUnits: decimal.NewFromFloat(c.Sizing.TargetUnits),
		},
	}
}

// MonitorSettings returns the position monitor configuration.
func (c *Config) MonitorSettings() monitor.Config {
	return monitor.Config{
		Interval:     c.Monitor.Interval,
		FetchTimeout: c.Monitor.FetchTimeout,
		MaxDuration:  c.Monitor.MaxDuration,
		Concurrency:  c.Monitor.Concurrency,
	}
}

// SentimentSettings returns the sentiment gate configuration.
func (c *Config) SentimentSettings() sentiment.Config {
	return sentiment.Config{
		Interval:     c.Sentiment.Interval,
		FetchTimeout: c.Sentiment.FetchTimeout,
		TTL:          c.Sentiment.TTL,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
