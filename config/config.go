// Package config provides configuration management for the oracle service
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the application configuration
type Config struct {
	// Connections
	RPCURL        string `envconfig:"RPC_WS_URL"`   // Streaming chain endpoint, required
	PostgresDSN   string `envconfig:"POSTGRES_DSN"` // Token store, required
	RedisAddr     string `envconfig:"REDIS_ADDR"`   // Optional quote cache
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Aggregator
	AggregatorURL     string        `envconfig:"AGGREGATOR_URL" default:"https://api.geckoterminal.com/api/v2"`
	AggregatorTimeout time.Duration `envconfig:"AGGREGATOR_TIMEOUT" default:"10s"`
	Network           string        `envconfig:"NETWORK" default:"eth"`

	// Chain
	FactoryAddress     string   `envconfig:"FACTORY_ADDRESS" default:"0x1F98431c8aD98523631AE4a59f267346ea31F984"`
	ReferenceToken     string   `envconfig:"REFERENCE_TOKEN" default:"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"`
	ReferenceDecimals  uint8    `envconfig:"REFERENCE_DECIMALS" default:"18"`
	StableToken        string   `envconfig:"STABLE_TOKEN" default:"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"`
	StableDecimals     uint8    `envconfig:"STABLE_DECIMALS" default:"6"`
	ChainlinkFeed      string   `envconfig:"CHAINLINK_FEED"` // Optional ETH/USD feed guarding the anchor
	AnchorMaxDeviation float64  `envconfig:"ANCHOR_MAX_DEVIATION" default:"0.2"`
	FeeTiers           []uint32 `envconfig:"FEE_TIERS" default:"500,3000,10000"` // Ordered probe list
	MaxPriceUSD        float64  `envconfig:"MAX_PRICE_USD" default:"1000000"`

	// Reconciliation
	CallsPerMinute int           `envconfig:"CALLS_PER_MINUTE" default:"30"`
	BatchSize      int           `envconfig:"BATCH_SIZE" default:"30"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"2s"`

	// Resilience
	ReconnectDelay    time.Duration `envconfig:"RECONNECT_DELAY" default:"5s"`
	ResubscribeDelay  time.Duration `envconfig:"RESUBSCRIBE_DELAY" default:"5s"`
	ResolveCooldown   time.Duration `envconfig:"RESOLVE_COOLDOWN" default:"10m"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	CallTimeout       time.Duration `envconfig:"CALL_TIMEOUT" default:"5s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`

	// Ops
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// maxBatchSize is the aggregator's per-call address limit.
const maxBatchSize = 30

// Option is a function that modifies Config
type Option func(*Config) error

// WithEnvFile loads a .env file and re-reads the environment. Variables already
// set in the process environment win over the file. Pass it before other options.
func WithEnvFile(path string) Option {
	return func(c *Config) error {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		if err := envconfig.Process("", c); err != nil {
			return fmt.Errorf("failed to process env file: %w", err)
		}
		return nil
	}
}

// WithFeeTiers overrides the ordered fee tier probe list
func WithFeeTiers(tiers ...uint32) Option {
	return func(c *Config) error {
		c.FeeTiers = append([]uint32(nil), tiers...)
		return nil
	}
}

// validate performs validation on the config values
func (c *Config) validate() error {
	// Validate URLs
	for name, urlStr := range map[string]string{
		"RPC":        c.RPCURL,
		"aggregator": c.AggregatorURL,
	} {
		if urlStr == "" {
			return fmt.Errorf("%s URL is required", name)
		}
		if _, err := url.ParseRequestURI(urlStr); err != nil {
			return fmt.Errorf("invalid %s URL: %s", name, urlStr)
		}
	}

	if strings.TrimSpace(c.PostgresDSN) == "" {
		return fmt.Errorf("postgres DSN is required")
	}

	// Validate Ethereum addresses
	for name, addr := range map[string]string{
		"factory":   c.FactoryAddress,
		"reference": c.ReferenceToken,
		"stable":    c.StableToken,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid %s address: %s", name, addr)
		}
	}
	if c.ChainlinkFeed != "" && !common.IsHexAddress(c.ChainlinkFeed) {
		return fmt.Errorf("invalid chainlink feed address: %s", c.ChainlinkFeed)
	}
	if strings.EqualFold(c.ReferenceToken, c.StableToken) {
		return fmt.Errorf("reference and stable token must differ")
	}

	// Validate fee tiers
	if len(c.FeeTiers) == 0 {
		return fmt.Errorf("no fee tiers specified")
	}
	seen := make(map[uint32]bool, len(c.FeeTiers))
	for _, tier := range c.FeeTiers {
		if tier == 0 {
			return fmt.Errorf("fee tier must be positive")
		}
		if seen[tier] {
			return fmt.Errorf("duplicate fee tier %d", tier)
		}
		seen[tier] = true
	}

	// Validate budget
	if c.CallsPerMinute <= 0 {
		return fmt.Errorf("calls per minute must be positive")
	}
	if c.BatchSize <= 0 || c.BatchSize > maxBatchSize {
		return fmt.Errorf("batch size must be in [1, %d]", maxBatchSize)
	}
	if c.MaxPriceUSD <= 0 {
		return fmt.Errorf("max price must be positive")
	}
	if c.AnchorMaxDeviation <= 0 {
		return fmt.Errorf("anchor max deviation must be positive")
	}

	for name, d := range map[string]time.Duration{
		"POLL_INTERVAL":      c.PollInterval,
		"RECONNECT_DELAY":    c.ReconnectDelay,
		"RESUBSCRIBE_DELAY":  c.ResubscribeDelay,
		"RECONCILE_INTERVAL": c.ReconcileInterval,
		"CALL_TIMEOUT":       c.CallTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	// Validate logging
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	return nil
}

// NewConfig creates a new validated Config instance
func NewConfig(opts ...Option) (*Config, error) {
	var cfg Config

	// Process environment variables first
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	// Apply user options last so they take precedence
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			log.Warn().Err(err).Msg("⚠️ Option application failed")
		}
	}

	// Validate the configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Factory returns the pool factory address
func (c *Config) Factory() common.Address {
	return common.HexToAddress(c.FactoryAddress)
}

// Reference returns the anchor asset address
func (c *Config) Reference() common.Address {
	return common.HexToAddress(c.ReferenceToken)
}

// Stable returns the USD proxy address
func (c *Config) Stable() common.Address {
	return common.HexToAddress(c.StableToken)
}

// Chainlink returns the anchor guard feed and whether one is configured
func (c *Config) Chainlink() (common.Address, bool) {
	if c.ChainlinkFeed == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(c.ChainlinkFeed), true
}
