// Package config loads service configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration decodes YAML values like "500ms" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Env      string         `yaml:"env"`
	LogLevel string         `yaml:"log_level"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Influx   InfluxConfig   `yaml:"influx"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Settle   SettleConfig   `yaml:"settlement"`
	Recon    ReconConfig    `yaml:"reconciliation"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type LedgerConfig struct {
	RPCURL            string   `yaml:"rpc_url"`
	ProgramID         string   `yaml:"program_id"`
	PositionManagerID string   `yaml:"position_manager_id"`
	Mint              string   `yaml:"mint"`
	FeePayer          string   `yaml:"fee_payer"`
	ComputeUnitLimit  uint64   `yaml:"compute_unit_limit"`
	ComputeUnitPrice  uint64   `yaml:"compute_unit_price"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	PollInterval      Duration `yaml:"poll_interval"`
}

type SettleConfig struct {
	MaxRetries          int      `yaml:"max_retries"`
	RetryBaseDelay      Duration `yaml:"retry_base_delay"`
	RetryMultiplier     float64  `yaml:"retry_multiplier"`
	ConfirmationTimeout Duration `yaml:"confirmation_timeout"`
	SweepInterval       Duration `yaml:"sweep_interval"`
	CheckpointKey       string   `yaml:"checkpoint_key"`
	LowBalanceThreshold string   `yaml:"low_balance_threshold"`
	BalanceCacheTTL     Duration `yaml:"balance_cache_ttl"`
}

type ReconConfig struct {
	Schedule string `yaml:"schedule"`
	Epsilon  string `yaml:"epsilon"`
}

// LowBalanceThreshold returns the parsed threshold; zero disables alerts.
func (c SettleConfig) Threshold() decimal.Decimal {
	d, err := decimal.NewFromString(c.LowBalanceThreshold)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// EpsilonValue returns the parsed comparison tolerance.
func (c ReconConfig) EpsilonValue() decimal.Decimal {
	d, err := decimal.NewFromString(c.Epsilon)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Load reads the file at path, applies environment overrides, fills
// defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.Database.URL, "VAULTCORE_DATABASE_URL")
	override(&c.Redis.Addr, "VAULTCORE_REDIS_ADDR")
	override(&c.Redis.Password, "VAULTCORE_REDIS_PASSWORD")
	override(&c.NATS.URL, "VAULTCORE_NATS_URL")
	override(&c.Influx.URL, "VAULTCORE_INFLUX_URL")
	override(&c.Influx.Token, "VAULTCORE_INFLUX_TOKEN")
	override(&c.Ledger.RPCURL, "VAULTCORE_LEDGER_RPC_URL")
	override(&c.Ledger.ProgramID, "VAULTCORE_PROGRAM_ID")
	override(&c.Ledger.PositionManagerID, "VAULTCORE_POSITION_MANAGER_ID")
	override(&c.Ledger.FeePayer, "VAULTCORE_FEE_PAYER")
}

func override(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "vaultcore"
	}
	if c.Ledger.ComputeUnitLimit == 0 {
		c.Ledger.ComputeUnitLimit = 1_400_000
	}
	if c.Ledger.ComputeUnitPrice == 0 {
		c.Ledger.ComputeUnitPrice = 1_000
	}
	if c.Ledger.RequestTimeout == 0 {
		c.Ledger.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Ledger.PollInterval == 0 {
		c.Ledger.PollInterval = Duration(2 * time.Second)
	}
	if c.Settle.MaxRetries == 0 {
		c.Settle.MaxRetries = 3
	}
	if c.Settle.RetryBaseDelay == 0 {
		c.Settle.RetryBaseDelay = Duration(500 * time.Millisecond)
	}
	if c.Settle.RetryMultiplier == 0 {
		c.Settle.RetryMultiplier = 2.0
	}
	if c.Settle.ConfirmationTimeout == 0 {
		c.Settle.ConfirmationTimeout = Duration(60 * time.Second)
	}
	if c.Settle.SweepInterval == 0 {
		c.Settle.SweepInterval = Duration(10 * time.Second)
	}
	if c.Settle.CheckpointKey == "" {
		c.Settle.CheckpointKey = "vaultcore:indexer:checkpoint"
	}
	if c.Settle.BalanceCacheTTL == 0 {
		c.Settle.BalanceCacheTTL = Duration(5 * time.Second)
	}
	if c.Recon.Schedule == "" {
		c.Recon.Schedule = "@every 60s"
	}
}

// Validate checks the fields that have no safe default.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url is required")
	}
	if c.Ledger.ProgramID == "" {
		return fmt.Errorf("ledger.program_id is required")
	}
	if c.Ledger.PositionManagerID == "" {
		return fmt.Errorf("ledger.position_manager_id is required")
	}
	if c.Ledger.FeePayer == "" {
		return fmt.Errorf("ledger.fee_payer is required")
	}
	if c.Recon.Epsilon != "" {
		d, err := decimal.NewFromString(c.Recon.Epsilon)
		if err != nil {
			return fmt.Errorf("reconciliation.epsilon: %w", err)
		}
		if d.IsNegative() {
			return fmt.Errorf("reconciliation.epsilon must not be negative")
		}
	}
	if c.Settle.LowBalanceThreshold != "" {
		if _, err := decimal.NewFromString(c.Settle.LowBalanceThreshold); err != nil {
			return fmt.Errorf("settlement.low_balance_threshold: %w", err)
		}
	}
	return nil
}
