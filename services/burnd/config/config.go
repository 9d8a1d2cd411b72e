package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings (used by the TOML decoder).
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for burnd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Token         TokenConfig     `yaml:"token" toml:"token"`
	Pools         PoolsConfig     `yaml:"pools" toml:"pools"`
	Ledger        LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Valuation     ValuationConfig `yaml:"valuation" toml:"valuation"`
	Milestones    []Milestone     `yaml:"milestones" toml:"milestones"`
	Buyback       BuybackConfig   `yaml:"buyback" toml:"buyback"`
	Retry         RetryConfig     `yaml:"retry" toml:"retry"`
	Schedule      ScheduleConfig  `yaml:"schedule" toml:"schedule"`
	Recon         ReconConfig     `yaml:"recon" toml:"recon"`
	Admin         AdminConfig     `yaml:"admin" toml:"admin"`
	API           APIConfig       `yaml:"api" toml:"api"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	PauseOnStart  bool            `yaml:"pause" toml:"pause"`
}

// DatabaseConfig selects the Ledger of Record backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// TokenConfig describes the asset being destroyed.
type TokenConfig struct {
	Asset           string  `yaml:"asset" toml:"asset"`
	Symbol          string  `yaml:"symbol" toml:"symbol"`
	DefaultDecimals uint8   `yaml:"default_decimals" toml:"default_decimals"`
	InitialSupply   float64 `yaml:"initial_supply" toml:"initial_supply"`
	InitialReserve  float64 `yaml:"initial_reserve" toml:"initial_reserve"`
	BurnMode        string  `yaml:"burn_mode" toml:"burn_mode"`
}

// PoolsConfig carries the two signing identities.
type PoolsConfig struct {
	Reserve   PoolConfig `yaml:"reserve" toml:"reserve"`
	Operating PoolConfig `yaml:"operating" toml:"operating"`
}

// PoolConfig identifies a token holder and where its signing key comes from.
type PoolConfig struct {
	Owner         string `yaml:"owner" toml:"owner"`
	SignerKey     string `yaml:"signer_key" toml:"signer_key"`
	SignerKeyFile string `yaml:"signer_key_file" toml:"signer_key_file"`
	SignerKeyEnv  string `yaml:"signer_key_env" toml:"signer_key_env"`
}

// LedgerConfig configures the EVM ledger gateway.
type LedgerConfig struct {
	Endpoint          string   `yaml:"endpoint" toml:"endpoint"`
	ChainID           int64    `yaml:"chain_id" toml:"chain_id"`
	DeadAddress       string   `yaml:"dead_address" toml:"dead_address"`
	GasLimit          uint64   `yaml:"gas_limit" toml:"gas_limit"`
	RequestTimeout    Duration `yaml:"request_timeout" toml:"request_timeout"`
	SettlementTimeout Duration `yaml:"settlement_timeout" toml:"settlement_timeout"`
}

// ValuationConfig configures the valuation feed.
type ValuationConfig struct {
	Source         string   `yaml:"source" toml:"source"`
	Endpoint       string   `yaml:"endpoint" toml:"endpoint"`
	AssetID        string   `yaml:"asset_id" toml:"asset_id"`
	Currency       string   `yaml:"currency" toml:"currency"`
	Field          string   `yaml:"field" toml:"field"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	TTL            Duration `yaml:"ttl" toml:"ttl"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// Milestone is one step of the fixed burn schedule.
type Milestone struct {
	Threshold  float64 `yaml:"threshold" toml:"threshold"`
	BurnAmount float64 `yaml:"burn_amount" toml:"burn_amount"`
}

// BuybackConfig configures the reward-funded buy-and-burn cycle.
type BuybackConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled"`
	RewardThreshold float64  `yaml:"reward_threshold" toml:"reward_threshold"`
	SlippageBps     int      `yaml:"slippage_bps" toml:"slippage_bps"`
	RewardsEndpoint string   `yaml:"rewards_endpoint" toml:"rewards_endpoint"`
	VenueEndpoint   string   `yaml:"venue_endpoint" toml:"venue_endpoint"`
	APIKey          string   `yaml:"api_key" toml:"api_key"`
	RequestTimeout  Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// RetryConfig tunes the retry controller.
type RetryConfig struct {
	BaseDelay   Duration `yaml:"base_delay" toml:"base_delay"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
}

// ScheduleConfig configures poll cadences for each job.
type ScheduleConfig struct {
	MilestoneInterval Duration `yaml:"milestone_interval" toml:"milestone_interval"`
	BuybackInterval   Duration `yaml:"buyback_interval" toml:"buyback_interval"`
	ReconcileInterval Duration `yaml:"reconcile_interval" toml:"reconcile_interval"`
}

// ReconConfig tunes the reconciliation engine.
type ReconConfig struct {
	Tolerance  float64  `yaml:"tolerance" toml:"tolerance"`
	ReportDir  string   `yaml:"report_dir" toml:"report_dir"`
	StaleAfter Duration `yaml:"stale_after" toml:"stale_after"`
}

// AdminConfig captures authentication for mutating API endpoints.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file" toml:"bearer_token_file"`
	JWTSecret       string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv    string `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
}

// APIConfig tunes the read API.
type APIConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
	MaxPageSize       int     `yaml:"max_page_size" toml:"max_page_size"`
}

// LoggingConfig mirrors observability/logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Burn modes supported by the executor.
const (
	BurnModeBurn     = "burn"
	BurnModeTransfer = "transfer"
)

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML; everything else is YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if err := Decode(path, raw, &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode parses raw configuration bytes according to the file extension.
func Decode(path string, raw []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(raw), cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "burnd.sqlite"
	}
	if cfg.Token.DefaultDecimals == 0 {
		cfg.Token.DefaultDecimals = 9
	}
	if cfg.Token.BurnMode == "" {
		cfg.Token.BurnMode = BurnModeBurn
	}
	if cfg.Ledger.DeadAddress == "" {
		cfg.Ledger.DeadAddress = "0x000000000000000000000000000000000000dEaD"
	}
	if cfg.Ledger.GasLimit == 0 {
		cfg.Ledger.GasLimit = 120_000
	}
	if cfg.Ledger.RequestTimeout.Duration == 0 {
		cfg.Ledger.RequestTimeout.Duration = 15 * time.Second
	}
	if cfg.Ledger.SettlementTimeout.Duration == 0 {
		cfg.Ledger.SettlementTimeout.Duration = 60 * time.Second
	}
	if cfg.Valuation.Source == "" {
		cfg.Valuation.Source = "coingecko"
	}
	if cfg.Valuation.Currency == "" {
		cfg.Valuation.Currency = "usd"
	}
	if cfg.Valuation.TTL.Duration == 0 {
		cfg.Valuation.TTL.Duration = 30 * time.Second
	}
	if cfg.Valuation.RequestTimeout.Duration == 0 {
		cfg.Valuation.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.Buyback.SlippageBps == 0 {
		cfg.Buyback.SlippageBps = 100
	}
	if cfg.Buyback.RequestTimeout.Duration == 0 {
		cfg.Buyback.RequestTimeout.Duration = 30 * time.Second
	}
	if cfg.Retry.BaseDelay.Duration == 0 {
		cfg.Retry.BaseDelay.Duration = time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Schedule.MilestoneInterval.Duration == 0 {
		cfg.Schedule.MilestoneInterval.Duration = time.Minute
	}
	if cfg.Schedule.BuybackInterval.Duration == 0 {
		cfg.Schedule.BuybackInterval.Duration = 10 * time.Minute
	}
	if cfg.Schedule.ReconcileInterval.Duration == 0 {
		cfg.Schedule.ReconcileInterval.Duration = 15 * time.Minute
	}
	if cfg.Recon.Tolerance <= 0 {
		cfg.Recon.Tolerance = 0.000001
	}
	if cfg.Recon.StaleAfter.Duration == 0 {
		cfg.Recon.StaleAfter.Duration = 10 * time.Minute
	}
	if cfg.API.RequestsPerMinute <= 0 {
		cfg.API.RequestsPerMinute = 600
	}
	if cfg.API.Burst <= 0 {
		cfg.API.Burst = 50
	}
	if cfg.API.MaxPageSize <= 0 {
		cfg.API.MaxPageSize = 100
	}
}

func (cfg *Config) normalise() error {
	cfg.Token.Asset = strings.TrimSpace(cfg.Token.Asset)
	cfg.Token.BurnMode = strings.ToLower(strings.TrimSpace(cfg.Token.BurnMode))
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if err := cfg.Pools.Reserve.normalise(); err != nil {
		return fmt.Errorf("reserve pool signer: %w", err)
	}
	if cfg.Buyback.Enabled {
		if err := cfg.Pools.Operating.normalise(); err != nil {
			return fmt.Errorf("operating pool signer: %w", err)
		}
	}
	if err := cfg.Admin.normalise(); err != nil {
		return fmt.Errorf("admin security: %w", err)
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.Token.Asset == "" {
		return fmt.Errorf("token.asset must be configured")
	}
	if cfg.Token.InitialSupply <= 0 {
		return fmt.Errorf("token.initial_supply must be positive")
	}
	if cfg.Token.InitialReserve < 0 || cfg.Token.InitialReserve > cfg.Token.InitialSupply {
		return fmt.Errorf("token.initial_reserve must be between 0 and initial_supply")
	}
	switch cfg.Token.BurnMode {
	case BurnModeBurn, BurnModeTransfer:
	default:
		return fmt.Errorf("token.burn_mode %q not supported", cfg.Token.BurnMode)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q not supported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
		return fmt.Errorf("ledger.endpoint must be configured")
	}
	if cfg.Ledger.ChainID <= 0 {
		return fmt.Errorf("ledger.chain_id must be configured")
	}
	if strings.TrimSpace(cfg.Pools.Reserve.Owner) == "" {
		return fmt.Errorf("pools.reserve.owner must be configured")
	}
	if err := ValidateMilestones(cfg.Milestones); err != nil {
		return err
	}
	if cfg.Buyback.Enabled {
		if strings.TrimSpace(cfg.Pools.Operating.Owner) == "" {
			return fmt.Errorf("pools.operating.owner must be configured when buyback is enabled")
		}
		if cfg.Buyback.RewardThreshold <= 0 {
			return fmt.Errorf("buyback.reward_threshold must be positive")
		}
		if cfg.Buyback.SlippageBps < 0 || cfg.Buyback.SlippageBps >= 10_000 {
			return fmt.Errorf("buyback.slippage_bps must be in [0, 10000)")
		}
		if strings.TrimSpace(cfg.Buyback.RewardsEndpoint) == "" || strings.TrimSpace(cfg.Buyback.VenueEndpoint) == "" {
			return fmt.Errorf("buyback rewards_endpoint and venue_endpoint must be configured")
		}
	}
	if cfg.Admin.BearerToken == "" && cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("configure either admin.bearer_token or admin.jwt_secret")
	}
	return nil
}

// ValidateMilestones enforces a non-empty, strictly increasing schedule with positive burn amounts.
func ValidateMilestones(schedule []Milestone) error {
	if len(schedule) == 0 {
		return fmt.Errorf("at least one milestone must be configured")
	}
	prev := 0.0
	for i, m := range schedule {
		if m.Threshold <= 0 {
			return fmt.Errorf("milestone %d: threshold must be positive", i+1)
		}
		if m.BurnAmount <= 0 {
			return fmt.Errorf("milestone %d: burn_amount must be positive", i+1)
		}
		if i > 0 && m.Threshold <= prev {
			return fmt.Errorf("milestone %d: thresholds must be strictly increasing", i+1)
		}
		prev = m.Threshold
	}
	return nil
}

func (p *PoolConfig) normalise() error {
	p.Owner = strings.TrimSpace(p.Owner)
	p.SignerKey = strings.TrimSpace(p.SignerKey)
	p.SignerKeyEnv = strings.TrimSpace(p.SignerKeyEnv)
	p.SignerKeyFile = strings.TrimSpace(p.SignerKeyFile)
	if p.SignerKey != "" {
		return nil
	}
	switch {
	case p.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(p.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", p.SignerKeyEnv)
		}
		p.SignerKey = value
	case p.SignerKeyFile != "":
		contents, err := os.ReadFile(p.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		p.SignerKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("signer_key is required")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	if a.JWTSecret == "" && strings.TrimSpace(a.JWTSecretEnv) != "" {
		a.JWTSecret = strings.TrimSpace(os.Getenv(strings.TrimSpace(a.JWTSecretEnv)))
	}
	return nil
}
