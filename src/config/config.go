package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml configs can write "8h" or "500ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var ns int64
		if intErr := value.Decode(&ns); intErr != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// PairConfig holds per-trading-pair parameters for the spot matching engine.
type PairConfig struct {
	Base           string  `yaml:"base"`
	Quote          string  `yaml:"quote"`
	MakerFeeRate   float64 `yaml:"maker_fee_rate"`
	TakerFeeRate   float64 `yaml:"taker_fee_rate"`
	PriceCollar    float64 `yaml:"price_collar"`    // max deviation from reference price, e.g. 0.10
	SlippageBuffer float64 `yaml:"slippage_buffer"` // market-buy reservation headroom, e.g. 0.05
	BasePrecision  int32   `yaml:"base_precision"`
	QuotePrecision int32   `yaml:"quote_precision"`
}

// ContractConfig holds per-symbol parameters for perpetual futures contracts.
type ContractConfig struct {
	SettleCurrency        string   `yaml:"settle_currency"`
	MaxLeverage           int      `yaml:"max_leverage"`
	MaintenanceMarginRate float64  `yaml:"maintenance_margin_rate"`
	MakerFeeRate          float64  `yaml:"maker_fee_rate"`
	TakerFeeRate          float64  `yaml:"taker_fee_rate"`
	PremiumCap            float64  `yaml:"premium_cap"`      // mark vs index deviation bound
	FundingRateCap        float64  `yaml:"funding_rate_cap"` // per-interval rate bound
	FundingInterval       Duration `yaml:"funding_interval"`
	MarkInterval          Duration `yaml:"mark_interval"`
	FeedTimeout           Duration `yaml:"feed_timeout"`
}

type Config struct {
	Server struct {
		Port            string   `yaml:"port"`
		StreamAddr      string   `yaml:"stream_addr"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	RateLimit struct {
		Disabled bool     `yaml:"disabled"`
		Max      int      `yaml:"max"`
		Window   Duration `yaml:"window"`
	} `yaml:"rate_limit"`

	Database struct {
		Path     string `yaml:"path"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"database"`

	Accounts struct {
		FeeAccount       string `yaml:"fee_account"`
		InsuranceAccount string `yaml:"insurance_account"`
	} `yaml:"accounts"`

	Idempotency struct {
		TTL Duration `yaml:"ttl"`
	} `yaml:"idempotency"`

	Pairs     map[string]PairConfig     `yaml:"pairs"`
	Contracts map[string]ContractConfig `yaml:"contracts"`
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.StreamAddr = ":8081"
	cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	cfg.RateLimit.Max = 100
	cfg.RateLimit.Window = Duration(time.Second)
	cfg.Database.Path = "exchange.db"
	cfg.Database.LogLevel = "silent"
	cfg.Accounts.FeeAccount = "system:fees"
	cfg.Accounts.InsuranceAccount = "system:insurance"
	cfg.Idempotency.TTL = Duration(10 * time.Minute)

	cfg.Pairs = map[string]PairConfig{
		"BTC/USDT": {
			Base: "BTC", Quote: "USDT",
			MakerFeeRate: 0.001, TakerFeeRate: 0.002,
			PriceCollar: 0.10, SlippageBuffer: 0.05,
			BasePrecision: 8, QuotePrecision: 2,
		},
		"ETH/USDT": {
			Base: "ETH", Quote: "USDT",
			MakerFeeRate: 0.001, TakerFeeRate: 0.002,
			PriceCollar: 0.10, SlippageBuffer: 0.05,
			BasePrecision: 8, QuotePrecision: 2,
		},
	}
	cfg.Contracts = map[string]ContractConfig{
		"BTCUSDT": {
			SettleCurrency: "USDT", MaxLeverage: 100,
			MaintenanceMarginRate: 0.005,
			MakerFeeRate:          0.0002, TakerFeeRate: 0.0005,
			PremiumCap: 0.005, FundingRateCap: 0.0075,
			FundingInterval: Duration(8 * time.Hour),
			MarkInterval:    Duration(time.Second),
			FeedTimeout:     Duration(2 * time.Second),
		},
		"ETHUSDT": {
			SettleCurrency: "USDT", MaxLeverage: 100,
			MaintenanceMarginRate: 0.005,
			MakerFeeRate:          0.0002, TakerFeeRate: 0.0005,
			PremiumCap: 0.005, FundingRateCap: 0.0075,
			FundingInterval: Duration(8 * time.Hour),
			MarkInterval:    Duration(time.Second),
			FeedTimeout:     Duration(2 * time.Second),
		},
	}
	return cfg
}

// Load reads the yaml config at path, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("STREAM_ADDR"); v != "" {
		c.Server.StreamAddr = v
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			c.Server.ShutdownTimeout = Duration(parsed)
		}
	}
	if os.Getenv("RATE_LIMIT_DISABLED") == "1" {
		c.RateLimit.Disabled = true
	}
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.RateLimit.Max = parsed
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			c.RateLimit.Window = Duration(parsed)
		}
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
}

func (c *Config) validate() error {
	for name, pair := range c.Pairs {
		if pair.Base == "" || pair.Quote == "" {
			return fmt.Errorf("pair %s: base and quote are required", name)
		}
		if pair.MakerFeeRate > pair.TakerFeeRate {
			return fmt.Errorf("pair %s: maker fee rate must not exceed taker fee rate", name)
		}
	}
	for symbol, contract := range c.Contracts {
		if contract.SettleCurrency == "" {
			return fmt.Errorf("contract %s: settle_currency is required", symbol)
		}
		if contract.MaxLeverage <= 0 {
			return fmt.Errorf("contract %s: max_leverage must be positive", symbol)
		}
	}
	return nil
}
