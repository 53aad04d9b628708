// Package config loads the hierarchical configuration tree: built-in
// defaults, then an optional YAML file, then PAPERTRADER_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"papertrader/internal/domain"
)

// Config is the full tree the simulator consumes.
type Config struct {
	System     System     `mapstructure:"system"`
	Account    Account    `mapstructure:"account"`
	Trading    Trading    `mapstructure:"trading"`
	Risk       Risk       `mapstructure:"risk"`
	MarketData MarketData `mapstructure:"market_data"`
	Backtest   Backtest   `mapstructure:"backtest"`
	Exchange   Exchange   `mapstructure:"exchange"`
	Simulation Simulation `mapstructure:"simulation"`

	settings map[string]any
}

// Redacted returns the loaded settings tree with secret values masked, safe
// to log at startup.
func (c *Config) Redacted() map[string]any {
	return RedactedSettings(c.settings)
}

type System struct {
	DatabasePath string `mapstructure:"database_path"`
	DataDir      string `mapstructure:"data_dir"`
}

type Account struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	BaseCurrency   string  `mapstructure:"base_currency"`
}

type Commission struct {
	Maker float64 `mapstructure:"maker"`
	Taker float64 `mapstructure:"taker"`
}

type Trading struct {
	Commission Commission `mapstructure:"commission"`
	Slippage   float64    `mapstructure:"slippage"`
}

type Risk struct {
	MaxPositionSize  float64 `mapstructure:"max_position_size"`
	MaxTotalPosition float64 `mapstructure:"max_total_position"`
	MaxDrawdown      float64 `mapstructure:"max_drawdown"`
}

type MarketData struct {
	RuntimeWriteTarget string `mapstructure:"runtime_write_target"`
}

type Backtest struct {
	DataReadSource string `mapstructure:"data_read_source"`
}

type Exchange struct {
	Name      string `mapstructure:"name"`
	Testnet   bool   `mapstructure:"testnet"`
	RateLimit int    `mapstructure:"rate_limit"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

type Simulation struct {
	Symbol              string `mapstructure:"symbol"`
	Timeframe           string `mapstructure:"timeframe"`
	TickIntervalSeconds int    `mapstructure:"tick_interval_seconds"`
	MaxIterations       int    `mapstructure:"max_iterations"`
	StrategyID          string `mapstructure:"strategy_id"`
}

// Load reads the tree. path == "" looks for config.yaml in the working
// directory; a missing file is fine, defaults and env still apply. A .env
// file, when present, is folded into the environment first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PAPERTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Credentials have no default, and AutomaticEnv only surfaces keys viper
	// already knows about. Bind them so the env layer can supply them.
	for _, key := range []string{"exchange.api_key", "exchange.api_secret"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.settings = v.AllSettings()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("system.database_path", "data/papertrader.db")
	v.SetDefault("system.data_dir", "data")
	v.SetDefault("account.initial_capital", 10000.0)
	v.SetDefault("account.base_currency", "USDT")
	v.SetDefault("trading.commission.maker", 0.001)
	v.SetDefault("trading.commission.taker", 0.001)
	v.SetDefault("trading.slippage", 0.0005)
	v.SetDefault("risk.max_position_size", 0.2)
	v.SetDefault("risk.max_total_position", 0.8)
	v.SetDefault("risk.max_drawdown", 0.2)
	v.SetDefault("market_data.runtime_write_target", "sqlite")
	v.SetDefault("backtest.data_read_source", "sqlite")
	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.testnet", true)
	v.SetDefault("exchange.rate_limit", 100)
	v.SetDefault("simulation.symbol", "BTC/USDT")
	v.SetDefault("simulation.timeframe", "1m")
	v.SetDefault("simulation.tick_interval_seconds", 5)
	v.SetDefault("simulation.strategy_id", "manual")
}

// Validate enforces value ranges and the storage-backend pins.
func (c *Config) Validate() error {
	if c.System.DatabasePath == "" {
		return fmt.Errorf("%w: system.database_path is required", domain.ErrInvalidInput)
	}
	if c.Account.InitialCapital <= 0 {
		return fmt.Errorf("%w: account.initial_capital must be > 0", domain.ErrInvalidInput)
	}
	if c.Account.BaseCurrency == "" {
		return fmt.Errorf("%w: account.base_currency is required", domain.ErrInvalidInput)
	}
	for name, rate := range map[string]float64{
		"trading.commission.maker": c.Trading.Commission.Maker,
		"trading.commission.taker": c.Trading.Commission.Taker,
		"trading.slippage":         c.Trading.Slippage,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%w: %s must be in [0,1], got %v", domain.ErrInvalidInput, name, rate)
		}
	}
	if c.Risk.MaxPositionSize <= 0 || c.Risk.MaxPositionSize > 1 {
		return fmt.Errorf("%w: risk.max_position_size must be in (0,1]", domain.ErrInvalidInput)
	}
	if c.Risk.MaxTotalPosition < c.Risk.MaxPositionSize || c.Risk.MaxTotalPosition > 1 {
		return fmt.Errorf("%w: risk.max_total_position must be in [max_position_size,1]", domain.ErrInvalidInput)
	}
	if c.Risk.MaxDrawdown < 0 || c.Risk.MaxDrawdown > 1 {
		return fmt.Errorf("%w: risk.max_drawdown must be in [0,1]", domain.ErrInvalidInput)
	}
	if c.MarketData.RuntimeWriteTarget != "sqlite" {
		return fmt.Errorf("%w: market_data.runtime_write_target must be \"sqlite\", got %q",
			domain.ErrInvalidInput, c.MarketData.RuntimeWriteTarget)
	}
	if c.Backtest.DataReadSource != "sqlite" {
		return fmt.Errorf("%w: backtest.data_read_source must be \"sqlite\", got %q",
			domain.ErrInvalidInput, c.Backtest.DataReadSource)
	}
	return nil
}

var sensitiveKey = regexp.MustCompile(`(?i)api_key|api_secret|token|password|secret`)

// RedactValue masks a value when its key looks sensitive.
func RedactValue(key, value string) string {
	if sensitiveKey.MatchString(key) && value != "" {
		return "***"
	}
	return value
}

// RedactedSettings returns a flattened copy of the tree safe for logging.
func RedactedSettings(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for key, val := range v {
		switch t := val.(type) {
		case map[string]any:
			out[key] = RedactedSettings(t)
		case string:
			out[key] = RedactValue(key, t)
		default:
			out[key] = val
		}
	}
	return out
}
