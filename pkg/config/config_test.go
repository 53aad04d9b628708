package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	require.Equal(t, "data/papertrader.db", cfg.System.DatabasePath)
	require.Equal(t, 10_000.0, cfg.Account.InitialCapital)
	require.Equal(t, "USDT", cfg.Account.BaseCurrency)
	require.Equal(t, 0.001, cfg.Trading.Commission.Maker)
	require.Equal(t, 0.001, cfg.Trading.Commission.Taker)
	require.Equal(t, 0.0005, cfg.Trading.Slippage)
	require.Equal(t, 0.2, cfg.Risk.MaxPositionSize)
	require.Equal(t, 0.8, cfg.Risk.MaxTotalPosition)
	require.Equal(t, "sqlite", cfg.MarketData.RuntimeWriteTarget)
	require.Equal(t, "sqlite", cfg.Backtest.DataReadSource)
	require.Equal(t, "binance", cfg.Exchange.Name)
	require.True(t, cfg.Exchange.Testnet)
	require.Equal(t, "BTC/USDT", cfg.Simulation.Symbol)
	require.Equal(t, "1m", cfg.Simulation.Timeframe)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
account:
  initial_capital: 250000
  base_currency: USDC
trading:
  slippage: 0.002
simulation:
  symbol: ETH/USDT
`))
	require.NoError(t, err)
	require.Equal(t, 250_000.0, cfg.Account.InitialCapital)
	require.Equal(t, "USDC", cfg.Account.BaseCurrency)
	require.Equal(t, 0.002, cfg.Trading.Slippage)
	require.Equal(t, "ETH/USDT", cfg.Simulation.Symbol)
	// Untouched keys keep their defaults.
	require.Equal(t, 0.001, cfg.Trading.Commission.Maker)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("PAPERTRADER_ACCOUNT_INITIAL_CAPITAL", "50000")
	t.Setenv("PAPERTRADER_EXCHANGE_TESTNET", "false")

	cfg, err := Load(writeConfig(t, "account:\n  initial_capital: 250000\n"))
	require.NoError(t, err)
	require.Equal(t, 50_000.0, cfg.Account.InitialCapital)
	require.False(t, cfg.Exchange.Testnet)
}

func TestLoadEnvSuppliesCredentials(t *testing.T) {
	// Credentials have no default and no file entry; the env layer alone
	// must be able to supply them.
	t.Setenv("PAPERTRADER_EXCHANGE_API_KEY", "env-key")
	t.Setenv("PAPERTRADER_EXCHANGE_API_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.Exchange.APIKey)
	require.Equal(t, "env-secret", cfg.Exchange.APISecret)
}

func TestRedactedSettingsTree(t *testing.T) {
	t.Setenv("PAPERTRADER_EXCHANGE_API_KEY", "env-key")

	cfg, err := Load(writeConfig(t, "exchange:\n  api_secret: file-secret\n"))
	require.NoError(t, err)

	out := cfg.Redacted()
	exchange, ok := out["exchange"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "***", exchange["api_key"])
	require.Equal(t, "***", exchange["api_secret"])
	require.Equal(t, "binance", exchange["name"])
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capital", func(c *Config) { c.Account.InitialCapital = 0 }},
		{"empty base currency", func(c *Config) { c.Account.BaseCurrency = "" }},
		{"commission above one", func(c *Config) { c.Trading.Commission.Taker = 1.5 }},
		{"negative slippage", func(c *Config) { c.Trading.Slippage = -0.01 }},
		{"position size zero", func(c *Config) { c.Risk.MaxPositionSize = 0 }},
		{"total below single", func(c *Config) { c.Risk.MaxTotalPosition = 0.1 }},
		{"drawdown above one", func(c *Config) { c.Risk.MaxDrawdown = 1.5 }},
		{"postgres write target", func(c *Config) { c.MarketData.RuntimeWriteTarget = "postgres" }},
		{"csv read source", func(c *Config) { c.Backtest.DataReadSource = "csv" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, "{}\n"))
			require.NoError(t, err)
			tc.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), domain.ErrInvalidInput)
		})
	}
}

func TestRedaction(t *testing.T) {
	require.Equal(t, "***", RedactValue("api_key", "abc123"))
	require.Equal(t, "***", RedactValue("exchange.api_secret", "abc123"))
	require.Equal(t, "***", RedactValue("AUTH_TOKEN", "t"))
	require.Equal(t, "***", RedactValue("db_password", "p"))
	require.Equal(t, "", RedactValue("api_key", ""))
	require.Equal(t, "binance", RedactValue("exchange.name", "binance"))

	out := RedactedSettings(map[string]any{
		"exchange": map[string]any{
			"name":    "binance",
			"api_key": "k",
		},
		"rate_limit": 100,
	})
	inner := out["exchange"].(map[string]any)
	require.Equal(t, "binance", inner["name"])
	require.Equal(t, "***", inner["api_key"])
	require.Equal(t, 100, out["rate_limit"])
}
