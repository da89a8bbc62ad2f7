package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.IsLive())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	cfg.Transfer.MaxLTV = 1.5
	cfg.Transfer.MaxTransferUSD = 10
	cfg.Venues["binance"] = CEXConfig{APIKey: "k"}
	cfg.Rebalance.SwapCostBps = 10_000
	cfg.Rebalance.SwapVenue = " "

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "backtest"`)
	assert.Contains(t, msg, "max_ltv")
	assert.Contains(t, msg, "max_transfer_usd must exceed")
	assert.Contains(t, msg, "venues.binance: api_key and api_secret")
	assert.Contains(t, msg, "swap_cost_bps")
	assert.Contains(t, msg, "swap_venue must not be empty")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	doc := `
mode = "live"

[venues.binance]
api_key = "file-key"
api_secret = "file-secret"
base_url = "https://example.invalid"
timeout = "3s"

[transfer]
min_transfer_usd = 50.0
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	t.Setenv("VENUEX_BINANCE_API_KEY", "env-key")
	t.Setenv("VENUEX_BYBIT_API_KEY", "bybit-key")
	t.Setenv("VENUEX_BYBIT_API_SECRET", "bybit-secret")
	t.Setenv("VENUEX_TRANSFER_MAX_LTV", "0.7")
	t.Setenv("VENUEX_REBALANCE_SWAP_COST_BPS", "45")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsLive())
	assert.Equal(t, "env-key", cfg.Venues["binance"].APIKey)
	assert.Equal(t, "file-secret", cfg.Venues["binance"].APISecret)
	assert.Equal(t, 3*time.Second, cfg.Venues["binance"].Timeout.Duration)
	assert.True(t, cfg.Venues["bybit"].HasCredentials())
	assert.Equal(t, 50.0, cfg.Transfer.MinTransferUSD)
	assert.Equal(t, 0.7, cfg.Transfer.MaxLTV)
	assert.Equal(t, 45.0, cfg.Rebalance.SwapCostBps)
	assert.Equal(t, "uniswap_v2", cfg.Rebalance.SwapVenue)
	// defaults survive a partial file
	assert.Equal(t, 1_000_000.0, cfg.Transfer.MaxTransferUSD)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Venues["binance"] = CEXConfig{APIKey: "key", APISecret: "secret"}
	cfg.OnChain.PrivateKey = "0xabc"
	cfg.Transfer.PrivateKey = "0xdef"
	cfg.Postgres.Password = "pw"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Venues["binance"].APIKey)
	assert.Equal(t, "***", out.Venues["binance"].APISecret)
	assert.Equal(t, "***", out.OnChain.PrivateKey)
	assert.Equal(t, "***", out.Transfer.PrivateKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "", out.Redis.Password, "empty secrets stay empty")

	assert.Equal(t, "key", cfg.Venues["binance"].APIKey, "original untouched")
	assert.Equal(t, "0xabc", cfg.OnChain.PrivateKey)
}
