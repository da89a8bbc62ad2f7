package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies VENUEX_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// envVenues are CEX venues whose credentials may arrive purely from the
// environment without a matching [venues.<name>] table.
var envVenues = []string{"binance", "bybit", "okx"}

// applyEnvOverrides reads well-known VENUEX_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venues ──
	if cfg.Venues == nil {
		cfg.Venues = make(map[string]CEXConfig)
	}
	names := map[string]bool{}
	for _, n := range envVenues {
		names[n] = true
	}
	for n := range cfg.Venues {
		names[n] = true
	}
	for name := range names {
		v := cfg.Venues[name]
		prefix := "VENUEX_" + strings.ToUpper(name) + "_"
		setStr(&v.APIKey, prefix+"API_KEY")
		setStr(&v.APISecret, prefix+"API_SECRET")
		setStr(&v.BaseURL, prefix+"BASE_URL")
		setStr(&v.FuturesBaseURL, prefix+"FUTURES_BASE_URL")
		setStr(&v.WSURL, prefix+"WS_URL")
		setInt(&v.RateLimitPerSec, prefix+"RATE_LIMIT_PER_SEC")
		setDuration(&v.Timeout, prefix+"TIMEOUT")
		if _, ok := cfg.Venues[name]; ok || v.APIKey != "" {
			cfg.Venues[name] = v
		}
	}

	// ── On-chain ──
	setStr(&cfg.OnChain.RPCURL, "VENUEX_ONCHAIN_RPC_URL")
	setInt64(&cfg.OnChain.ChainID, "VENUEX_ONCHAIN_CHAIN_ID")
	setStr(&cfg.OnChain.PrivateKey, "VENUEX_ONCHAIN_PRIVATE_KEY")
	setStr(&cfg.OnChain.EncryptedKeyPath, "VENUEX_ONCHAIN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.OnChain.KeyPassword, "VENUEX_ONCHAIN_KEY_PASSWORD")
	setDuration(&cfg.OnChain.ReceiptTimeout, "VENUEX_ONCHAIN_RECEIPT_TIMEOUT")

	// ── DEX ──
	setStr(&cfg.DEX.UniswapV2Router, "VENUEX_DEX_UNISWAP_V2_ROUTER")
	setFloat64(&cfg.DEX.SlippageBps, "VENUEX_DEX_SLIPPAGE_BPS")

	// ── Transfer ──
	setStr(&cfg.Transfer.Rail, "VENUEX_TRANSFER_RAIL")
	setStr(&cfg.Transfer.WalletAddress, "VENUEX_TRANSFER_WALLET_ADDRESS")
	setStr(&cfg.Transfer.PrivateKey, "VENUEX_TRANSFER_PRIVATE_KEY")
	setFloat64(&cfg.Transfer.MinTransferUSD, "VENUEX_TRANSFER_MIN_TRANSFER_USD")
	setFloat64(&cfg.Transfer.MaxTransferUSD, "VENUEX_TRANSFER_MAX_TRANSFER_USD")
	setFloat64(&cfg.Transfer.MaxLTV, "VENUEX_TRANSFER_MAX_LTV")
	setFloat64(&cfg.Transfer.MinMarginRatio, "VENUEX_TRANSFER_MIN_MARGIN_RATIO")
	setFloat64(&cfg.Transfer.MinStakedReserveUSD, "VENUEX_TRANSFER_MIN_STAKED_RESERVE_USD")

	// ── Simulation ──
	setInt64(&cfg.Simulation.Seed, "VENUEX_SIMULATION_SEED")
	setFloat64(&cfg.Simulation.SpotFeeBps, "VENUEX_SIMULATION_SPOT_FEE_BPS")
	setStringSlice(&cfg.Simulation.LendingVenues, "VENUEX_SIMULATION_LENDING_VENUES")
	setStr(&cfg.Simulation.DataPath, "VENUEX_SIMULATION_DATA_PATH")
	setStr(&cfg.Simulation.OrdersPath, "VENUEX_SIMULATION_ORDERS_PATH")
	setStr(&cfg.Simulation.ReportPath, "VENUEX_SIMULATION_REPORT_PATH")

	// ── Rebalance ──
	setStr(&cfg.Rebalance.SwapVenue, "VENUEX_REBALANCE_SWAP_VENUE")
	setFloat64(&cfg.Rebalance.SwapCostBps, "VENUEX_REBALANCE_SWAP_COST_BPS")
	setDuration(&cfg.Rebalance.CheckInterval, "VENUEX_REBALANCE_CHECK_INTERVAL")
	setBool(&cfg.Rebalance.AutoExecute, "VENUEX_REBALANCE_AUTO_EXECUTE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "VENUEX_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "VENUEX_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "VENUEX_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VENUEX_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VENUEX_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VENUEX_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VENUEX_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VENUEX_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "VENUEX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "VENUEX_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VENUEX_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "VENUEX_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "VENUEX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VENUEX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VENUEX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VENUEX_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "VENUEX_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "VENUEX_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "VENUEX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VENUEX_S3_REGION")
	setStr(&cfg.S3.Bucket, "VENUEX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VENUEX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VENUEX_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "VENUEX_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "VENUEX_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "VENUEX_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VENUEX_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "VENUEX_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "VENUEX_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VENUEX_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VENUEX_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "VENUEX_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "VENUEX_MODE")
	setStr(&cfg.LogLevel, "VENUEX_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
