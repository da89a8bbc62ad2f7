// Package config defines the top-level configuration for the venue router
// and provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by VENUEX_* environment variables.
type Config struct {
	Mode       string               `toml:"mode"`
	LogLevel   string               `toml:"log_level"`
	Venues     map[string]CEXConfig `toml:"venues"`
	OnChain    OnChainConfig        `toml:"onchain"`
	DEX        DEXConfig            `toml:"dex"`
	Transfer   TransferConfig       `toml:"transfer"`
	Simulation SimulationConfig     `toml:"simulation"`
	Rebalance  RebalanceConfig      `toml:"rebalance"`
	Postgres   PostgresConfig       `toml:"postgres"`
	Redis      RedisConfig          `toml:"redis"`
	S3         S3Config             `toml:"s3"`
	Server     ServerConfig         `toml:"server"`
	Notify     NotifyConfig         `toml:"notify"`
}

// CEXConfig holds credentials and endpoints for one centralized exchange.
// A venue with an empty APIKey gets no live backend.
type CEXConfig struct {
	APIKey          string   `toml:"api_key"`
	APISecret       string   `toml:"api_secret"`
	BaseURL         string   `toml:"base_url"`
	FuturesBaseURL  string   `toml:"futures_base_url"`
	WSURL           string   `toml:"ws_url"`
	RateLimitPerSec int      `toml:"rate_limit_per_sec"`
	RecvWindowMs    int      `toml:"recv_window_ms"`
	Timeout         duration `toml:"timeout"`
	WithdrawNetwork string   `toml:"withdraw_network"`
	StreamSymbols   []string `toml:"stream_symbols"`
}

// HasCredentials reports whether both halves of the API credential are set.
func (c CEXConfig) HasCredentials() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// TokenConfig describes one ERC-20 token on the configured chain.
type TokenConfig struct {
	Address  string `toml:"address"`
	Decimals int    `toml:"decimals"`
}

// OnChainConfig holds chain access and protocol contract addresses.
type OnChainConfig struct {
	RPCURL              string                 `toml:"rpc_url"`
	ChainID             int64                  `toml:"chain_id"`
	PrivateKey          string                 `toml:"private_key"`
	EncryptedKeyPath    string                 `toml:"encrypted_key_path"`
	KeyPassword         string                 `toml:"key_password"`
	Protocols           map[string]string      `toml:"protocols"` // venue -> contract address
	Tokens              map[string]TokenConfig `toml:"tokens"`
	GasLimit            uint64                 `toml:"gas_limit"`
	ReceiptPollInterval duration               `toml:"receipt_poll_interval"`
	ReceiptTimeout      duration               `toml:"receipt_timeout"`
	Timeout             duration               `toml:"timeout"`
}

// HasCredentials reports whether an RPC endpoint and a signing key source are
// configured.
func (c OnChainConfig) HasCredentials() bool {
	return c.RPCURL != "" && (c.PrivateKey != "" || c.EncryptedKeyPath != "")
}

// CurvePoolConfig describes a stable-swap pool and the order of its coins.
type CurvePoolConfig struct {
	Address string   `toml:"address"`
	Coins   []string `toml:"coins"`
}

// DEXConfig holds swap router addresses and slippage policy.
type DEXConfig struct {
	UniswapV2Router string                     `toml:"uniswap_v2_router"`
	CurvePools      map[string]CurvePoolConfig `toml:"curve_pools"`
	SlippageBps     float64                    `toml:"slippage_bps"`
	DeadlineSec     int                        `toml:"deadline_sec"`
}

// TransferConfig holds the transfer rail credentials and planner limits.
type TransferConfig struct {
	Rail                string             `toml:"rail"`
	WalletAddress       string             `toml:"wallet_address"`
	PrivateKey          string             `toml:"private_key"`
	DepositAddresses    map[string]string  `toml:"deposit_addresses"` // CEX venue -> deposit address
	MinTransferUSD      float64            `toml:"min_transfer_usd"`
	MaxTransferUSD      float64            `toml:"max_transfer_usd"`
	MaxLTV              float64            `toml:"max_ltv"`
	MinMarginRatio      float64            `toml:"min_margin_ratio"`
	MinStakedReserveUSD float64            `toml:"min_staked_reserve_usd"`
	GasFeeUSD           float64            `toml:"gas_fee_usd"`
	WithdrawalFeeBps    map[string]float64 `toml:"withdrawal_fee_bps"` // CEX venue -> bps
	ConversionFeeBps    float64            `toml:"conversion_fee_bps"`
	StakingAPY          float64            `toml:"staking_apy"`
	UnstakeDurationDays float64            `toml:"unstake_duration_days"`
}

// HasCredentials reports whether the transfer rail can sign.
func (c TransferConfig) HasCredentials() bool {
	return c.WalletAddress != "" && c.PrivateKey != ""
}

// SimulationConfig holds the deterministic fill model used in simulate mode.
type SimulationConfig struct {
	SpotFeeBps        float64            `toml:"spot_fee_bps"`
	PerpFeeBps        float64            `toml:"perp_fee_bps"`
	DEXFeeBps         float64            `toml:"dex_fee_bps"`
	DEXSlippageBps    float64            `toml:"dex_slippage_bps"`
	LendingAPYFloor   float64            `toml:"lending_apy_floor"`
	LendingAPYCeiling float64            `toml:"lending_apy_ceiling"`
	Seed              int64              `toml:"seed"`
	LendingVenues     []string           `toml:"lending_venues"` // venues served by the pure-simulation lending backend
	Tick              duration           `toml:"tick"`
	DataPath          string             `toml:"data_path"`   // market series JSON
	OrdersPath        string             `toml:"orders_path"` // JSON lines, one order per line
	ReportPath        string             `toml:"report_path"` // optional JSON run report
	InitialBalances   map[string]float64 `toml:"initial_balances"`
}

// RebalanceConfig holds emergency remediation parameters.
type RebalanceConfig struct {
	TargetLTV         float64            `toml:"target_ltv"`
	TargetMarginRatio float64            `toml:"target_margin_ratio"`
	TakerFeeBps       float64            `toml:"taker_fee_bps"`
	SwapVenue         string             `toml:"swap_venue"`     // DEX that converts funding capital into a debt token
	SwapCostBps       float64            `toml:"swap_cost_bps"`  // fee plus slippage haircut on that conversion
	DebtYieldAPY      map[string]float64 `toml:"debt_yield_apy"` // token -> annual yield the borrowed capital earns
	DebtCostAPY       map[string]float64 `toml:"debt_cost_apy"`  // token -> annual borrow rate
	CheckInterval     duration           `toml:"check_interval"` // live health polling
	AutoExecute       bool               `toml:"auto_execute"`   // live mode routes remediation plans instead of only alerting
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	ArchiveEvery   duration `toml:"archive_every"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Mode:     "simulate",
		LogLevel: "info",
		Venues: map[string]CEXConfig{
			"binance": {
				BaseURL:         "https://api.binance.com",
				FuturesBaseURL:  "https://fapi.binance.com",
				WSURL:           "wss://stream.binance.com:9443/ws",
				RateLimitPerSec: 10,
				RecvWindowMs:    5000,
				Timeout:         duration{10 * time.Second},
				StreamSymbols:   []string{"BTCUSDT", "ETHUSDT"},
			},
			"bybit": {
				BaseURL:         "https://api.bybit.com",
				RateLimitPerSec: 10,
				RecvWindowMs:    5000,
				Timeout:         duration{10 * time.Second},
			},
		},
		OnChain: OnChainConfig{
			ChainID:  1,
			GasLimit: 600_000,
			Protocols: map[string]string{
				"aave_v3": "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2",
				"lido":    "0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84",
				"etherfi": "0x308861A430be4cce5502d0A12724771Fc6DaF216",
			},
			Tokens: map[string]TokenConfig{
				"USDT":  {Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
				"USDC":  {Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
				"WETH":  {Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
				"stETH": {Address: "0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84", Decimals: 18},
				"weETH": {Address: "0xCd5fE23C85820F7B72D0926FC9b05b43E359b7ee", Decimals: 18},
			},
			ReceiptPollInterval: duration{2 * time.Second},
			ReceiptTimeout:      duration{3 * time.Minute},
			Timeout:             duration{15 * time.Second},
		},
		DEX: DEXConfig{
			UniswapV2Router: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
			CurvePools: map[string]CurvePoolConfig{
				"3pool": {
					Address: "0xbEbc44782C7dB0a1A60Cb6fe97d0b483032FF1C7",
					Coins:   []string{"DAI", "USDC", "USDT"},
				},
			},
			SlippageBps: 50,
			DeadlineSec: 300,
		},
		Transfer: TransferConfig{
			Rail:                "wallet",
			DepositAddresses:    map[string]string{},
			MinTransferUSD:      100,
			MaxTransferUSD:      1_000_000,
			MaxLTV:              0.75,
			MinMarginRatio:      0.2,
			MinStakedReserveUSD: 1_000,
			GasFeeUSD:           15,
			WithdrawalFeeBps:    map[string]float64{"binance": 5, "bybit": 5, "okx": 5},
			ConversionFeeBps:    10,
			StakingAPY:          0.035,
			UnstakeDurationDays: 5,
		},
		Simulation: SimulationConfig{
			SpotFeeBps:        10,
			PerpFeeBps:        5,
			DEXFeeBps:         30,
			DEXSlippageBps:    50,
			LendingAPYFloor:   0.01,
			LendingAPYCeiling: 0.15,
			Seed:              42,
			LendingVenues:     []string{"morpho"},
			Tick:              duration{time.Hour},
		},
		Rebalance: RebalanceConfig{
			TargetLTV:         0.6,
			TargetMarginRatio: 0.3,
			TakerFeeBps:       5,
			SwapVenue:         "uniswap_v2",
			SwapCostBps:       80,
			DebtYieldAPY:      map[string]float64{"WETH": 0.035, "USDT": 0.06},
			DebtCostAPY:       map[string]float64{"WETH": 0.025, "USDT": 0.055},
			CheckInterval:     duration{time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "venuerouter",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "venuerouter-data",
			ForcePathStyle: true,
			ArchiveEvery:   duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"emergency", "transfer_stranded", "error"},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"simulate": true,
	"live":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// IsLive reports whether the process executes against real venues.
func (c *Config) IsLive() bool {
	return strings.EqualFold(c.Mode, "live")
}

// VenueNames returns the configured CEX venue names, sorted.
func (c *Config) VenueNames() []string {
	names := make([]string, 0, len(c.Venues))
	for name := range c.Venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: simulate, live)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venues: key and secret travel together.
	for _, name := range c.VenueNames() {
		v := c.Venues[name]
		if (v.APIKey != "") != (v.APISecret != "") {
			errs = append(errs, fmt.Sprintf("venues.%s: api_key and api_secret must be set together", name))
		}
		if v.RateLimitPerSec < 0 {
			errs = append(errs, fmt.Sprintf("venues.%s: rate_limit_per_sec must be >= 0", name))
		}
		if c.IsLive() && v.HasCredentials() && v.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("venues.%s: base_url must not be empty", name))
		}
	}

	// On-chain
	if c.OnChain.EncryptedKeyPath != "" && c.OnChain.KeyPassword == "" {
		errs = append(errs, "onchain: key_password is required when encrypted_key_path is set")
	}
	if c.IsLive() && c.OnChain.HasCredentials() && c.OnChain.ChainID <= 0 {
		errs = append(errs, "onchain: chain_id must be positive")
	}
	for sym, tok := range c.OnChain.Tokens {
		if tok.Decimals < 0 || tok.Decimals > 36 {
			errs = append(errs, fmt.Sprintf("onchain.tokens.%s: decimals must be 0-36, got %d", sym, tok.Decimals))
		}
	}

	// DEX
	if c.DEX.SlippageBps < 0 || c.DEX.SlippageBps >= 10_000 {
		errs = append(errs, "dex: slippage_bps must be in [0, 10000)")
	}

	// Transfer planner limits
	t := c.Transfer
	if t.Rail == "" {
		errs = append(errs, "transfer: rail must not be empty")
	}
	if t.MinTransferUSD < 0 {
		errs = append(errs, "transfer: min_transfer_usd must be >= 0")
	}
	if t.MaxTransferUSD <= t.MinTransferUSD {
		errs = append(errs, "transfer: max_transfer_usd must exceed min_transfer_usd")
	}
	if t.MaxLTV <= 0 || t.MaxLTV >= 1 {
		errs = append(errs, fmt.Sprintf("transfer: max_ltv must be in (0, 1), got %v", t.MaxLTV))
	}
	if t.MinMarginRatio < 0 {
		errs = append(errs, "transfer: min_margin_ratio must be >= 0")
	}
	if t.MinStakedReserveUSD < 0 {
		errs = append(errs, "transfer: min_staked_reserve_usd must be >= 0")
	}

	// Simulation
	s := c.Simulation
	if s.LendingAPYFloor > s.LendingAPYCeiling {
		errs = append(errs, "simulation: lending_apy_floor must not exceed lending_apy_ceiling")
	}
	if s.DEXSlippageBps < 0 || s.DEXSlippageBps >= 10_000 {
		errs = append(errs, "simulation: dex_slippage_bps must be in [0, 10000)")
	}

	// Rebalance
	if c.Rebalance.TargetLTV <= 0 || c.Rebalance.TargetLTV >= t.MaxLTV {
		errs = append(errs, "rebalance: target_ltv must be positive and below transfer.max_ltv")
	}
	if c.Rebalance.TargetMarginRatio <= t.MinMarginRatio {
		errs = append(errs, "rebalance: target_margin_ratio must be above transfer.min_margin_ratio")
	}
	if c.Rebalance.TakerFeeBps < 0 {
		errs = append(errs, "rebalance: taker_fee_bps must not be negative")
	}
	if c.Rebalance.SwapCostBps < 0 || c.Rebalance.SwapCostBps >= 10_000 {
		errs = append(errs, "rebalance: swap_cost_bps must be in [0, 10000)")
	}
	if strings.TrimSpace(c.Rebalance.SwapVenue) == "" {
		errs = append(errs, "rebalance: swap_venue must not be empty")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
