package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"liqguard/internal/domain"
	"liqguard/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata and the monitored assets.
type AppConfig struct {
	Name        string   `mapstructure:"name"`
	Environment string   `mapstructure:"environment"`
	Assets      []string `mapstructure:"assets"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps
// policies in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig backs the payout idempotency ledger. An empty Addr keeps the
// ledger in memory.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	ClaimTTL  time.Duration `mapstructure:"claim_ttl"`
}

// SchedulerConfig governs monitor cadence.
type SchedulerConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
	AdvisoryLockKey     int64         `mapstructure:"advisory_lock_key"`
	StartupDelay        time.Duration `mapstructure:"startup_delay"`
}

// OracleConfig covers price sources.
type OracleConfig struct {
	MaxAge    time.Duration     `mapstructure:"max_age"`
	FeedIDs   map[string]string `mapstructure:"feed_ids"`
	Hermes    HermesConfig      `mapstructure:"hermes"`
	Stream    StreamConfig      `mapstructure:"stream"`
	Chainlink ChainlinkConfig   `mapstructure:"chainlink"`
	Breaker   BreakerConfig     `mapstructure:"breaker"`
}

// HermesConfig is the Pyth Hermes REST source.
type HermesConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
}

// StreamConfig is the Pyth Hermes websocket stream.
type StreamConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
}

// ChainlinkConfig selects Chainlink aggregators as the pull source instead of
// Hermes.
type ChainlinkConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	RPCURL         string            `mapstructure:"rpc_url"`
	Aggregators    map[string]string `mapstructure:"aggregators"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// BreakerConfig tunes the circuit breaker around the pull source.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	Interval            time.Duration `mapstructure:"interval"`
}

// PricingConfig holds premium parameters.
type PricingConfig struct {
	VigRate      float64                `mapstructure:"vig_rate"`
	DefaultTenor time.Duration          `mapstructure:"default_tenor"`
	StrikeRatio  float64                `mapstructure:"strike_ratio"`
	Assets       map[string]AssetPrices `mapstructure:"assets"`
}

// AssetPrices are per-asset market defaults.
type AssetPrices struct {
	Volatility   float64 `mapstructure:"volatility"`
	// nil means unset; an explicit 0 is a valid rate.
	RiskFreeRate *float64 `mapstructure:"risk_free_rate"`
}

// SettlementConfig picks and tunes the payout executor.
type SettlementConfig struct {
	Mode          string        `mapstructure:"mode"`
	PayoutTimeout time.Duration `mapstructure:"payout_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Workers       int           `mapstructure:"workers"`
	ConfirmAfter  time.Duration `mapstructure:"confirm_after"`
	EVM           EVMConfig     `mapstructure:"evm"`
}

// EVMConfig is the on-chain ERC-20 payout account.
type EVMConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	PrivateKey     string        `mapstructure:"private_key"`
	TokenAddress   string        `mapstructure:"token_address"`
	TokenDecimals  uint8         `mapstructure:"token_decimals"`
	GasLimit       uint64        `mapstructure:"gas_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

const (
	SettlementSimulated = "simulated"
	SettlementEVM       = "evm"
)

// AlertingConfig defines event routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram bot parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
	ChartWidth    int `mapstructure:"chart_width"`
	ChartHeight   int `mapstructure:"chart_height"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LIQGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "liqguard")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.assets", []string{"BTC", "ETH", "SOL"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "liqguard:payout:")
	v.SetDefault("redis.claim_ttl", "10m")

	v.SetDefault("scheduler.interval", "5s")
	v.SetDefault("scheduler.expiry_sweep_interval", "1m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c716764))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("oracle.max_age", "60s")
	v.SetDefault("oracle.hermes.base_url", "https://hermes.pyth.network")
	v.SetDefault("oracle.hermes.request_timeout", "10s")
	v.SetDefault("oracle.hermes.user_agent", "liqguard/1.0")
	v.SetDefault("oracle.hermes.requests_per_sec", 5.0)
	v.SetDefault("oracle.stream.enabled", false)
	v.SetDefault("oracle.stream.url", "wss://hermes.pyth.network/ws")
	v.SetDefault("oracle.stream.handshake_timeout", "10s")
	v.SetDefault("oracle.stream.reconnect_delay", "5s")
	v.SetDefault("oracle.chainlink.enabled", false)
	v.SetDefault("oracle.chainlink.request_timeout", "10s")
	v.SetDefault("oracle.breaker.consecutive_failures", 3)
	v.SetDefault("oracle.breaker.open_timeout", "30s")
	v.SetDefault("oracle.breaker.interval", "1m")

	v.SetDefault("pricing.vig_rate", 0.20)
	v.SetDefault("pricing.default_tenor", "720h")
	v.SetDefault("pricing.strike_ratio", 0.9)

	v.SetDefault("settlement.mode", SettlementSimulated)
	v.SetDefault("settlement.payout_timeout", "2m")
	v.SetDefault("settlement.poll_interval", "2s")
	v.SetDefault("settlement.workers", 4)
	v.SetDefault("settlement.confirm_after", "0s")
	v.SetDefault("settlement.evm.token_decimals", 6)
	v.SetDefault("settlement.evm.request_timeout", "15s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.chart_width", 1280)
	v.SetDefault("export.chart_height", 720)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := c.MonitoredAssets(); err != nil {
		return err
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.ExpirySweepInterval <= 0 {
		return fmt.Errorf("scheduler.expiry_sweep_interval must be greater than zero")
	}
	if c.Oracle.MaxAge <= 0 {
		return fmt.Errorf("oracle.max_age must be greater than zero")
	}
	if c.Oracle.Chainlink.Enabled && c.Oracle.Chainlink.RPCURL == "" {
		return fmt.Errorf("oracle.chainlink.rpc_url is required when chainlink is enabled")
	}
	for key := range c.Oracle.FeedIDs {
		if _, err := domain.ParseAsset(key); err != nil {
			return fmt.Errorf("oracle.feed_ids: %w", err)
		}
	}
	if c.Pricing.VigRate < 0 {
		return fmt.Errorf("pricing.vig_rate cannot be negative")
	}
	if c.Pricing.StrikeRatio <= 0 || c.Pricing.StrikeRatio >= 1 {
		return fmt.Errorf("pricing.strike_ratio must be between 0 and 1")
	}
	for key, p := range c.Pricing.Assets {
		if _, err := domain.ParseAsset(key); err != nil {
			return fmt.Errorf("pricing.assets: %w", err)
		}
		if p.Volatility < 0 {
			return fmt.Errorf("pricing.assets.%s.volatility cannot be negative", key)
		}
	}
	if c.Settlement.PayoutTimeout <= 0 {
		return fmt.Errorf("settlement.payout_timeout must be greater than zero")
	}
	switch c.Settlement.Mode {
	case SettlementSimulated:
	case SettlementEVM:
		evm := c.Settlement.EVM
		if evm.RPCURL == "" || evm.PrivateKey == "" || evm.TokenAddress == "" || evm.ChainID <= 0 {
			return fmt.Errorf("settlement.evm requires rpc_url, private_key, token_address and chain_id")
		}
	default:
		return fmt.Errorf("settlement.mode must be %q or %q, got %q", SettlementSimulated, SettlementEVM, c.Settlement.Mode)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// MonitoredAssets parses app.assets, rejecting unknown symbols and duplicates.
func (c *Config) MonitoredAssets() ([]domain.Asset, error) {
	if len(c.App.Assets) == 0 {
		return nil, fmt.Errorf("app.assets must list at least one asset")
	}
	seen := make(map[domain.Asset]bool, len(c.App.Assets))
	out := make([]domain.Asset, 0, len(c.App.Assets))
	for _, raw := range c.App.Assets {
		asset, err := domain.ParseAsset(raw)
		if err != nil {
			return nil, fmt.Errorf("app.assets: %w", err)
		}
		if seen[asset] {
			return nil, fmt.Errorf("app.assets: %s listed twice", asset)
		}
		seen[asset] = true
		out = append(out, asset)
	}
	return out, nil
}

// FeedIDOverrides returns oracle.feed_ids keyed by asset.
func (c *Config) FeedIDOverrides() map[domain.Asset]string {
	return assetKeyed(c.Oracle.FeedIDs)
}

// AggregatorAddresses returns oracle.chainlink.aggregators keyed by asset.
func (c *Config) AggregatorAddresses() map[domain.Asset]string {
	return assetKeyed(c.Oracle.Chainlink.Aggregators)
}

func assetKeyed(in map[string]string) map[domain.Asset]string {
	out := make(map[domain.Asset]string, len(in))
	for k, v := range in {
		if asset, err := domain.ParseAsset(k); err == nil {
			out[asset] = v
		}
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
