package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/Todd838/Coin-Insights/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Data        DataConfig        `mapstructure:"data"`
	Coinbase    CoinbaseConfig    `mapstructure:"coinbase"`
	Analytics   AnalyticsConfig   `mapstructure:"analytics"`
	CoinGecko   CoinGeckoConfig   `mapstructure:"coingecko"`
	DexScreener DexScreenerConfig `mapstructure:"dexscreener"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig covers the two inbound listeners: the browser-facing
// WebSocket push server and the REST control API.
type ServerConfig struct {
	WSPort   int `mapstructure:"ws_port"`
	HTTPPort int `mapstructure:"http_port"`
}

// DataConfig locates the JSON document tree.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// CoinbaseConfig parameterises the live market-data feed.
type CoinbaseConfig struct {
	WSURL            string        `mapstructure:"ws_url"`
	Products         []string      `mapstructure:"products"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`
}

// AnalyticsConfig parameterises the outbound link to the signal engine.
type AnalyticsConfig struct {
	URL            string        `mapstructure:"url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	AutoPromote    bool          `mapstructure:"auto_promote"`
}

// CoinGeckoConfig governs the CoinGecko markets poller.
type CoinGeckoConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	APIKey             string        `mapstructure:"api_key"`
	Interval           time.Duration `mapstructure:"interval"`
	Pages              int           `mapstructure:"pages"`
	PerPage            int           `mapstructure:"per_page"`
	PageDelay          time.Duration `mapstructure:"page_delay"`
	ChangeThresholdPct float64       `mapstructure:"change_threshold_pct"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

// DexScreenerConfig governs the DexScreener search poller.
type DexScreenerConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Interval           time.Duration `mapstructure:"interval"`
	RequestDelay       time.Duration `mapstructure:"request_delay"`
	MinLiquidityUSD    float64       `mapstructure:"min_liquidity_usd"`
	ChangeThresholdPct float64       `mapstructure:"change_threshold_pct"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

// DiscoveryConfig bundles the new-listing detectors.
type DiscoveryConfig struct {
	Binance  ListingDetectorConfig `mapstructure:"binance"`
	Coinbase ListingDetectorConfig `mapstructure:"coinbase"`
	OnChain  OnChainConfig         `mapstructure:"onchain"`
}

// ListingDetectorConfig covers one exchange listings poller.
type ListingDetectorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	Interval       time.Duration `mapstructure:"interval"`
	AutoAdd        bool          `mapstructure:"auto_add"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OnChainConfig covers the Uniswap pair-creation watcher.
type OnChainConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RPCURL         string        `mapstructure:"rpc_url"`
	FactoryAddress string        `mapstructure:"factory_address"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxBlockSpan   int64         `mapstructure:"max_block_span"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig encapsulates the optional PostgreSQL archive.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// AlertingConfig defines outbound alert notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Levels   []string       `mapstructure:"levels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COININSIGHTS")
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
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "coininsights")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.ws_port", 3001)
	v.SetDefault("server.http_port", 3003)

	v.SetDefault("data.dir", "data")

	v.SetDefault("coinbase.ws_url", "wss://advanced-trade-ws.coinbase.com")
	v.SetDefault("coinbase.products", []string{"BTC-USD", "ETH-USD", "SOL-USD", "XRP-USD", "DOGE-USD"})
	v.SetDefault("coinbase.reconnect_delay", "5s")
	v.SetDefault("coinbase.subscribe_timeout", "5s")

	v.SetDefault("analytics.url", "ws://localhost:3002/ws")
	v.SetDefault("analytics.reconnect_delay", "2s")
	v.SetDefault("analytics.auto_promote", true)

	v.SetDefault("coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("coingecko.interval", "30s")
	v.SetDefault("coingecko.pages", 4)
	v.SetDefault("coingecko.per_page", 250)
	v.SetDefault("coingecko.page_delay", "1s")
	v.SetDefault("coingecko.change_threshold_pct", 0.01)
	v.SetDefault("coingecko.request_timeout", "10s")

	v.SetDefault("dexscreener.base_url", "https://api.dexscreener.com")
	v.SetDefault("dexscreener.interval", "30s")
	v.SetDefault("dexscreener.request_delay", "300ms")
	v.SetDefault("dexscreener.min_liquidity_usd", 1000.0)
	v.SetDefault("dexscreener.change_threshold_pct", 0.01)
	v.SetDefault("dexscreener.request_timeout", "10s")

	v.SetDefault("discovery.binance.enabled", true)
	v.SetDefault("discovery.binance.base_url", "https://api.binance.com")
	v.SetDefault("discovery.binance.interval", "5m")
	v.SetDefault("discovery.binance.auto_add", false)
	v.SetDefault("discovery.binance.request_timeout", "15s")
	v.SetDefault("discovery.coinbase.enabled", true)
	v.SetDefault("discovery.coinbase.base_url", "https://api.coinbase.com")
	v.SetDefault("discovery.coinbase.interval", "5m")
	v.SetDefault("discovery.coinbase.auto_add", false)
	v.SetDefault("discovery.coinbase.request_timeout", "15s")
	v.SetDefault("discovery.onchain.enabled", false)
	v.SetDefault("discovery.onchain.factory_address", "0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	v.SetDefault("discovery.onchain.interval", "1m")
	v.SetDefault("discovery.onchain.max_block_span", 2000)
	v.SetDefault("discovery.onchain.request_timeout", "15s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.levels", []string{"EXPLOSIVE", "HOT"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Server.WSPort <= 0 || c.Server.WSPort > 65535 {
		return fmt.Errorf("server.ws_port must be a valid port")
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be a valid port")
	}
	if c.Server.WSPort == c.Server.HTTPPort {
		return fmt.Errorf("server.ws_port and server.http_port must differ")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir must not be empty")
	}
	if c.Coinbase.WSURL == "" {
		return fmt.Errorf("coinbase.ws_url must not be empty")
	}
	if c.Coinbase.ReconnectDelay <= 0 {
		return fmt.Errorf("coinbase.reconnect_delay must be greater than zero")
	}
	if c.Analytics.ReconnectDelay <= 0 {
		return fmt.Errorf("analytics.reconnect_delay must be greater than zero")
	}
	if c.CoinGecko.Interval < 0 || c.DexScreener.Interval < 0 {
		return fmt.Errorf("poller intervals must not be negative (zero disables a poller)")
	}
	if c.Discovery.Binance.Enabled && c.Discovery.Binance.Interval <= 0 {
		return fmt.Errorf("discovery.binance.interval must be greater than zero when enabled")
	}
	if c.Discovery.Coinbase.Enabled && c.Discovery.Coinbase.Interval <= 0 {
		return fmt.Errorf("discovery.coinbase.interval must be greater than zero when enabled")
	}
	if c.Discovery.OnChain.Enabled && c.Discovery.OnChain.Interval <= 0 {
		return fmt.Errorf("discovery.onchain.interval must be greater than zero when enabled")
	}
	if c.CoinGecko.Pages <= 0 || c.CoinGecko.PerPage <= 0 {
		return fmt.Errorf("coingecko.pages and coingecko.per_page must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Discovery.OnChain.Enabled && c.Discovery.OnChain.RPCURL == "" {
		return fmt.Errorf("discovery.onchain.rpc_url 必须配置")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
