package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"crypto-revenue-analyzer/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. REVANALYZER_DATABASE_DSN.
const EnvPrefix = "REVANALYZER"

// Config materialises application configuration.
type Config struct {
	App       AppConfig         `mapstructure:"app"`
	Logging   logging.Config    `mapstructure:"logging"`
	Database  DatabaseConfig    `mapstructure:"database"`
	Redis     RedisConfig       `mapstructure:"redis"`
	SQLite    SQLiteConfig      `mapstructure:"sqlite"`
	Scheduler SchedulerConfig   `mapstructure:"scheduler"`
	Pipeline  PipelineConfig    `mapstructure:"pipeline"`
	Sources   SourcesConfig     `mapstructure:"sources"`
	Alerting  AlertingConfig    `mapstructure:"alerting"`
	Report    ReportConfig      `mapstructure:"report"`
	Server    ServerConfig      `mapstructure:"server"`
	Assets    map[string]string `mapstructure:"assets"`
	Protocols []ProtocolConfig  `mapstructure:"protocols"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables the shared HTTP response cache.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	Password string        `mapstructure:"password"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SQLiteConfig locates the raw observation cache.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig governs watch mode cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	LookbackDays    int           `mapstructure:"lookback_days"`
	Retention       time.Duration `mapstructure:"retention"`
}

// PipelineConfig tunes the collection and scoring stages.
type PipelineConfig struct {
	Workers            int      `mapstructure:"workers"`
	PriceToleranceDays int      `mapstructure:"price_tolerance_days"`
	MinCounterparties  int      `mapstructure:"min_counterparties"`
	Periods            []string `mapstructure:"periods"`
}

// SourcesConfig groups upstream client settings.
type SourcesConfig struct {
	DeFiLlama  DeFiLlamaConfig  `mapstructure:"defillama"`
	CoinGecko  CoinGeckoConfig  `mapstructure:"coingecko"`
	Etherscan  EtherscanConfig  `mapstructure:"etherscan"`
	Blockchair BlockchairConfig `mapstructure:"blockchair"`
	OnChain    OnChainConfig    `mapstructure:"onchain"`
	Dune       DuneConfig       `mapstructure:"dune"`
}

// DeFiLlamaConfig configures the fee feed.
type DeFiLlamaConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// CoinGeckoConfig configures price and market cap history.
type CoinGeckoConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Pro       bool          `mapstructure:"pro"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// EtherscanConfig configures the explorer client.
type EtherscanConfig struct {
	BaseURL    string           `mapstructure:"base_url"`
	APIKey     string           `mapstructure:"api_key"`
	PageSize   int              `mapstructure:"page_size"`
	Timeout    time.Duration    `mapstructure:"timeout"`
	RetryCount int              `mapstructure:"retry_count"`
	RetryWait  time.Duration    `mapstructure:"retry_wait"`
	ChainIDs   map[string]int64 `mapstructure:"chain_ids"`
}

// BlockchairConfig configures the Blockchair transactions client. Chains maps chain names onto Blockchair
// paths and overrides the built-in table.
type BlockchairConfig struct {
	BaseURL    string            `mapstructure:"base_url"`
	APIKey     string            `mapstructure:"api_key"`
	PageSize   int               `mapstructure:"page_size"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	RetryCount int               `mapstructure:"retry_count"`
	RetryWait  time.Duration     `mapstructure:"retry_wait"`
	Chains     map[string]string `mapstructure:"chains"`
}

// OnChainConfig configures the RPC log scanner.
type OnChainConfig struct {
	RPCURLs    map[string]string `mapstructure:"rpc_urls"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	BlockChunk uint64            `mapstructure:"block_chunk"`
}

// DuneConfig configures the query results client.
type DuneConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	PageSize   int           `mapstructure:"page_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	RetryWait  time.Duration `mapstructure:"retry_wait"`
}

// AlertingConfig routes run digests.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	Channels     []string       `mapstructure:"channels"`
	OnlyOnIssues bool           `mapstructure:"only_on_issues"`
	DigestTop    int            `mapstructure:"digest_top"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 推送参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ReportConfig selects output formats.
type ReportConfig struct {
	Dir         string   `mapstructure:"dir"`
	Formats     []string `mapstructure:"formats"`
	AnnualBasis string   `mapstructure:"annual_basis"`
}

// ServerConfig controls the HTTP endpoint in watch mode.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ProtocolConfig is one row of the protocol table.
type ProtocolConfig struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Sector      string   `mapstructure:"sector"`
	TokenType   string   `mapstructure:"token_type"`
	CoinGeckoID string   `mapstructure:"coingecko_id"`
	Chains      []string `mapstructure:"chains"`
	// DefaultCategory applies to rows without a category hint: fee or revenue.
	DefaultCategory string            `mapstructure:"default_category"`
	AssetAliases    map[string]string `mapstructure:"asset_aliases"`
	Revenue         RevenueRuleConfig `mapstructure:"revenue"`
	Sources         []SourceConfig    `mapstructure:"sources"`
}

// RevenueRuleConfig is the data-driven revenue rule of a protocol.
type RevenueRuleConfig struct {
	Kind                 string            `mapstructure:"kind"`
	Share                *float64          `mapstructure:"share"`
	FeeTypes             []string          `mapstructure:"fee_types"`
	IncentivizedFeeTypes []string          `mapstructure:"incentivized_fee_types"`
	CategoryMap          map[string]string `mapstructure:"category_map"`
}

// SourceConfig binds a protocol to one upstream on one chain.
type SourceConfig struct {
	Source    string            `mapstructure:"source"`
	Chain     string            `mapstructure:"chain"`
	Slug      string            `mapstructure:"slug"`
	DataTypes []string          `mapstructure:"data_types"`
	Address   string            `mapstructure:"address"`
	Token     string            `mapstructure:"token"`
	Decimals  int32             `mapstructure:"decimals"`
	Symbol    string            `mapstructure:"symbol"`
	QueryID   int               `mapstructure:"query_id"`
	Columns   map[string]string `mapstructure:"columns"`
	Category  string            `mapstructure:"category"`
	FeeType   string            `mapstructure:"fee_type"`
}

var knownSources = map[string]bool{
	"defillama":  true,
	"etherscan":  true,
	"blockchair": true,
	"onchain":    true,
	"dune":       true,
}

var knownPeriods = map[string]bool{
	"day": true, "daily": true,
	"month": true, "monthly": true,
	"quarter": true, "quarterly": true,
	"year": true, "yearly": true, "annual": true,
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	cfg.normalize()

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
	v.SetDefault("app.name", "revanalyzer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")

	// Empty defaults make secrets overridable from the environment.
	for _, key := range []string{
		"database.dsn", "redis.url", "redis.password",
		"sources.coingecko.api_key", "sources.etherscan.api_key", "sources.blockchair.api_key", "sources.dune.api_key",
		"alerting.telegram.bot_token", "alerting.telegram.chat_id",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.ttl", "6h")

	v.SetDefault("sqlite.path", "data/observations.db")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x72657661))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", true)
	v.SetDefault("scheduler.lookback_days", 365)
	v.SetDefault("scheduler.retention", "0s")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.price_tolerance_days", 1)
	v.SetDefault("pipeline.min_counterparties", 0)
	v.SetDefault("pipeline.periods", []string{"day", "month", "quarter", "year"})

	v.SetDefault("sources.defillama.base_url", "https://api.llama.fi")
	v.SetDefault("sources.defillama.timeout", "30s")
	v.SetDefault("sources.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("sources.coingecko.timeout", "30s")
	v.SetDefault("sources.etherscan.base_url", "https://api.etherscan.io/v2/api")
	v.SetDefault("sources.etherscan.page_size", 1000)
	v.SetDefault("sources.etherscan.timeout", "30s")
	v.SetDefault("sources.etherscan.retry_count", 3)
	v.SetDefault("sources.etherscan.retry_wait", "1s")
	v.SetDefault("sources.blockchair.base_url", "https://api.blockchair.com")
	v.SetDefault("sources.blockchair.page_size", 100)
	v.SetDefault("sources.blockchair.timeout", "30s")
	v.SetDefault("sources.blockchair.retry_count", 3)
	v.SetDefault("sources.blockchair.retry_wait", "2s")
	v.SetDefault("sources.onchain.timeout", "30s")
	v.SetDefault("sources.onchain.block_chunk", 5000)
	v.SetDefault("sources.dune.base_url", "https://api.dune.com/api/v1")
	v.SetDefault("sources.dune.page_size", 1000)
	v.SetDefault("sources.dune.timeout", "60s")
	v.SetDefault("sources.dune.retry_count", 3)
	v.SetDefault("sources.dune.retry_wait", "2s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.digest_top", 10)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("report.dir", "reports")
	v.SetDefault("report.formats", []string{"csv", "xlsx", "png"})
	v.SetDefault("report.annual_basis", "derived")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":9102")
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

// normalize fixes key case where viper's lowercasing is inconsistent and trims identifiers.
func (c *Config) normalize() {
	c.Assets = upperKeys(c.Assets)
	for i := range c.Protocols {
		p := &c.Protocols[i]
		p.ID = strings.TrimSpace(p.ID)
		p.AssetAliases = upperKeys(p.AssetAliases)
		if len(p.Revenue.CategoryMap) > 0 {
			m := make(map[string]string, len(p.Revenue.CategoryMap))
			for k, q := range p.Revenue.CategoryMap {
				m[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(q))
			}
			p.Revenue.CategoryMap = m
		}
		for j := range p.Sources {
			s := &p.Sources[j]
			s.Source = strings.ToLower(strings.TrimSpace(s.Source))
			s.Chain = strings.ToLower(strings.TrimSpace(s.Chain))
		}
	}
}

func upperKeys(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

// Validate performs sanity checks on the configuration values. Revenue rules are checked per protocol by the
// pipeline so that one bad rule only drops its protocol.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.LookbackDays <= 0 {
		return fmt.Errorf("scheduler.lookback_days must be greater than zero")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers cannot be negative")
	}
	if c.Pipeline.PriceToleranceDays < 0 {
		return fmt.Errorf("pipeline.price_tolerance_days cannot be negative")
	}
	if c.Pipeline.MinCounterparties < 0 {
		return fmt.Errorf("pipeline.min_counterparties cannot be negative")
	}
	for _, p := range c.Pipeline.Periods {
		if !knownPeriods[strings.ToLower(strings.TrimSpace(p))] {
			return fmt.Errorf("pipeline.periods: unknown period %q", p)
		}
	}
	switch strings.ToLower(c.Report.AnnualBasis) {
	case "", "derived", "reported", "annualized":
	default:
		return fmt.Errorf("report.annual_basis must be derived, reported or annualized, got %q", c.Report.AnnualBasis)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when server.enabled")
	}

	seen := make(map[string]bool, len(c.Protocols))
	for i, p := range c.Protocols {
		if p.ID == "" {
			return fmt.Errorf("protocols[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("protocols: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		for j, s := range p.Sources {
			if !knownSources[s.Source] {
				return fmt.Errorf("protocols[%s].sources[%d]: unknown source %q", p.ID, j, s.Source)
			}
		}
	}
	return nil
}

// Protocol looks up a protocol row by id.
func (c *Config) Protocol(id string) (ProtocolConfig, bool) {
	for _, p := range c.Protocols {
		if p.ID == id {
			return p, true
		}
	}
	return ProtocolConfig{}, false
}
