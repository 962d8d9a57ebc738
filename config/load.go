package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/risk"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string          `yaml:"env"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Leader    AccountConfig   `yaml:"leader"`
	Follower  AccountConfig   `yaml:"follower"`
	Risk      RiskConfig      `yaml:"risk"`
	Dust      DustConfig      `yaml:"dust"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Market    MarketConfig    `yaml:"market"`
	Stream    StreamConfig    `yaml:"stream"`
	Log       logger.Config   `yaml:"log"`
	Admin     AdminConfig     `yaml:"admin"`
	Journal   JournalConfig   `yaml:"journal"`
	Alert     AlertConfig     `yaml:"alert"`
}

type ExchangeConfig struct {
	RestURL   string  `yaml:"restURL"`
	WsURL     string  `yaml:"wsURL"`
	Mainnet   bool    `yaml:"mainnet"`
	RestRate  float64 `yaml:"restRate"`  // 每秒请求数
	RestBurst int     `yaml:"restBurst"` // 令牌桶容量
	// 连续整批失败达到阈值后暂停提交 breakerCooldownMs
	BreakerThreshold  int `yaml:"breakerThreshold"`
	BreakerCooldownMs int `yaml:"breakerCooldownMs"`
	// 私钥只从环境变量读取
	PrivateKey string `yaml:"-"`
}

func (e ExchangeConfig) BreakerCooldown() time.Duration { return ms(e.BreakerCooldownMs) }

// AccountConfig 领跑/跟随账户。
type AccountConfig struct {
	Address      string `yaml:"address"`
	Stream       *bool  `yaml:"stream"`       // 是否订阅成交流，默认开启
	VaultAddress string `yaml:"vaultAddress"` // 仅跟随账户：以金库身份下单
}

// StreamEnabled 未配置时默认订阅。
func (a AccountConfig) StreamEnabled() bool {
	return a.Stream == nil || *a.Stream
}

type RiskConfig struct {
	CopyRatio      float64 `yaml:"copyRatio"`
	MaxLeverage    float64 `yaml:"maxLeverage"`
	MaxNotionalUSD float64 `yaml:"maxNotionalUSD"`
	MaxSlippageBps int     `yaml:"maxSlippageBps"`
}

// Limits 转换为风控参数。
func (r RiskConfig) Limits() risk.Config {
	return risk.Config{
		CopyRatio:      r.CopyRatio,
		MaxLeverage:    r.MaxLeverage,
		MaxNotionalUSD: r.MaxNotionalUSD,
		MaxSlippageBps: r.MaxSlippageBps,
	}
}

type DustConfig struct {
	PositionSize float64 `yaml:"positionSize"` // 视为无仓位的阈值
	DeltaSize    float64 `yaml:"deltaSize"`    // 低于该修正量不下单
}

type ReconcileConfig struct {
	IntervalMs      int `yaml:"intervalMs"`
	SnapshotGraceMs int `yaml:"snapshotGraceMs"`
}

func (r ReconcileConfig) Interval() time.Duration { return ms(r.IntervalMs) }
func (r ReconcileConfig) Grace() time.Duration    { return ms(r.SnapshotGraceMs) }

type MarketConfig struct {
	MarkPriceRefreshMs int `yaml:"markPriceRefreshMs"`
}

func (m MarketConfig) MarkPriceRefresh() time.Duration { return ms(m.MarkPriceRefreshMs) }

type StreamConfig struct {
	PingIntervalMs int     `yaml:"pingIntervalMs"`
	BackoffMinMs   int     `yaml:"backoffMinMs"`
	BackoffMaxMs   int     `yaml:"backoffMaxMs"`
	BackoffFactor  float64 `yaml:"backoffFactor"`
	BackoffJitter  float64 `yaml:"backoffJitter"`
}

func (s StreamConfig) PingInterval() time.Duration { return ms(s.PingIntervalMs) }
func (s StreamConfig) BackoffMin() time.Duration   { return ms(s.BackoffMinMs) }
func (s StreamConfig) BackoffMax() time.Duration   { return ms(s.BackoffMaxMs) }

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

type JournalConfig struct {
	PostgresDSN string `yaml:"postgresDSN"`
}

type AlertConfig struct {
	WebhookURL string `yaml:"webhookURL"` // 为空时只写日志
	ThrottleMs int    `yaml:"throttleMs"` // 同类告警最小间隔
}

func (a AlertConfig) Throttle() time.Duration { return ms(a.ThrottleMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Default 返回仅含默认值的配置。
func Default() AppConfig {
	var cfg AppConfig
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Exchange.RestURL == "" {
		cfg.Exchange.RestURL = "https://api.hyperliquid.xyz"
		if !cfg.Exchange.Mainnet {
			cfg.Exchange.RestURL = "https://api.hyperliquid-testnet.xyz"
		}
	}
	if cfg.Exchange.WsURL == "" {
		cfg.Exchange.WsURL = "wss://api.hyperliquid.xyz/ws"
		if !cfg.Exchange.Mainnet {
			cfg.Exchange.WsURL = "wss://api.hyperliquid-testnet.xyz/ws"
		}
	}
	if cfg.Exchange.RestRate == 0 {
		cfg.Exchange.RestRate = 10
	}
	if cfg.Exchange.RestBurst == 0 {
		cfg.Exchange.RestBurst = 20
	}
	if cfg.Exchange.BreakerThreshold == 0 {
		cfg.Exchange.BreakerThreshold = 5
	}
	if cfg.Exchange.BreakerCooldownMs == 0 {
		cfg.Exchange.BreakerCooldownMs = 30_000
	}
	if cfg.Dust.PositionSize == 0 {
		cfg.Dust.PositionSize = 1e-9
	}
	if cfg.Dust.DeltaSize == 0 {
		cfg.Dust.DeltaSize = 1e-6
	}
	if cfg.Reconcile.IntervalMs == 0 {
		cfg.Reconcile.IntervalMs = 15_000
	}
	if cfg.Market.MarkPriceRefreshMs == 0 {
		cfg.Market.MarkPriceRefreshMs = 5_000
	}
	if cfg.Stream.PingIntervalMs == 0 {
		cfg.Stream.PingIntervalMs = 30_000
	}
	if cfg.Stream.BackoffMinMs == 0 {
		cfg.Stream.BackoffMinMs = 250
	}
	if cfg.Stream.BackoffMaxMs == 0 {
		cfg.Stream.BackoffMaxMs = 30_000
	}
	if cfg.Stream.BackoffFactor == 0 {
		cfg.Stream.BackoffFactor = 2
	}
	if cfg.Stream.BackoffJitter == 0 {
		cfg.Stream.BackoffJitter = 0.2
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if len(cfg.Log.Outputs) == 0 {
		cfg.Log.Outputs = []string{"stdout"}
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":9100"
	}
	if cfg.Alert.ThrottleMs == 0 {
		cfg.Alert.ThrottleMs = 300_000
	}
}

func parse(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// Load reads YAML config from path, fills defaults and validates.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("HL_PRIVATE_KEY"); v != "" {
		cfg.Exchange.PrivateKey = v
	}
	if v := os.Getenv("CT_PRIVATE_KEY"); v != "" {
		cfg.Exchange.PrivateKey = v
	}
	if v := os.Getenv("CT_LEADER_ADDRESS"); v != "" {
		cfg.Leader.Address = v
	}
	if v := os.Getenv("CT_FOLLOWER_ADDRESS"); v != "" {
		cfg.Follower.Address = v
	}
	if v := os.Getenv("CT_JOURNAL_DSN"); v != "" {
		cfg.Journal.PostgresDSN = v
	}
	if v := os.Getenv("CT_ALERT_WEBHOOK"); v != "" {
		cfg.Alert.WebhookURL = v
	}
}
