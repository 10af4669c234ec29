package config

import (
	"strings"
	"time"
)

// Config 是 riskguard 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Store      StoreConfig      `toml:"store"`
	Venue      VenueConfig      `toml:"venue"`
	Market     MarketConfig     `toml:"market"`
	Volatility VolatilityConfig `toml:"volatility"`
	StopLoss   StopLossConfig   `toml:"stoploss"`
	Stages     StagesConfig     `toml:"stages"`
	Guard      GuardConfig      `toml:"guard"`
	Retry      RetryConfig      `toml:"retry"`
	Redis      RedisConfig      `toml:"redis"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Tools      ToolsConfig      `toml:"tools"`
	Notify     NotifyConfig     `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

// VenueConfig 描述执行场所；active 决定使用哪个交易所实现。
type VenueConfig struct {
	Active  string        `toml:"active"`
	Binance BinanceConfig `toml:"binance"`
	Gate    GateConfig    `toml:"gate"`
	Breaker BreakerConfig `toml:"breaker"`
}

type BinanceConfig struct {
	APIKey    string  `toml:"api_key"`
	SecretKey string  `toml:"secret_key"`
	BaseURL   string  `toml:"base_url"`
	Testnet   bool    `toml:"testnet"`
	TakerRate float64 `toml:"taker_rate"`
}

type GateConfig struct {
	APIKey    string  `toml:"api_key"`
	SecretKey string  `toml:"secret_key"`
	BaseURL   string  `toml:"base_url"`
	Settle    string  `toml:"settle"`
	TakerRate float64 `toml:"taker_rate"`
}

type BreakerConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	CooldownSeconds  int `toml:"cooldown_seconds"`
}

func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

type MarketConfig struct {
	Interval    string `toml:"interval"`
	CandleLimit int    `toml:"candle_limit"`
}

// VolatilityConfig 中阈值均为 ATR 占收盘价的百分比。
type VolatilityConfig struct {
	ATRPeriod     int     `toml:"atr_period"`
	MinCandles    int     `toml:"min_candles"`
	LowPct        float64 `toml:"low_pct"`
	NormalPct     float64 `toml:"normal_pct"`
	HighPct       float64 `toml:"high_pct"`
	LowFactor     float64 `toml:"low_factor"`
	NormalFactor  float64 `toml:"normal_factor"`
	HighFactor    float64 `toml:"high_factor"`
	ExtremeFactor float64 `toml:"extreme_factor"`
}

type StopLossConfig struct {
	Mode            string  `toml:"mode"` // hybrid | atr | structure
	ATRMultiplier   float64 `toml:"atr_multiplier"`
	LookbackCandles int     `toml:"lookback_candles"`
	BufferPct       float64 `toml:"buffer_pct"`
	MinDistancePct  float64 `toml:"min_distance_pct"`
	MaxDistancePct  float64 `toml:"max_distance_pct"`
	MinQuality      float64 `toml:"min_quality"`
}

type StagesConfig struct {
	Stage1R  float64 `toml:"stage1_r"`
	Stage2R  float64 `toml:"stage2_r"`
	Stage3R  float64 `toml:"stage3_r"`
	ClosePct float64 `toml:"close_pct"`
}

type GuardConfig struct {
	DuplicateWindowSeconds  int     `toml:"duplicate_window_seconds"`
	TrailingCooldownSeconds int     `toml:"trailing_cooldown_seconds"`
	DecisionIntervalSeconds int     `toml:"decision_interval_seconds"`
	MaxOpenSlippagePct      float64 `toml:"max_open_slippage_pct"`
	MaxCloseSlippagePct     float64 `toml:"max_close_slippage_pct"`
}

func (g GuardConfig) DuplicateWindow() time.Duration {
	return time.Duration(g.DuplicateWindowSeconds) * time.Second
}

func (g GuardConfig) TrailingCooldown() time.Duration {
	return time.Duration(g.TrailingCooldownSeconds) * time.Second
}

// MinHolding 为半个决策周期。
func (g GuardConfig) MinHolding() time.Duration {
	return time.Duration(g.DecisionIntervalSeconds) * time.Second / 2
}

// RetryConfig 只作用于回读确认类请求。
type RetryConfig struct {
	Attempts   int `toml:"attempts"`
	IntervalMS int `toml:"interval_ms"`
}

func (r RetryConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMS) * time.Millisecond
}

type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type MonitorConfig struct {
	Enabled         bool     `toml:"enabled"`
	IntervalSeconds int      `toml:"interval_seconds"`
	Symbols         []string `toml:"symbols"`
}

func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// ToolsConfig.SchemaPath 为空时使用内置 schema。
type ToolsConfig struct {
	SchemaPath string `toml:"schema_path"`
	Watch      bool   `toml:"watch"`
}

// NotifyConfig 控制对账记录的外部推送。
type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	BaseURL  string `toml:"base_url"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
