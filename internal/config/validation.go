package config

import (
	"fmt"
	"strings"
	"time"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Venue.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Volatility.validate(); err != nil {
		return err
	}
	if err := c.StopLoss.validate(); err != nil {
		return err
	}
	if err := c.Stages.validate(); err != nil {
		return err
	}
	if err := c.Guard.validate(); err != nil {
		return err
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be >= 1")
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr cannot be empty when redis.enabled=true")
	}
	if tg := c.Notify.Telegram; tg.Enabled && (strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "") {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}

func (v *VenueConfig) validate() error {
	switch v.Active {
	case "binance", "gate":
	default:
		return fmt.Errorf("venue.active only supports binance or gate, got %q", v.Active)
	}
	if v.Gate.Settle != "usdt" && v.Gate.Settle != "btc" {
		return fmt.Errorf("venue.gate.settle must be usdt or btc")
	}
	if v.Binance.TakerRate >= 0.01 || v.Gate.TakerRate >= 0.01 {
		return fmt.Errorf("venue taker_rate looks like a percent, expected a fraction (e.g. 0.0005)")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if _, err := ParseInterval(m.Interval); err != nil {
		return fmt.Errorf("market.interval: %w", err)
	}
	return nil
}

func (v *VolatilityConfig) validate() error {
	if v.MinCandles <= v.ATRPeriod {
		return fmt.Errorf("volatility.min_candles must exceed atr_period (%d)", v.ATRPeriod)
	}
	if !(v.LowPct < v.NormalPct && v.NormalPct < v.HighPct) {
		return fmt.Errorf("volatility thresholds must be ascending: low < normal < high")
	}
	return nil
}

func (s *StopLossConfig) validate() error {
	switch s.Mode {
	case "hybrid", "atr", "structure":
	default:
		return fmt.Errorf("stoploss.mode must be hybrid|atr|structure, got %q", s.Mode)
	}
	if s.MinDistancePct >= s.MaxDistancePct {
		return fmt.Errorf("stoploss.min_distance_pct must be < max_distance_pct")
	}
	if s.MinQuality > 100 {
		return fmt.Errorf("stoploss.min_quality must be within 0-100")
	}
	return nil
}

func (s *StagesConfig) validate() error {
	if !(s.Stage1R < s.Stage2R && s.Stage2R < s.Stage3R) {
		return fmt.Errorf("stages thresholds must be ascending")
	}
	if s.ClosePct >= 50 {
		return fmt.Errorf("stages.close_pct must be < 50 so two stages never exceed the position")
	}
	return nil
}

func (g *GuardConfig) validate() error {
	if g.MaxOpenSlippagePct > 20 || g.MaxCloseSlippagePct > 20 {
		return fmt.Errorf("guard slippage limits look unreasonable (>20%%)")
	}
	return nil
}

// ParseInterval 解析 15m/1h/4h/1d/1w 这类 K 线周期，网关与配置校验共用。
func ParseInterval(raw string) (time.Duration, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 0, fmt.Errorf("interval cannot be empty")
	}
	days := map[string]time.Duration{"d": 24, "w": 7 * 24}
	if mult, ok := days[raw[len(raw)-1:]]; ok {
		d, err := time.ParseDuration(raw[:len(raw)-1] + "h")
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("invalid interval %q", raw)
		}
		return d * mult, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	return d, nil
}
