package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppHTTPAddr        = ":9992"
	defaultAppLogPath         = "/data/logs/riskguard.log"
	defaultStorePath          = "/data/db/riskguard.db"
	defaultVenueActive        = "binance"
	defaultBinanceTaker       = 0.0005
	defaultGateSettle         = "usdt"
	defaultGateTaker          = 0.0005
	defaultBreakerThreshold   = 5
	defaultBreakerCooldown    = 60
	defaultMarketInterval     = "15m"
	defaultMarketLimit        = 50
	defaultATRPeriod          = 14
	defaultMinCandles         = 15
	defaultLowPct             = 2.0
	defaultNormalPct          = 5.0
	defaultHighPct            = 8.0
	defaultLowFactor          = 0.8
	defaultNormalFactor       = 1.0
	defaultHighFactor         = 1.2
	defaultExtremeFactor      = 1.5
	defaultStopMode           = "hybrid"
	defaultATRMultiplier      = 2.0
	defaultLookback           = 20
	defaultBufferPct          = 0.2
	defaultMinDistancePct     = 0.5
	defaultMaxDistancePct     = 5.0
	defaultMinQuality         = 50
	defaultStage1R            = 1.0
	defaultStage2R            = 2.0
	defaultStage3R            = 3.0
	defaultStageClosePct      = 33.33
	defaultDuplicateWindow    = 30
	defaultTrailingCooldown   = 300
	defaultDecisionInterval   = 1800
	defaultOpenSlippagePct    = 2.0
	defaultCloseSlippagePct   = 3.0
	defaultRetryAttempts      = 3
	defaultRetryIntervalMS    = 500
	defaultRedisAddr          = "127.0.0.1:6379"
	defaultRedisPrefix        = "riskguard:"
	defaultMonitorIntervalSec = 300
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Venue.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Volatility.applyDefaults(keys)
	c.StopLoss.applyDefaults(keys)
	c.Stages.applyDefaults(keys)
	c.Guard.applyDefaults(keys)
	c.Retry.applyDefaults(keys)
	c.Redis.applyDefaults(keys)
	c.Monitor.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys, stringFieldDefault("store.path", &s.Path, defaultStorePath))
}

func (v *VenueConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	v.Active = strings.ToLower(strings.TrimSpace(v.Active))
	applyFieldDefaults(keys,
		stringFieldDefault("venue.active", &v.Active, defaultVenueActive),
		floatFieldDefault("venue.binance.taker_rate", &v.Binance.TakerRate, defaultBinanceTaker),
		stringFieldDefault("venue.gate.settle", &v.Gate.Settle, defaultGateSettle),
		floatFieldDefault("venue.gate.taker_rate", &v.Gate.TakerRate, defaultGateTaker),
		intFieldDefault("venue.breaker.failure_threshold", &v.Breaker.FailureThreshold, defaultBreakerThreshold),
		intFieldDefault("venue.breaker.cooldown_seconds", &v.Breaker.CooldownSeconds, defaultBreakerCooldown),
	)
	v.Gate.Settle = strings.ToLower(strings.TrimSpace(v.Gate.Settle))
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.interval", &m.Interval, defaultMarketInterval),
		intFieldDefault("market.candle_limit", &m.CandleLimit, defaultMarketLimit),
	)
}

func (v *VolatilityConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("volatility.atr_period", &v.ATRPeriod, defaultATRPeriod),
		intFieldDefault("volatility.min_candles", &v.MinCandles, defaultMinCandles),
		floatFieldDefault("volatility.low_pct", &v.LowPct, defaultLowPct),
		floatFieldDefault("volatility.normal_pct", &v.NormalPct, defaultNormalPct),
		floatFieldDefault("volatility.high_pct", &v.HighPct, defaultHighPct),
		floatFieldDefault("volatility.low_factor", &v.LowFactor, defaultLowFactor),
		floatFieldDefault("volatility.normal_factor", &v.NormalFactor, defaultNormalFactor),
		floatFieldDefault("volatility.high_factor", &v.HighFactor, defaultHighFactor),
		floatFieldDefault("volatility.extreme_factor", &v.ExtremeFactor, defaultExtremeFactor),
	)
}

func (s *StopLossConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	s.Mode = strings.ToLower(strings.TrimSpace(s.Mode))
	applyFieldDefaults(keys,
		stringFieldDefault("stoploss.mode", &s.Mode, defaultStopMode),
		floatFieldDefault("stoploss.atr_multiplier", &s.ATRMultiplier, defaultATRMultiplier),
		intFieldDefault("stoploss.lookback_candles", &s.LookbackCandles, defaultLookback),
		floatFieldDefault("stoploss.buffer_pct", &s.BufferPct, defaultBufferPct),
		floatFieldDefault("stoploss.min_distance_pct", &s.MinDistancePct, defaultMinDistancePct),
		floatFieldDefault("stoploss.max_distance_pct", &s.MaxDistancePct, defaultMaxDistancePct),
		floatFieldDefault("stoploss.min_quality", &s.MinQuality, defaultMinQuality),
	)
}

func (s *StagesConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("stages.stage1_r", &s.Stage1R, defaultStage1R),
		floatFieldDefault("stages.stage2_r", &s.Stage2R, defaultStage2R),
		floatFieldDefault("stages.stage3_r", &s.Stage3R, defaultStage3R),
		floatFieldDefault("stages.close_pct", &s.ClosePct, defaultStageClosePct),
	)
}

func (g *GuardConfig) applyDefaults(keys keySet) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("guard.duplicate_window_seconds", &g.DuplicateWindowSeconds, defaultDuplicateWindow),
		intFieldDefault("guard.trailing_cooldown_seconds", &g.TrailingCooldownSeconds, defaultTrailingCooldown),
		intFieldDefault("guard.decision_interval_seconds", &g.DecisionIntervalSeconds, defaultDecisionInterval),
		floatFieldDefault("guard.max_open_slippage_pct", &g.MaxOpenSlippagePct, defaultOpenSlippagePct),
		floatFieldDefault("guard.max_close_slippage_pct", &g.MaxCloseSlippagePct, defaultCloseSlippagePct),
	)
}

func (r *RetryConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("retry.attempts", &r.Attempts, defaultRetryAttempts),
		intFieldDefault("retry.interval_ms", &r.IntervalMS, defaultRetryIntervalMS),
	)
}

func (r *RedisConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("redis.addr", &r.Addr, defaultRedisAddr),
		stringFieldDefault("redis.prefix", &r.Prefix, defaultRedisPrefix),
	)
}

func (m *MonitorConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("monitor.interval_seconds", &m.IntervalSeconds, defaultMonitorIntervalSec),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
