// Package volatility 根据 ATR% 划分波动率区间，并给出阶段阈值的缩放系数。
package volatility

import (
	"context"
	"fmt"
	"strings"

	"riskguard/internal/analysis/indicator"
	"riskguard/internal/config"
	"riskguard/internal/logger"
	"riskguard/internal/market"
)

type Level string

const (
	LevelLow     Level = "LOW"
	LevelNormal  Level = "NORMAL"
	LevelHigh    Level = "HIGH"
	LevelExtreme Level = "EXTREME"
)

// Result 是一次分析的输出；Degraded 表示数据不足时的降级结果。
type Result struct {
	Symbol     string  `json:"symbol"`
	Interval   string  `json:"interval"`
	Level      Level   `json:"level"`
	ATR        float64 `json:"atr"`
	ATRPercent float64 `json:"atrPercent"`
	LastClose  float64 `json:"lastClose"`
	Factor     float64 `json:"factor"`
	Degraded   bool    `json:"degraded,omitempty"`
	Note       string  `json:"note,omitempty"`
}

type Analyzer struct {
	src      market.Source
	cfg      config.VolatilityConfig
	interval string
	limit    int
	log      *logger.Entry
}

func NewAnalyzer(src market.Source, cfg config.VolatilityConfig, mcfg config.MarketConfig) *Analyzer {
	limit := mcfg.CandleLimit
	if limit < cfg.MinCandles {
		limit = cfg.MinCandles
	}
	return &Analyzer{
		src:      src,
		cfg:      cfg,
		interval: mcfg.Interval,
		limit:    limit,
		log:      logger.With("volatility"),
	}
}

// Analyze 永远不返回错误：拉取失败或样本不足时降级为 NORMAL/1.0。
func (a *Analyzer) Analyze(ctx context.Context, symbol, interval string) Result {
	interval = strings.TrimSpace(interval)
	if interval == "" {
		interval = a.interval
	}
	candles, err := a.src.FetchHistory(ctx, symbol, interval, a.limit)
	if err != nil {
		a.log.Warnf("fetch candles failed symbol=%s interval=%s err=%v", symbol, interval, err)
		return a.fallback(symbol, interval, fmt.Sprintf("无法获取K线数据，按正常波动处理: %v", err))
	}
	return a.Classify(symbol, interval, candles)
}

// Classify 对已拉取的 K 线做分类，供止损计算复用同一批数据。
func (a *Analyzer) Classify(symbol, interval string, candles []market.Candle) Result {
	if len(candles) < a.cfg.MinCandles {
		return a.fallback(symbol, interval, fmt.Sprintf("K线数量不足(%d<%d)，按正常波动处理", len(candles), a.cfg.MinCandles))
	}
	atr, err := indicator.ComputeATR(candles, a.cfg.ATRPeriod)
	if err != nil {
		return a.fallback(symbol, interval, fmt.Sprintf("ATR 计算失败，按正常波动处理: %v", err))
	}
	level, factor := a.level(atr.Percent)
	return Result{
		Symbol:     symbol,
		Interval:   interval,
		Level:      level,
		ATR:        atr.Latest,
		ATRPercent: atr.Percent,
		LastClose:  atr.LastClose,
		Factor:     factor,
	}
}

func (a *Analyzer) level(atrPct float64) (Level, float64) {
	switch {
	case atrPct < a.cfg.LowPct:
		return LevelLow, a.cfg.LowFactor
	case atrPct < a.cfg.NormalPct:
		return LevelNormal, a.cfg.NormalFactor
	case atrPct < a.cfg.HighPct:
		return LevelHigh, a.cfg.HighFactor
	default:
		return LevelExtreme, a.cfg.ExtremeFactor
	}
}

func (a *Analyzer) fallback(symbol, interval, note string) Result {
	return Result{
		Symbol:   symbol,
		Interval: interval,
		Level:    LevelNormal,
		Factor:   a.cfg.NormalFactor,
		Degraded: true,
		Note:     note,
	}
}

// Recommendation 给出面向决策方的简短提示。
func (r Result) Recommendation() string {
	switch r.Level {
	case LevelLow:
		return "low volatility, stages trigger earlier"
	case LevelHigh:
		return "market is noisy, stage thresholds raised"
	case LevelExtreme:
		return "market is extremely noisy, consider skipping new entries"
	default:
		return "normal volatility"
	}
}
