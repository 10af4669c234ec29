// Package stoploss 结合 ATR 与结构位给出止损价、质量分与是否可接受。
package stoploss

import (
	"context"
	"fmt"
	"math"
	"strings"

	"riskguard/internal/analysis/indicator"
	"riskguard/internal/config"
	"riskguard/internal/logger"
	"riskguard/internal/market"
	"riskguard/internal/riskerr"
	"riskguard/internal/strategy/volatility"
	"riskguard/internal/venue"
)

type Method string

const (
	MethodHybrid    Method = "hybrid"
	MethodATR       Method = "atr"
	MethodStructure Method = "structure"
)

type Request struct {
	Symbol     string
	Side       venue.Side
	EntryPrice float64
	Timeframe  string
}

type Result struct {
	Symbol             string           `json:"symbol"`
	Side               venue.Side       `json:"side"`
	EntryPrice         float64          `json:"entryPrice"`
	StopPrice          float64          `json:"stopPrice"`
	DistancePercent    float64          `json:"distancePercent"`
	RawDistancePercent float64          `json:"rawDistancePercent"`
	Method             Method           `json:"method"`
	ATRDistancePercent float64          `json:"atrDistancePercent,omitempty"`
	StructureDistance  float64          `json:"structureDistancePercent,omitempty"`
	StructureLevel     float64          `json:"structureLevel,omitempty"`
	QualityScore       float64          `json:"qualityScore"`
	VolatilityLevel    volatility.Level `json:"volatilityLevel"`
	VolatilityFactor   float64          `json:"volatilityFactor"`
	// Flagged 表示原始距离落在允许区间之外，结果已被截断，开仓必须拒绝。
	Flagged        bool   `json:"flagged"`
	Acceptable     bool   `json:"acceptable"`
	Recommendation string `json:"recommendation"`
	RiskNote       string `json:"riskNote,omitempty"`
}

type Calculator struct {
	src      market.Source
	analyzer *volatility.Analyzer
	cfg      config.StopLossConfig
	atr      int
	interval string
	limit    int
	log      *logger.Entry
}

func NewCalculator(src market.Source, analyzer *volatility.Analyzer, cfg config.StopLossConfig, vcfg config.VolatilityConfig, mcfg config.MarketConfig) *Calculator {
	limit := mcfg.CandleLimit
	if need := cfg.LookbackCandles + vcfg.ATRPeriod + 1; limit < need {
		limit = need
	}
	return &Calculator{
		src:      src,
		analyzer: analyzer,
		cfg:      cfg,
		atr:      vcfg.ATRPeriod,
		interval: mcfg.Interval,
		limit:    limit,
		log:      logger.With("stoploss"),
	}
}

// MinQuality 返回开仓所需的最低质量分。
func (c *Calculator) MinQuality() float64 { return c.cfg.MinQuality }

func (c *Calculator) Calculate(ctx context.Context, req Request) (Result, error) {
	const op = "calculateStopLoss"
	if strings.TrimSpace(req.Symbol) == "" {
		return Result{}, riskerr.Validation(op, "symbol is required")
	}
	if req.Side != venue.SideLong && req.Side != venue.SideShort {
		return Result{}, riskerr.Validation(op, "side must be long or short, got %q", req.Side)
	}
	if req.EntryPrice <= 0 || math.IsNaN(req.EntryPrice) || math.IsInf(req.EntryPrice, 0) {
		return Result{}, riskerr.Validation(op, "entryPrice must be positive")
	}
	interval := strings.TrimSpace(req.Timeframe)
	if interval == "" {
		interval = c.interval
	}
	candles, err := c.src.FetchHistory(ctx, req.Symbol, interval, c.limit)
	if err != nil {
		return Result{}, riskerr.Venue(op, fmt.Errorf("fetch candles %s %s: %w", req.Symbol, interval, err))
	}
	vol := c.analyzer.Classify(req.Symbol, interval, candles)

	res := Result{
		Symbol:           req.Symbol,
		Side:             req.Side,
		EntryPrice:       req.EntryPrice,
		VolatilityLevel:  vol.Level,
		VolatilityFactor: vol.Factor,
	}

	atrPct, hasATR := 0.0, false
	if atr, err := indicator.ComputeATR(candles, c.atr); err == nil && atr.Latest > 0 {
		atrPct = atr.Latest * c.cfg.ATRMultiplier / req.EntryPrice * 100
		hasATR = true
		res.ATRDistancePercent = atrPct
	}
	structPct, hasStruct := c.structural(candles, req, &res)

	mode := Method(c.cfg.Mode)
	switch {
	case mode == MethodStructure && hasStruct:
		res.Method, res.RawDistancePercent = MethodStructure, structPct
	case mode == MethodATR && hasATR, mode == MethodStructure && hasATR:
		res.Method, res.RawDistancePercent = MethodATR, atrPct
	case hasATR && hasStruct:
		res.Method, res.RawDistancePercent = MethodATR, atrPct
		if structPct > atrPct {
			res.Method, res.RawDistancePercent = MethodStructure, structPct
		}
	case hasATR:
		res.Method, res.RawDistancePercent = MethodATR, atrPct
	case hasStruct && mode != MethodATR:
		res.Method, res.RawDistancePercent = MethodStructure, structPct
	default:
		return Result{}, riskerr.Validation(op, "insufficient market data for %s %s (%d candles)", req.Symbol, interval, len(candles))
	}

	res.DistancePercent = res.RawDistancePercent
	switch {
	case res.RawDistancePercent < c.cfg.MinDistancePct:
		res.DistancePercent = c.cfg.MinDistancePct
		res.Flagged = true
	case res.RawDistancePercent > c.cfg.MaxDistancePct:
		res.DistancePercent = c.cfg.MaxDistancePct
		res.Flagged = true
	}
	res.StopPrice = stopFromDistance(req.Side, req.EntryPrice, res.DistancePercent)
	res.QualityScore = c.quality(res, hasATR, hasStruct, atrPct, structPct)
	res.Acceptable = !res.Flagged && res.QualityScore >= c.cfg.MinQuality
	res.Recommendation, res.RiskNote = c.describe(res)
	c.log.Debugf("stop %s %s entry=%.8f stop=%.8f dist=%.3f%% raw=%.3f%% method=%s quality=%.0f vol=%s",
		req.Symbol, req.Side, req.EntryPrice, res.StopPrice, res.DistancePercent, res.RawDistancePercent, res.Method, res.QualityScore, res.VolatilityLevel)
	return res, nil
}

func (c *Calculator) structural(candles []market.Candle, req Request, res *Result) (float64, bool) {
	buffer := c.cfg.BufferPct / 100
	if req.Side == venue.SideLong {
		lvl, ok := indicator.NearestSupport(candles, c.cfg.LookbackCandles, req.EntryPrice)
		if !ok {
			return 0, false
		}
		stop := lvl.Price * (1 - buffer)
		res.StructureLevel = lvl.Price
		res.StructureDistance = (req.EntryPrice - stop) / req.EntryPrice * 100
		return res.StructureDistance, true
	}
	lvl, ok := indicator.NearestResistance(candles, c.cfg.LookbackCandles, req.EntryPrice)
	if !ok {
		return 0, false
	}
	stop := lvl.Price * (1 + buffer)
	res.StructureLevel = lvl.Price
	res.StructureDistance = (stop - req.EntryPrice) / req.EntryPrice * 100
	return res.StructureDistance, true
}

// quality 从 100 起按波动、区间位置与两种距离的一致性扣分。
func (c *Calculator) quality(res Result, hasATR, hasStruct bool, atrPct, structPct float64) float64 {
	score := 100.0
	switch res.VolatilityLevel {
	case volatility.LevelNormal:
		score -= 5
	case volatility.LevelHigh:
		score -= 20
	case volatility.LevelExtreme:
		score -= 40
	}
	if res.Flagged {
		score -= 30
	} else {
		edge := (c.cfg.MaxDistancePct - c.cfg.MinDistancePct) * 0.1
		if res.DistancePercent-c.cfg.MinDistancePct < edge || c.cfg.MaxDistancePct-res.DistancePercent < edge {
			score -= 10
		}
	}
	if !hasStruct {
		score -= 15
	}
	if hasATR && hasStruct {
		agreement := math.Min(atrPct, structPct) / math.Max(atrPct, structPct)
		switch {
		case agreement < 0.5:
			score -= 15
		case agreement < 0.75:
			score -= 5
		}
	}
	return math.Max(0, math.Min(100, score))
}

func (c *Calculator) describe(res Result) (string, string) {
	var notes []string
	if res.Flagged {
		notes = append(notes, fmt.Sprintf("raw stop distance %.2f%% outside [%.2f%%, %.2f%%]", res.RawDistancePercent, c.cfg.MinDistancePct, c.cfg.MaxDistancePct))
	}
	switch res.VolatilityLevel {
	case volatility.LevelHigh:
		notes = append(notes, "market is noisy")
	case volatility.LevelExtreme:
		notes = append(notes, "market is extremely noisy, consider skipping")
	}
	if res.QualityScore < c.cfg.MinQuality {
		notes = append(notes, fmt.Sprintf("quality %.0f below minimum %.0f", res.QualityScore, c.cfg.MinQuality))
	}
	note := strings.Join(notes, "; ")
	if res.Acceptable {
		return fmt.Sprintf("stop at %.8g (%.2f%%, %s) is acceptable", res.StopPrice, res.DistancePercent, res.Method), note
	}
	return "reject entry: " + note, note
}

func stopFromDistance(side venue.Side, entry, pct float64) float64 {
	if side == venue.SideShort {
		return entry * (1 + pct/100)
	}
	return entry * (1 - pct/100)
}
