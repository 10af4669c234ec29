package stoploss

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/config"
	"riskguard/internal/market"
	"riskguard/internal/riskerr"
	"riskguard/internal/strategy/volatility"
	"riskguard/internal/venue"
)

type fakeSource struct {
	candles []market.Candle
	err     error
}

func (f fakeSource) FetchHistory(context.Context, string, string, int) ([]market.Candle, error) {
	return f.candles, f.err
}

func (f fakeSource) LatestPrice(context.Context, string) (float64, error) {
	return 0, errors.New("not used")
}

func newCalc(t *testing.T, src market.Source, mode string) *Calculator {
	t.Helper()
	vcfg := config.VolatilityConfig{
		ATRPeriod: 14, MinCandles: 15,
		LowPct: 2, NormalPct: 5, HighPct: 8,
		LowFactor: 0.8, NormalFactor: 1, HighFactor: 1.2, ExtremeFactor: 1.5,
	}
	mcfg := config.MarketConfig{Interval: "15m", CandleLimit: 50}
	scfg := config.StopLossConfig{
		Mode:            mode,
		ATRMultiplier:   2,
		LookbackCandles: 20,
		BufferPct:       0.2,
		MinDistancePct:  0.5,
		MaxDistancePct:  5,
		MinQuality:      50,
	}
	return NewCalculator(src, volatility.NewAnalyzer(src, vcfg, mcfg), scfg, vcfg, mcfg)
}

func flat(n int, halfRange float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{Open: 100, High: 100 + halfRange, Low: 100 - halfRange, Close: 100}
	}
	return out
}

func TestHybridPicksWiderDistance(t *testing.T) {
	calc := newCalc(t, fakeSource{candles: flat(50, 0.5)}, "hybrid")
	res, err := calc.Calculate(context.Background(), Request{Symbol: "BTCUSDT", Side: venue.SideLong, EntryPrice: 100})
	require.NoError(t, err)

	// ATR=1 → 2×ATR=2%；结构位 99.5 加 0.2% 缓冲约 0.7%
	assert.Equal(t, MethodATR, res.Method)
	assert.InDelta(t, 2.0, res.DistancePercent, 1e-6)
	assert.InDelta(t, 98.0, res.StopPrice, 1e-6)
	assert.InDelta(t, 99.5, res.StructureLevel, 1e-9)
	assert.InDelta(t, 0.699, res.StructureDistance, 1e-6)
	assert.Equal(t, volatility.LevelLow, res.VolatilityLevel)
	assert.False(t, res.Flagged)
	// 一致性 0.35 < 0.5 扣 15 分
	assert.InDelta(t, 85, res.QualityScore, 1e-9)
	assert.True(t, res.Acceptable)
}

func TestStructureModeUsesSwingLow(t *testing.T) {
	candles := flat(50, 0.5)
	candles[40].Low = 97
	calc := newCalc(t, fakeSource{candles: candles}, "structure")
	res, err := calc.Calculate(context.Background(), Request{Symbol: "BTCUSDT", Side: venue.SideLong, EntryPrice: 100})
	require.NoError(t, err)

	assert.Equal(t, MethodStructure, res.Method)
	assert.InDelta(t, 97.0, res.StructureLevel, 1e-9)
	assert.InDelta(t, 96.806, res.StopPrice, 1e-6)
	assert.InDelta(t, 3.194, res.DistancePercent, 1e-6)
}

func TestShortStopAboveEntry(t *testing.T) {
	calc := newCalc(t, fakeSource{candles: flat(50, 0.5)}, "atr")
	res, err := calc.Calculate(context.Background(), Request{Symbol: "BTCUSDT", Side: venue.SideShort, EntryPrice: 100})
	require.NoError(t, err)
	assert.Equal(t, MethodATR, res.Method)
	assert.InDelta(t, 102.0, res.StopPrice, 1e-6)
}

func TestOutOfBandIsFlaggedNotSilentlyAccepted(t *testing.T) {
	wide := newCalc(t, fakeSource{candles: flat(50, 5)}, "atr")
	res, err := wide.Calculate(context.Background(), Request{Symbol: "BTCUSDT", Side: venue.SideLong, EntryPrice: 100})
	require.NoError(t, err)
	assert.True(t, res.Flagged)
	assert.False(t, res.Acceptable)
	assert.InDelta(t, 20.0, res.RawDistancePercent, 1e-6)
	assert.InDelta(t, 5.0, res.DistancePercent, 1e-9)
	assert.InDelta(t, 95.0, res.StopPrice, 1e-6)
	assert.Equal(t, volatility.LevelExtreme, res.VolatilityLevel)
	assert.Contains(t, res.Recommendation, "reject")

	tight := newCalc(t, fakeSource{candles: flat(50, 0.1)}, "atr")
	res, err = tight.Calculate(context.Background(), Request{Symbol: "BTCUSDT", Side: venue.SideLong, EntryPrice: 100})
	require.NoError(t, err)
	assert.True(t, res.Flagged)
	assert.InDelta(t, 0.5, res.DistancePercent, 1e-9)
}

func TestCalculateValidation(t *testing.T) {
	calc := newCalc(t, fakeSource{candles: flat(50, 0.5)}, "hybrid")
	_, err := calc.Calculate(context.Background(), Request{Symbol: "BTCUSDT", Side: "up", EntryPrice: 100})
	assert.True(t, riskerr.IsKind(err, riskerr.KindValidation))

	_, err = calc.Calculate(context.Background(), Request{Symbol: "BTCUSDT", Side: venue.SideLong})
	assert.True(t, riskerr.IsKind(err, riskerr.KindValidation))

	broken := newCalc(t, fakeSource{err: errors.New("503")}, "hybrid")
	_, err = broken.Calculate(context.Background(), Request{Symbol: "BTCUSDT", Side: venue.SideLong, EntryPrice: 100})
	assert.True(t, riskerr.IsKind(err, riskerr.KindVenue))
}

func TestInsufficientCandlesWithoutStructure(t *testing.T) {
	// 样本不足且价格低于全部低点，两种候选都不可用
	calc := newCalc(t, fakeSource{candles: flat(5, 0.5)}, "hybrid")
	_, err := calc.Calculate(context.Background(), Request{Symbol: "BTCUSDT", Side: venue.SideLong, EntryPrice: 90})
	assert.True(t, riskerr.IsKind(err, riskerr.KindValidation))
}
