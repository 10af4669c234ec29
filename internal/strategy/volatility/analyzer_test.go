package volatility

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"riskguard/internal/config"
	"riskguard/internal/market"
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

func testConfig() (config.VolatilityConfig, config.MarketConfig) {
	return config.VolatilityConfig{
			ATRPeriod:     14,
			MinCandles:    15,
			LowPct:        2,
			NormalPct:     5,
			HighPct:       8,
			LowFactor:     0.8,
			NormalFactor:  1.0,
			HighFactor:    1.2,
			ExtremeFactor: 1.5,
		}, config.MarketConfig{
			Interval:    "15m",
			CandleLimit: 50,
		}
}

// rangeCandles 生成收盘价 100、振幅固定的 K 线，使 ATR% = 2*halfRange。
func rangeCandles(n int, halfRange float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{Open: 100, High: 100 + halfRange, Low: 100 - halfRange, Close: 100}
	}
	return out
}

func TestAnalyzeLevels(t *testing.T) {
	cases := []struct {
		halfRange float64
		level     Level
		factor    float64
	}{
		{0.5, LevelLow, 0.8},
		{1.5, LevelNormal, 1.0},
		{3, LevelHigh, 1.2},
		{5, LevelExtreme, 1.5},
	}
	vcfg, mcfg := testConfig()
	for _, tc := range cases {
		a := NewAnalyzer(fakeSource{candles: rangeCandles(50, tc.halfRange)}, vcfg, mcfg)
		res := a.Analyze(context.Background(), "BTCUSDT", "")
		assert.Equal(t, tc.level, res.Level, "halfRange=%v", tc.halfRange)
		assert.InDelta(t, tc.factor, res.Factor, 1e-9)
		assert.InDelta(t, tc.halfRange*2, res.ATRPercent, 1e-6)
		assert.False(t, res.Degraded)
		assert.Equal(t, "15m", res.Interval)
	}
}

func TestAnalyzeFailsSoft(t *testing.T) {
	vcfg, mcfg := testConfig()

	short := NewAnalyzer(fakeSource{candles: rangeCandles(10, 5)}, vcfg, mcfg)
	res := short.Analyze(context.Background(), "BTCUSDT", "1h")
	assert.Equal(t, LevelNormal, res.Level)
	assert.Equal(t, 1.0, res.Factor)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Note, "不足")

	broken := NewAnalyzer(fakeSource{err: errors.New("timeout")}, vcfg, mcfg)
	res = broken.Analyze(context.Background(), "BTCUSDT", "1h")
	assert.Equal(t, LevelNormal, res.Level)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Note, "timeout")
}
