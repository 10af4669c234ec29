package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"riskguard/internal/market"
)

// ATRResult 保存最新 ATR 及其占收盘价的百分比。
type ATRResult struct {
	Period    int
	Latest    float64
	LastClose float64
	Percent   float64
}

// ComputeATRSeries 计算 ATR 序列，已去掉 talib 的预热段。
func ComputeATRSeries(candles []market.Candle, period int) ([]float64, error) {
	if period <= 0 {
		period = 14
	}
	// talib.Atr 在样本数不超过周期时会越界
	if len(candles) <= period {
		return nil, fmt.Errorf("need more than %d candles for ATR(%d), got %d", period, period, len(candles))
	}
	highs, lows, closes := market.Candles(candles).Series()
	series := sanitizeSeries(talib.Atr(highs, lows, closes, period)[period:])
	if len(series) == 0 {
		return nil, fmt.Errorf("atr series empty")
	}
	return series, nil
}

// ComputeATR 返回最新 ATR 与 ATR%。
func ComputeATR(candles []market.Candle, period int) (ATRResult, error) {
	series, err := ComputeATRSeries(candles, period)
	if err != nil {
		return ATRResult{}, err
	}
	if period <= 0 {
		period = 14
	}
	last := candles[len(candles)-1].Close
	if last <= 0 {
		return ATRResult{}, fmt.Errorf("latest close must be positive")
	}
	atr := lastValid(series)
	return ATRResult{
		Period:    period,
		Latest:    atr,
		LastClose: last,
		Percent:   atr / last * 100,
	}, nil
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}
