package indicator

import "riskguard/internal/market"

// SwingLevel 是回看窗口内的结构性高/低点。
type SwingLevel struct {
	Price float64
	Index int
	// Pivot 为 false 表示窗口内没有确认的摆动点，使用了窗口极值。
	Pivot bool
}

const pivotWidth = 2

// NearestSupport 返回回看窗口内低于 price 的最近摆动低点。
func NearestSupport(candles []market.Candle, lookback int, price float64) (SwingLevel, bool) {
	window := market.Candles(candles).Tail(lookback)
	best := SwingLevel{}
	found := false
	for i := pivotWidth; i < len(window)-pivotWidth; i++ {
		low := window[i].Low
		if low <= 0 || low >= price || !isPivotLow(window, i) {
			continue
		}
		if !found || low > best.Price {
			best = SwingLevel{Price: low, Index: i, Pivot: true}
			found = true
		}
	}
	if found {
		return best, true
	}
	for i, c := range window {
		if c.Low <= 0 || c.Low >= price {
			continue
		}
		if !found || c.Low < best.Price {
			best = SwingLevel{Price: c.Low, Index: i}
			found = true
		}
	}
	return best, found
}

// NearestResistance 返回回看窗口内高于 price 的最近摆动高点。
func NearestResistance(candles []market.Candle, lookback int, price float64) (SwingLevel, bool) {
	window := market.Candles(candles).Tail(lookback)
	best := SwingLevel{}
	found := false
	for i := pivotWidth; i < len(window)-pivotWidth; i++ {
		high := window[i].High
		if high <= price || !isPivotHigh(window, i) {
			continue
		}
		if !found || high < best.Price {
			best = SwingLevel{Price: high, Index: i, Pivot: true}
			found = true
		}
	}
	if found {
		return best, true
	}
	for i, c := range window {
		if c.High <= price {
			continue
		}
		if !found || c.High > best.Price {
			best = SwingLevel{Price: c.High, Index: i}
			found = true
		}
	}
	return best, found
}

func isPivotLow(cs market.Candles, i int) bool {
	for k := 1; k <= pivotWidth; k++ {
		if cs[i].Low >= cs[i-k].Low || cs[i].Low >= cs[i+k].Low {
			return false
		}
	}
	return true
}

func isPivotHigh(cs market.Candles, i int) bool {
	for k := 1; k <= pivotWidth; k++ {
		if cs[i].High <= cs[i-k].High || cs[i].High <= cs[i+k].High {
			return false
		}
	}
	return true
}
