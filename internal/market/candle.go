package market

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

type Candles []Candle

// Last 返回最后一根 K 线；空序列返回零值与 false。
func (cs Candles) Last() (Candle, bool) {
	if len(cs) == 0 {
		return Candle{}, false
	}
	return cs[len(cs)-1], true
}

// Tail 返回最后 n 根（不拷贝）。
func (cs Candles) Tail(n int) Candles {
	if n <= 0 || n >= len(cs) {
		return cs
	}
	return cs[len(cs)-n:]
}

// Series 拆分为 high/low/close 三条序列，供 talib 使用。
func (cs Candles) Series() (highs, lows, closes []float64) {
	highs = make([]float64, len(cs))
	lows = make([]float64, len(cs))
	closes = make([]float64, len(cs))
	for i, c := range cs {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	return highs, lows, closes
}
