package market

import "context"

// Source 是风控引擎所需的最小行情接口：历史 K 线与最新价。
type Source interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}
