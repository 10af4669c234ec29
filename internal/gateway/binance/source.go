// Package binance 基于 go-binance 实现 USDⓈ-M 线性合约的行情源与执行场所。
package binance

import (
	"context"
	"fmt"
	"strings"

	"riskguard/internal/config"
	"riskguard/internal/logger"
	"riskguard/internal/market"
	symbolpkg "riskguard/internal/pkg/symbol"
	"riskguard/internal/scheduler"
)

const maxHistoryLimit = 1500

// Source 实现 market.Source，只拉取已收盘的 K 线。
type Source struct {
	rest restAPI
	log  *logger.Entry
}

func NewSource(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	rest, err := newSDKREST(final)
	if err != nil {
		return nil, err
	}
	return newSource(rest), nil
}

func newSource(rest restAPI) *Source {
	return &Source{rest: rest, log: logger.With("binance")}
}

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	clean := symbolpkg.Binance.ToExchange(symbol)
	if clean == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	out, err := s.rest.Klines(ctx, clean, interval, limit)
	if err != nil {
		s.log.Warnf("fetch kline failed %s %s limit=%d: %v", clean, interval, limit, err)
		return nil, err
	}
	if dur, err := config.ParseInterval(interval); err == nil {
		out = scheduler.DropUnclosedKline(out, dur)
	}
	return out, nil
}

func (s *Source) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	clean := symbolpkg.Binance.ToExchange(symbol)
	if clean == "" {
		return 0, fmt.Errorf("symbol is required")
	}
	raw, err := s.rest.LastPrice(ctx, clean)
	if err != nil {
		return 0, err
	}
	price := parseFloat(raw)
	if price <= 0 {
		return 0, fmt.Errorf("invalid price %q for %s", raw, clean)
	}
	return price, nil
}
