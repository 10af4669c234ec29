// Package gate 基于 gateapi-go 实现按张计量合约的行情源与执行场所。
package gate

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
	return &Source{rest: rest, log: logger.With("gate")}
}

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > gateMaxHistoryLimit {
		limit = gateMaxHistoryLimit
	}
	contract := symbolpkg.Gate.ToExchange(symbol)
	if contract == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	out, err := s.rest.Candles(ctx, contract, interval, limit)
	if err != nil {
		s.log.Errorf("fetch kline failed %s %s limit=%d: %v", contract, interval, limit, err)
		return nil, err
	}
	if dur, err := config.ParseInterval(interval); err == nil {
		out = scheduler.DropUnclosedKline(out, dur)
	}
	return out, nil
}

func (s *Source) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	contract := symbolpkg.Gate.ToExchange(symbol)
	if contract == "" {
		return 0, fmt.Errorf("symbol is required")
	}
	raw, err := s.rest.LastPrice(ctx, contract)
	if err != nil {
		return 0, err
	}
	price := parseFloat(raw)
	if price <= 0 {
		return 0, fmt.Errorf("invalid price %q for %s", raw, contract)
	}
	return price, nil
}
