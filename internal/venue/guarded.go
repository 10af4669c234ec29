package venue

import (
	"context"
	"errors"

	"riskguard/internal/pkg/circuit"
	"riskguard/internal/riskerr"
)

// CallObserver 接收每次交易所调用的结果，用于指标统计。
type CallObserver func(venue, op string, err error)

// Guarded 为 Client 加上熔断，并把底层错误统一包装成 riskerr.KindVenue。
type Guarded struct {
	inner    Client
	breaker  *circuit.CircuitBreaker
	observer CallObserver
}

func NewGuarded(inner Client, breaker *circuit.CircuitBreaker, observer CallObserver) *Guarded {
	return &Guarded{inner: inner, breaker: breaker, observer: observer}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) do(op string, fn func() error) error {
	if g.breaker != nil && !g.breaker.Allow() {
		err := riskerr.Venue(op, ErrCircuitOpen)
		g.observe(op, err)
		return err
	}
	err := fn()
	if g.breaker != nil {
		// 回读阶段的"尚未成交"不计入熔断
		switch {
		case err == nil:
			g.breaker.RecordSuccess()
		case !errors.Is(err, ErrNotFilled) && !errors.Is(err, ErrNoPosition):
			g.breaker.RecordFailure()
		}
	}
	g.observe(op, err)
	if err != nil && riskerr.KindOf(err) == "" {
		return riskerr.Venue(op, err)
	}
	return err
}

func (g *Guarded) observe(op string, err error) {
	if g.observer != nil {
		g.observer(g.inner.Name(), op, err)
	}
}

func (g *Guarded) ContractSpec(ctx context.Context, symbol string) (Spec, error) {
	var out Spec
	err := g.do("contract_spec", func() (err error) {
		out, err = g.inner.ContractSpec(ctx, symbol)
		return err
	})
	return out, err
}

func (g *Guarded) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	var out OrderAck
	err := g.do("place_market_order", func() (err error) {
		out, err = g.inner.PlaceMarketOrder(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) QueryOrder(ctx context.Context, symbol, orderID string) (Fill, error) {
	var out Fill
	err := g.do("query_order", func() (err error) {
		out, err = g.inner.QueryOrder(ctx, symbol, orderID)
		return err
	})
	return out, err
}

func (g *Guarded) PlaceConditional(ctx context.Context, req ConditionalRequest) (OrderAck, error) {
	var out OrderAck
	err := g.do("place_conditional", func() (err error) {
		out, err = g.inner.PlaceConditional(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) CancelConditional(ctx context.Context, symbol, orderID string) error {
	return g.do("cancel_conditional", func() error {
		return g.inner.CancelConditional(ctx, symbol, orderID)
	})
}

func (g *Guarded) QueryPosition(ctx context.Context, symbol string) (PositionSnapshot, error) {
	var out PositionSnapshot
	err := g.do("query_position", func() (err error) {
		out, err = g.inner.QueryPosition(ctx, symbol)
		return err
	})
	return out, err
}
