package venue

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type ConditionalKind string

const (
	KindStopLoss   ConditionalKind = "stop_loss"
	KindTakeProfit ConditionalKind = "take_profit"
)

type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
)

// Final 表示订单不会再变化。
func (s OrderStatus) Final() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// OrderRequest 是市价单请求。PositionSide 指被开/平的仓位方向，
// 买卖方向由 ReduceOnly 推导：开多/平空为买，开空/平多为卖。
type OrderRequest struct {
	Symbol        string
	PositionSide  Side
	Quantity      decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// IsBuy 返回该请求在交易所侧是否为买单。
func (r OrderRequest) IsBuy() bool {
	if r.ReduceOnly {
		return r.PositionSide == SideShort
	}
	return r.PositionSide == SideLong
}

// ConditionalRequest 是挂在交易所侧的止损/止盈触发单，总是 reduce-only。
type ConditionalRequest struct {
	Symbol        string
	PositionSide  Side
	Kind          ConditionalKind
	TriggerPrice  decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
}

type OrderAck struct {
	OrderID string
}

// Fill 是订单回读结果。Fee 为空表示交易所未返回成交级手续费。
type Fill struct {
	OrderID   string
	Status    OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Fee       *decimal.Decimal
	UpdatedAt time.Time
}

type PositionSnapshot struct {
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   int
}

// Client 是执行场所的抽象，线性与反向合约共用同一接口，数量语义由 Math 描述。
type Client interface {
	Name() string
	ContractSpec(ctx context.Context, symbol string) (Spec, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	QueryOrder(ctx context.Context, symbol, orderID string) (Fill, error)
	PlaceConditional(ctx context.Context, req ConditionalRequest) (OrderAck, error)
	CancelConditional(ctx context.Context, symbol, orderID string) error
	QueryPosition(ctx context.Context, symbol string) (PositionSnapshot, error)
}

var (
	ErrCircuitOpen = errors.New("venue circuit breaker open")
	ErrNotFilled   = errors.New("order not filled yet")
	ErrNoPosition  = errors.New("no position at venue")
)
