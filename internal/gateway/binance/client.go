package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"riskguard/internal/logger"
	symbolpkg "riskguard/internal/pkg/symbol"
	"riskguard/internal/venue"
)

// Client 实现 venue.Client。仅支持单向持仓模式，止损止盈使用 STOP_MARKET / TAKE_PROFIT_MARKET。
type Client struct {
	rest      restAPI
	takerRate decimal.Decimal
	log       *logger.Entry
}

func NewClient(cfg Config) (*Client, error) {
	final := cfg.withDefaults()
	if final.APIKey == "" || final.SecretKey == "" {
		return nil, fmt.Errorf("binance api_key and secret_key are required")
	}
	rest, err := newSDKREST(final)
	if err != nil {
		return nil, err
	}
	return newClient(rest, final.TakerRate), nil
}

func newClient(rest restAPI, takerRate decimal.Decimal) *Client {
	return &Client{rest: rest, takerRate: takerRate, log: logger.With("binance")}
}

func (c *Client) Name() string { return "binance" }

func (c *Client) ContractSpec(ctx context.Context, symbol string) (venue.Spec, error) {
	clean := symbolpkg.Binance.ToExchange(symbol)
	f, err := c.rest.SymbolFilters(ctx, clean)
	if err != nil {
		return venue.Spec{}, err
	}
	step, err := decimal.NewFromString(f.StepSize)
	if err != nil {
		return venue.Spec{}, fmt.Errorf("%s step size %q: %w", clean, f.StepSize, err)
	}
	tick, err := decimal.NewFromString(f.TickSize)
	if err != nil {
		return venue.Spec{}, fmt.Errorf("%s tick size %q: %w", clean, f.TickSize, err)
	}
	minQty, _ := decimal.NewFromString(f.MinQty)
	if minQty.LessThan(step) {
		minQty = step
	}
	return venue.Spec{
		Symbol:     symbol,
		Type:       venue.ContractLinear,
		Multiplier: decimal.NewFromInt(1),
		StepSize:   step,
		MinQty:     minQty,
		PriceTick:  tick,
		TakerRate:  c.takerRate,
	}, nil
}

func sideFor(buy bool) futures.SideType {
	if buy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func (c *Client) PlaceMarketOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderAck, error) {
	id, err := c.rest.CreateOrder(ctx, orderParams{
		Symbol:     symbolpkg.Binance.ToExchange(req.Symbol),
		Side:       sideFor(req.IsBuy()),
		Type:       futures.OrderTypeMarket,
		Quantity:   req.Quantity.String(),
		ReduceOnly: req.ReduceOnly,
		ClientID:   req.ClientOrderID,
	})
	if err != nil {
		return venue.OrderAck{}, err
	}
	c.log.Infof("market order %s %s qty=%s reduceOnly=%v id=%d", req.Symbol, req.PositionSide, req.Quantity, req.ReduceOnly, id)
	return venue.OrderAck{OrderID: strconv.FormatInt(id, 10)}, nil
}

func parseOrderID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid binance order id %q", raw)
	}
	return id, nil
}

// QueryOrder 交易所不在订单上返回手续费，Fee 留空由上层估算。
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (venue.Fill, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return venue.Fill{}, err
	}
	st, err := c.rest.GetOrder(ctx, symbolpkg.Binance.ToExchange(symbol), id)
	if err != nil {
		return venue.Fill{}, err
	}
	qty, _ := decimal.NewFromString(st.Executed)
	avg, _ := decimal.NewFromString(st.AvgPrice)
	fill := venue.Fill{
		OrderID:   orderID,
		Status:    mapStatus(st.Status),
		FilledQty: qty,
		AvgPrice:  avg,
	}
	if st.UpdateTime > 0 {
		fill.UpdatedAt = time.UnixMilli(st.UpdateTime)
	}
	return fill, nil
}

func mapStatus(raw string) venue.OrderStatus {
	switch futures.OrderStatusType(strings.ToUpper(raw)) {
	case futures.OrderStatusTypeFilled:
		return venue.OrderFilled
	case futures.OrderStatusTypePartiallyFilled:
		return venue.OrderPartiallyFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return venue.OrderCancelled
	case futures.OrderStatusTypeRejected:
		return venue.OrderRejected
	default:
		return venue.OrderNew
	}
}

func (c *Client) PlaceConditional(ctx context.Context, req venue.ConditionalRequest) (venue.OrderAck, error) {
	typ := futures.OrderTypeStopMarket
	if req.Kind == venue.KindTakeProfit {
		typ = futures.OrderTypeTakeProfitMarket
	}
	// 触发单总是平仓方向：平多卖、平空买
	id, err := c.rest.CreateOrder(ctx, orderParams{
		Symbol:     symbolpkg.Binance.ToExchange(req.Symbol),
		Side:       sideFor(req.PositionSide == venue.SideShort),
		Type:       typ,
		Quantity:   req.Quantity.String(),
		StopPrice:  req.TriggerPrice.String(),
		ReduceOnly: true,
		ClientID:   req.ClientOrderID,
	})
	if err != nil {
		return venue.OrderAck{}, err
	}
	c.log.Infof("%s placed %s trigger=%s qty=%s id=%d", req.Kind, req.Symbol, req.TriggerPrice, req.Quantity, id)
	return venue.OrderAck{OrderID: strconv.FormatInt(id, 10)}, nil
}

func (c *Client) CancelConditional(ctx context.Context, symbol, orderID string) error {
	id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}
	return c.rest.CancelOrder(ctx, symbolpkg.Binance.ToExchange(symbol), id)
}

func (c *Client) QueryPosition(ctx context.Context, symbol string) (venue.PositionSnapshot, error) {
	risks, err := c.rest.PositionRisk(ctx, symbolpkg.Binance.ToExchange(symbol))
	if err != nil {
		return venue.PositionSnapshot{}, err
	}
	for _, p := range risks {
		amt, _ := decimal.NewFromString(p.Amount)
		if amt.IsZero() {
			continue
		}
		side := venue.SideLong
		if amt.IsNegative() {
			side = venue.SideShort
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		lev, _ := strconv.Atoi(strings.TrimSpace(p.Leverage))
		return venue.PositionSnapshot{
			Symbol:     symbol,
			Side:       side,
			Quantity:   amt.Abs(),
			EntryPrice: entry,
			MarkPrice:  mark,
			Leverage:   lev,
		}, nil
	}
	return venue.PositionSnapshot{}, venue.ErrNoPosition
}
