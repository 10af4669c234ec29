package gate

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"riskguard/internal/logger"
	symbolpkg "riskguard/internal/pkg/symbol"
	"riskguard/internal/venue"
)

// Client 实现 venue.Client。Gate 合约按整数张计量，每张 QuantoMultiplier 个基础资产。
type Client struct {
	rest      restAPI
	takerRate decimal.Decimal
	log       *logger.Entry
}

func NewClient(cfg Config) (*Client, error) {
	final := cfg.withDefaults()
	if final.APIKey == "" || final.SecretKey == "" {
		return nil, fmt.Errorf("gate api_key and secret_key are required")
	}
	rest, err := newSDKREST(final)
	if err != nil {
		return nil, err
	}
	return newClient(rest, final.TakerRate), nil
}

func newClient(rest restAPI, takerRate decimal.Decimal) *Client {
	return &Client{rest: rest, takerRate: takerRate, log: logger.With("gate")}
}

func (c *Client) Name() string { return "gate" }

func (c *Client) ContractSpec(ctx context.Context, symbol string) (venue.Spec, error) {
	contract := symbolpkg.Gate.ToExchange(symbol)
	info, err := c.rest.Contract(ctx, contract)
	if err != nil {
		return venue.Spec{}, err
	}
	mult, err := decimal.NewFromString(info.Multiplier)
	if err != nil || !mult.IsPositive() {
		return venue.Spec{}, fmt.Errorf("%s quanto multiplier %q invalid", contract, info.Multiplier)
	}
	tick, _ := decimal.NewFromString(info.PriceTick)
	rate := c.takerRate
	if r, err := decimal.NewFromString(info.TakerRate); err == nil && r.IsPositive() {
		rate = r
	}
	minSize := info.MinSize
	if minSize < 1 {
		minSize = 1
	}
	return venue.Spec{
		Symbol:     symbol,
		Type:       venue.ContractInverse,
		Multiplier: mult,
		StepSize:   decimal.NewFromInt(1),
		MinQty:     decimal.NewFromInt(minSize),
		PriceTick:  tick,
		TakerRate:  rate,
	}, nil
}

// signedSize 把张数转为 Gate 的带符号 size。
func signedSize(qty decimal.Decimal, buy bool) (int64, error) {
	lots := qty.Floor()
	if !lots.IsPositive() || !lots.Equal(qty) {
		return 0, fmt.Errorf("gate size must be a positive whole number of lots, got %s", qty)
	}
	n := lots.IntPart()
	if !buy {
		n = -n
	}
	return n, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderAck, error) {
	size, err := signedSize(req.Quantity, req.IsBuy())
	if err != nil {
		return venue.OrderAck{}, err
	}
	id, err := c.rest.CreateOrder(ctx, orderParams{
		Contract:   symbolpkg.Gate.ToExchange(req.Symbol),
		Size:       size,
		ReduceOnly: req.ReduceOnly,
		Text:       clientText(req.ClientOrderID),
	})
	if err != nil {
		return venue.OrderAck{}, err
	}
	c.log.Infof("market order %s size=%d reduceOnly=%v id=%d", req.Symbol, size, req.ReduceOnly, id)
	return venue.OrderAck{OrderID: strconv.FormatInt(id, 10)}, nil
}

func (c *Client) QueryOrder(ctx context.Context, _ string, orderID string) (venue.Fill, error) {
	st, err := c.rest.GetOrder(ctx, orderID)
	if err != nil {
		return venue.Fill{}, err
	}
	filled := st.Size - st.Left
	if filled < 0 {
		filled = -filled
	}
	price, _ := decimal.NewFromString(st.FillPrice)
	return venue.Fill{
		OrderID:   orderID,
		Status:    mapStatus(st, filled),
		FilledQty: decimal.NewFromInt(filled),
		AvgPrice:  price,
	}, nil
}

func mapStatus(st orderState, filled int64) venue.OrderStatus {
	if strings.EqualFold(st.Status, "open") {
		if filled > 0 {
			return venue.OrderPartiallyFilled
		}
		return venue.OrderNew
	}
	switch strings.ToLower(st.FinishAs) {
	case "filled":
		return venue.OrderFilled
	case "ioc", "cancelled", "reduce_only", "position_closed", "stp":
		// ioc 市价单剩余部分被撤，已成交部分仍有效
		if filled > 0 {
			return venue.OrderFilled
		}
		return venue.OrderCancelled
	default:
		return venue.OrderRejected
	}
}

func (c *Client) PlaceConditional(ctx context.Context, req venue.ConditionalRequest) (venue.OrderAck, error) {
	closeBuy := req.PositionSide == venue.SideShort
	size, err := signedSize(req.Quantity, closeBuy)
	if err != nil {
		return venue.OrderAck{}, err
	}
	id, err := c.rest.CreateTrigger(ctx, triggerParams{
		Contract: symbolpkg.Gate.ToExchange(req.Symbol),
		Size:     size,
		Price:    req.TriggerPrice.String(),
		Rule:     triggerRule(req.PositionSide, req.Kind),
		Text:     clientText(req.ClientOrderID),
	})
	if err != nil {
		return venue.OrderAck{}, err
	}
	c.log.Infof("%s placed %s trigger=%s size=%d id=%d", req.Kind, req.Symbol, req.TriggerPrice, size, id)
	return venue.OrderAck{OrderID: strconv.FormatInt(id, 10)}, nil
}

// triggerRule 多头止损与空头止盈在价格下穿时触发，其余在上穿时触发。
func triggerRule(side venue.Side, kind venue.ConditionalKind) int32 {
	down := (side == venue.SideLong) == (kind == venue.KindStopLoss)
	if down {
		return 2
	}
	return 1
}

func (c *Client) CancelConditional(ctx context.Context, _ string, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("order id is required")
	}
	return c.rest.CancelTrigger(ctx, orderID)
}

func (c *Client) QueryPosition(ctx context.Context, symbol string) (venue.PositionSnapshot, error) {
	p, err := c.rest.Position(ctx, symbolpkg.Gate.ToExchange(symbol))
	if err != nil {
		return venue.PositionSnapshot{}, err
	}
	if p.Size == 0 {
		return venue.PositionSnapshot{}, venue.ErrNoPosition
	}
	side := venue.SideLong
	size := p.Size
	if size < 0 {
		side, size = venue.SideShort, -size
	}
	entry, _ := decimal.NewFromString(p.EntryPrice)
	mark, _ := decimal.NewFromString(p.MarkPrice)
	lev, _ := strconv.Atoi(strings.TrimSpace(p.Leverage))
	return venue.PositionSnapshot{
		Symbol:     symbol,
		Side:       side,
		Quantity:   decimal.NewFromInt(size),
		EntryPrice: entry,
		MarkPrice:  mark,
		Leverage:   lev,
	}, nil
}
