// Package venuetest 提供可编排的内存交易所，供控制器与工具层测试使用。
package venuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/venue"
)

type Fake struct {
	mu sync.Mutex

	specs     map[string]venue.Spec
	fillPrice map[string]decimal.Decimal
	fee       *decimal.Decimal
	// fillRatio 缺省为全部成交
	fillRatio map[string]decimal.Decimal
	positions map[string]venue.PositionSnapshot

	orders       map[string]venue.Fill
	conditionals map[string]venue.ConditionalRequest
	seq          int

	// pendingReads 表示回读时先返回几次未成交
	pendingReads int
	reads        map[string]int

	MarketOrders []venue.OrderRequest
	Placed       []venue.ConditionalRequest
	Cancelled    []string

	FailMarket      error
	FailConditional map[venue.ConditionalKind]error
	FailCancel      error
	FailQuery       error
	FailPosition    error
}

func New() *Fake {
	return &Fake{
		specs:           make(map[string]venue.Spec),
		fillPrice:       make(map[string]decimal.Decimal),
		fillRatio:       make(map[string]decimal.Decimal),
		positions:       make(map[string]venue.PositionSnapshot),
		orders:          make(map[string]venue.Fill),
		conditionals:    make(map[string]venue.ConditionalRequest),
		reads:           make(map[string]int),
		FailConditional: make(map[venue.ConditionalKind]error),
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) SetSpec(spec venue.Spec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[spec.Symbol] = spec
}

// SetFillPrice 设置市价单的成交价。
func (f *Fake) SetFillPrice(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fillPrice[symbol] = price
}

// SetFee 设置成交手续费；nil 表示交易所不返回手续费。
func (f *Fake) SetFee(fee *decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fee = fee
}

// SetFillRatio 让该合约的市价单只成交请求数量的 ratio 倍，剩余部分被交易所撤销。
func (f *Fake) SetFillRatio(symbol string, ratio decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fillRatio[symbol] = ratio
}

// SetPosition 设置交易所侧持仓；数量为零表示无持仓。
func (f *Fake) SetPosition(pos venue.PositionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pos.Quantity.Sign() <= 0 {
		delete(f.positions, pos.Symbol)
		return
	}
	f.positions[pos.Symbol] = pos
}

func (f *Fake) SetPendingReads(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingReads = n
}

func (f *Fake) ContractSpec(_ context.Context, symbol string) (venue.Spec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[symbol]
	if !ok {
		return venue.Spec{}, fmt.Errorf("unknown contract %s", symbol)
	}
	return spec, nil
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *Fake) PlaceMarketOrder(_ context.Context, req venue.OrderRequest) (venue.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailMarket != nil {
		return venue.OrderAck{}, f.FailMarket
	}
	price, ok := f.fillPrice[req.Symbol]
	if !ok {
		return venue.OrderAck{}, fmt.Errorf("no fill price for %s", req.Symbol)
	}
	id := f.nextID("mkt")
	filled, status := req.Quantity, venue.OrderFilled
	if ratio, ok := f.fillRatio[req.Symbol]; ok {
		filled = req.Quantity.Mul(ratio)
		status = venue.OrderCancelled
	}
	fill := venue.Fill{
		OrderID:   id,
		Status:    status,
		FilledQty: filled,
		AvgPrice:  price,
		UpdatedAt: time.Now(),
	}
	if f.fee != nil {
		fee := *f.fee
		fill.Fee = &fee
	}
	f.orders[id] = fill
	f.track(req, filled, price)
	f.MarketOrders = append(f.MarketOrders, req)
	return venue.OrderAck{OrderID: id}, nil
}

func (f *Fake) QueryOrder(_ context.Context, _ string, orderID string) (venue.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailQuery != nil {
		return venue.Fill{}, f.FailQuery
	}
	fill, ok := f.orders[orderID]
	if !ok {
		return venue.Fill{}, fmt.Errorf("order %s not found", orderID)
	}
	f.reads[orderID]++
	if f.reads[orderID] <= f.pendingReads {
		return venue.Fill{OrderID: orderID, Status: venue.OrderNew}, nil
	}
	return fill, nil
}

func (f *Fake) PlaceConditional(_ context.Context, req venue.ConditionalRequest) (venue.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailConditional[req.Kind]; err != nil {
		return venue.OrderAck{}, err
	}
	id := f.nextID(string(req.Kind))
	f.conditionals[id] = req
	f.Placed = append(f.Placed, req)
	return venue.OrderAck{OrderID: id}, nil
}

func (f *Fake) CancelConditional(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCancel != nil {
		return f.FailCancel
	}
	if _, ok := f.conditionals[orderID]; !ok {
		return errors.New("unknown conditional " + orderID)
	}
	delete(f.conditionals, orderID)
	f.Cancelled = append(f.Cancelled, orderID)
	return nil
}

// track 按成交数量更新交易所侧持仓。
func (f *Fake) track(req venue.OrderRequest, filled, price decimal.Decimal) {
	pos, ok := f.positions[req.Symbol]
	if req.ReduceOnly {
		if !ok {
			return
		}
		pos.Quantity = pos.Quantity.Sub(filled)
		if pos.Quantity.Sign() <= 0 {
			delete(f.positions, req.Symbol)
			return
		}
		f.positions[req.Symbol] = pos
		return
	}
	if !ok {
		pos = venue.PositionSnapshot{Symbol: req.Symbol, Side: req.PositionSide, EntryPrice: price}
	}
	pos.Quantity = pos.Quantity.Add(filled)
	pos.MarkPrice = price
	f.positions[req.Symbol] = pos
}

func (f *Fake) QueryPosition(_ context.Context, symbol string) (venue.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPosition != nil {
		return venue.PositionSnapshot{}, f.FailPosition
	}
	pos, ok := f.positions[symbol]
	if !ok {
		return venue.PositionSnapshot{}, venue.ErrNoPosition
	}
	return pos, nil
}

// Active 返回该合约当前挂着的触发单。
func (f *Fake) Active(symbol string) map[string]venue.ConditionalRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]venue.ConditionalRequest)
	for id, req := range f.conditionals {
		if req.Symbol == symbol {
			out[id] = req
		}
	}
	return out
}

func (f *Fake) MarketOrderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.MarketOrders)
}
