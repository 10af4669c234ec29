package exit

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"riskguard/internal/consistency"
	"riskguard/internal/riskerr"
	"riskguard/internal/store"
	"riskguard/internal/store/model"
	"riskguard/internal/strategy/stoploss"
	"riskguard/internal/venue"
)

// CheckOpen 评估在给定入场价开仓是否可行：止损被截断或质量分不足时不建议开仓。
func (c *Controller) CheckOpen(ctx context.Context, rawSymbol string, side venue.Side, entryPrice decimal.Decimal) (OpenCheck, error) {
	const op = "checkOpenPosition"
	sym, err := canonical(op, rawSymbol)
	if err != nil {
		return OpenCheck{Reason: err.Error()}, err
	}
	if side != venue.SideLong && side != venue.SideShort {
		err := riskerr.Validation(op, "side must be long or short, got %q", side)
		return OpenCheck{Reason: err.Error()}, err
	}
	if !entryPrice.IsPositive() {
		err := riskerr.Validation(op, "entryPrice must be positive")
		return OpenCheck{Reason: err.Error()}, err
	}
	if exists, err := c.hasOpen(ctx, op, sym); err != nil {
		return OpenCheck{Reason: err.Error()}, err
	} else if exists {
		return OpenCheck{Reason: "position already open for " + sym}, nil
	}
	calc, err := c.stops.Calculate(ctx, stoploss.Request{
		Symbol:     sym,
		Side:       side,
		EntryPrice: decToFloat(entryPrice),
		Timeframe:  c.interval,
	})
	if err != nil {
		return OpenCheck{Reason: err.Error()}, err
	}
	check := OpenCheck{ShouldOpen: calc.Acceptable, StopLossResult: &calc, Reason: calc.Recommendation}
	return check, nil
}

func (c *Controller) hasOpen(ctx context.Context, op, sym string) (bool, error) {
	_, err := c.load(ctx, op, sym)
	switch {
	case err == nil:
		return true, nil
	case riskerr.IsKind(err, riskerr.KindValidation):
		return false, nil
	default:
		return false, err
	}
}

// OpenPosition 开仓并挂上止损（以及可选止盈）。成交价偏离参考价超过上限时立即反向平掉并报错。
func (c *Controller) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	const op = "openPosition"
	sym, err := canonical(op, req.Symbol)
	if err != nil {
		return OpenResult{Outcome: Outcome{Reason: err.Error()}}, err
	}
	res := OpenResult{Symbol: sym, Side: req.Side}
	fail := func(err error) (OpenResult, error) {
		c.fail(&res.Outcome, err)
		return res, err
	}
	if req.Side != venue.SideLong && req.Side != venue.SideShort {
		return fail(riskerr.Validation(op, "side must be long or short, got %q", req.Side))
	}
	if !req.Margin.IsPositive() {
		return fail(riskerr.Validation(op, "marginAmount must be positive"))
	}
	leverage := req.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	res.Leverage = leverage
	if exists, err := c.hasOpen(ctx, op, sym); err != nil {
		return fail(err)
	} else if exists {
		return fail(riskerr.Conflict(op, "position already open for %s", sym))
	}

	price, err := c.currentPrice(ctx, op, sym)
	if err != nil {
		return fail(err)
	}
	calc, err := c.stops.Calculate(ctx, stoploss.Request{
		Symbol:     sym,
		Side:       req.Side,
		EntryPrice: decToFloat(price),
		Timeframe:  c.interval,
	})
	if err != nil {
		return fail(err)
	}
	res.StopLossResult = &calc
	if !calc.Acceptable {
		return fail(riskerr.Validation(op, "stop loss not acceptable for %s: %s", sym, calc.Recommendation))
	}
	if req.TakeProfit != nil {
		if err := consistency.ValidateTakeProfit(op, req.Side, price, *req.TakeProfit); err != nil {
			return fail(err)
		}
	}

	m, err := c.mathFor(ctx, op, sym)
	if err != nil {
		return fail(err)
	}
	qty := m.QuantityFor(req.Margin, price, leverage)
	if minQty := m.MinQuantity(); qty.LessThan(minQty) {
		return fail(riskerr.InsufficientSize(op, "open quantity", decToFloat(minQty), decToFloat(qty)))
	}

	positionID := uuid.NewString()
	exec, err := c.execute(ctx, op, m, venue.OrderRequest{
		Symbol:        sym,
		PositionSide:  req.Side,
		Quantity:      qty,
		ClientOrderID: positionID,
	}, price, &res.Outcome)
	if err != nil {
		return fail(err)
	}
	res.EntryPrice, res.Quantity = exec.Price, exec.Quantity
	res.Fee, res.FeeEstimated = exec.Fee, exec.FeeEstimated

	limit := c.guardCfg.MaxOpenSlippagePct
	if dev := deviationPct(price, exec.Price); dev.GreaterThan(decFromFloat(limit)) {
		c.compensate(ctx, op, sym, req.Side, positionID, exec, &res.Outcome)
		return fail(riskerr.Slippage(op, decToFloat(price), decToFloat(exec.Price), limit))
	}

	// 止损距离按成交价重新锚定
	stop := roundPrice(m, offsetPrice(req.Side, exec.Price, decFromFloat(calc.DistancePercent)))
	now := c.guard.Now()
	var orders []model.ConditionalOrder
	place := func(kind venue.ConditionalKind, trigger decimal.Decimal) (string, error) {
		ack, err := c.venue.PlaceConditional(ctx, venue.ConditionalRequest{
			Symbol:        sym,
			PositionSide:  req.Side,
			Kind:          kind,
			TriggerPrice:  trigger,
			Quantity:      exec.Quantity,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			return "", err
		}
		orders = append(orders, model.ConditionalOrder{
			OrderID:      ack.OrderID,
			PositionID:   positionID,
			Symbol:       sym,
			Side:         string(req.Side),
			Kind:         string(kind),
			TriggerPrice: trigger,
			Quantity:     exec.Quantity,
			Status:       model.OrderActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		return ack.OrderID, nil
	}
	if id, err := place(venue.KindStopLoss, stop); err != nil {
		c.log.Errorf("%s: stop loss for %s at %s failed, position is unprotected: %v", op, sym, stop, err)
		res.PartialSuccess = true
		res.manual("stop loss %s could not be placed, position is unprotected: %v", stop, err)
		stop = decimal.Zero
	} else {
		res.StopLossOrderID = id
	}
	target := decimal.Zero
	if req.TakeProfit != nil {
		tp := roundPrice(m, *req.TakeProfit)
		if id, err := place(venue.KindTakeProfit, tp); err != nil {
			res.PartialSuccess = true
			res.manual("take profit %s could not be placed: %v", tp, err)
		} else {
			target = tp
			res.TakeProfitOrderID = id
		}
	}

	pos := &model.Position{
		PositionID:      positionID,
		Symbol:          sym,
		Side:            string(req.Side),
		ContractType:    string(m.ContractType()),
		EntryPrice:      exec.Price,
		Quantity:        exec.Quantity,
		InitialQuantity: exec.Quantity,
		Leverage:        leverage,
		StopLoss:        stop,
		TakeProfit:      target,
		ClosedPercent:   decimal.Zero,
		Status:          model.PositionOpen,
		OpenOrderID:     exec.OrderID,
		OpenedAt:        now,
		UpdatedAt:       now,
	}
	reconID, err := c.guard.Commit(ctx, op, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.Positions().Create(ctx, pos); err != nil {
			if errors.Is(err, store.ErrDuplicatePosition) {
				return riskerr.Conflict(op, "position already open for %s", sym)
			}
			return err
		}
		for i := range orders {
			if err := uow.Orders().Create(ctx, &orders[i]); err != nil {
				return err
			}
		}
		return nil
	}, consistency.Discrepancy{
		Symbol:     sym,
		Side:       string(req.Side),
		PositionID: positionID,
		OrderID:    exec.OrderID,
		Details: map[string]any{
			"entry_price":          exec.Price.String(),
			"quantity":             exec.Quantity.String(),
			"leverage":             leverage,
			"stop_loss":            stop.String(),
			"take_profit":          target.String(),
			"stop_loss_order_id":   res.StopLossOrderID,
			"take_profit_order_id": res.TakeProfitOrderID,
		},
	})
	res.PositionID = positionID
	res.StopLoss, res.TakeProfit = stop, target
	if err != nil {
		res.PartialSuccess = true
		res.NeedsManualCheck = true
		res.ReconciliationID = reconID
		return fail(err)
	}
	res.Success = !res.PartialSuccess
	c.log.Infof("opened %s %s qty=%s entry=%s stop=%s target=%s lev=%d",
		sym, req.Side, exec.Quantity, exec.Price, stop, target, leverage)
	return res, nil
}

// compensate 反向平掉滑点超限的开仓成交；失败时只能留给对账流程。
func (c *Controller) compensate(ctx context.Context, op, sym string, side venue.Side, positionID string, exec execution, out *Outcome) {
	ctx = context.WithoutCancel(ctx)
	ack, err := c.venue.PlaceMarketOrder(ctx, venue.OrderRequest{
		Symbol:        sym,
		PositionSide:  side,
		Quantity:      exec.Quantity,
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	})
	if err == nil {
		c.log.Warnf("%s: slippage on %s open order %s, compensated with %s", op, sym, exec.OrderID, ack.OrderID)
		out.note("open fill %s compensated by reduce-only order %s", exec.OrderID, ack.OrderID)
		return
	}
	c.log.Errorf("%s: compensating close for %s failed, venue position is orphaned: %v", op, sym, err)
	out.PartialSuccess = true
	out.manual("compensating close failed, position %s qty %s is open at the venue without local record", sym, exec.Quantity)
	id, _ := c.guard.Record(ctx, consistency.Discrepancy{
		Operation:    "compensate_open",
		Symbol:       sym,
		Side:         string(side),
		PositionID:   positionID,
		OrderID:      exec.OrderID,
		VenueSuccess: true,
		StoreSuccess: false,
		Details: map[string]any{
			"quantity":    exec.Quantity.String(),
			"entry_price": exec.Price.String(),
		},
		Cause: err,
	})
	out.ReconciliationID = id
}

// ClosePosition 市价平掉剩余仓位并撤销所有触发单。持仓不足半个决策周期时拒绝。
// 数量以交易所持仓为准；只部分成交时剩余仓位保持开启并按剩余数量重挂触发单。
func (c *Controller) ClosePosition(ctx context.Context, rawSymbol, reason string) (CloseResult, error) {
	const op = "closePosition"
	sym, err := canonical(op, rawSymbol)
	if err != nil {
		return CloseResult{Outcome: Outcome{Reason: err.Error()}}, err
	}
	res := CloseResult{Symbol: sym}
	fail := func(err error) (CloseResult, error) {
		c.fail(&res.Outcome, err)
		return res, err
	}
	snap, err := c.load(ctx, op, sym)
	if err != nil {
		return fail(err)
	}
	pos := snap.pos
	side := snap.side()
	res.PositionID = pos.PositionID
	if err := c.guard.CheckHolding(op, pos); err != nil {
		return fail(err)
	}
	m, err := c.mathFor(ctx, op, sym)
	if err != nil {
		return fail(err)
	}
	qty, err := c.venueQuantity(ctx, op, snap, &res.Outcome)
	if err != nil {
		return fail(err)
	}
	price, err := c.currentPrice(ctx, op, sym)
	if err != nil {
		return fail(err)
	}

	exec, err := c.execute(ctx, op, m, venue.OrderRequest{
		Symbol:       sym,
		PositionSide: side,
		Quantity:     qty,
		ReduceOnly:   true,
	}, price, &res.Outcome)
	if err != nil {
		return fail(err)
	}
	if dev := deviationPct(price, exec.Price); dev.GreaterThan(decFromFloat(c.guardCfg.MaxCloseSlippagePct)) {
		res.manual("close slippage %s%% exceeds %.2f%% (reference %s, filled %s)",
			dev.StringFixed(2), c.guardCfg.MaxCloseSlippagePct, price, exec.Price)
	}
	remaining := qty.Sub(exec.Quantity)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	pnl := m.PnL(pos.EntryPrice, exec.Price, exec.Quantity, side)

	var (
		cancelled []string
		replaced  replaceOutcome
	)
	if remaining.IsPositive() {
		res.PartialSuccess = true
		res.manual("close filled %s of %s, %s remains open", exec.Quantity, qty, remaining)
		id, _ := c.guard.Record(ctx, consistency.Discrepancy{
			Operation:    "close_partial_fill",
			Symbol:       sym,
			Side:         pos.Side,
			PositionID:   pos.PositionID,
			OrderID:      exec.OrderID,
			VenueSuccess: true,
			StoreSuccess: true,
			Details: map[string]any{
				"requested_quantity": qty.String(),
				"filled_quantity":    exec.Quantity.String(),
				"remaining_quantity": remaining.String(),
				"reason":             reason,
			},
		})
		if res.ReconciliationID == "" {
			res.ReconciliationID = id
		}
		var reps []replacement
		if pos.HasStopLoss() {
			reps = append(reps, replacement{Kind: venue.KindStopLoss, Trigger: pos.StopLoss, Quantity: remaining})
		}
		if pos.HasTakeProfit() {
			reps = append(reps, replacement{Kind: venue.KindTakeProfit, Trigger: pos.TakeProfit, Quantity: remaining})
		}
		replaced = c.replaceConditionals(ctx, op, snap, reps, &res.Outcome)
		for kind, err := range replaced.failed {
			res.manual("%s could not be re-placed for remaining %s, previous order stays: %v", kind, remaining, err)
		}
	} else {
		cancelled = c.cancelAll(ctx, op, snap, &res.Outcome)
	}

	now := c.guard.Now()
	closedPct := decHundred
	if remaining.IsPositive() && pos.InitialQuantity.IsPositive() {
		closedPct = pos.InitialQuantity.Sub(remaining).Div(pos.InitialQuantity).Mul(decHundred)
	}
	details := replaced.details()
	details["reason"] = reason
	details["closed_quantity"] = exec.Quantity.String()
	details["remaining_quantity"] = remaining.String()
	details["exit_price"] = exec.Price.String()
	details["realized_pnl"] = pnl.String()
	if !remaining.IsPositive() {
		details["cancelled_orders"] = cancelled
	}
	reconID, err := c.guard.Commit(ctx, op, func(ctx context.Context, uow store.UnitOfWork) error {
		cur, err := reverify(ctx, op, uow, snap)
		if err != nil {
			return err
		}
		cur.Quantity = remaining
		cur.ClosedPercent = closedPct
		cur.UpdatedAt = now
		if !remaining.IsPositive() {
			cur.Status = model.PositionClosed
			cur.ClosedAt = &now
		}
		if err := uow.Positions().Update(ctx, cur); err != nil {
			return err
		}
		for _, id := range cancelled {
			if err := uow.Orders().MarkStatus(ctx, id, model.OrderCancelled, now); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return replaced.apply(ctx, uow, now)
	}, consistency.Discrepancy{
		Symbol:     sym,
		Side:       pos.Side,
		PositionID: pos.PositionID,
		OrderID:    exec.OrderID,
		Details:    details,
	})
	res.ClosedQuantity, res.RemainingQuantity = exec.Quantity, remaining
	res.ExitPrice, res.PnL = exec.Price, pnl
	res.Fee, res.FeeEstimated = exec.Fee, exec.FeeEstimated
	if err != nil {
		res.PartialSuccess = true
		res.NeedsManualCheck = true
		res.ReconciliationID = reconID
		return fail(err)
	}
	// 需要人工复核的平仓不算完全成功
	if res.NeedsManualCheck {
		res.PartialSuccess = true
	}
	res.Success = !res.PartialSuccess
	c.log.Infof("closed %s qty=%s remaining=%s exit=%s pnl=%s reason=%q", sym, exec.Quantity, remaining, exec.Price, pnl, reason)
	return res, nil
}

// venueQuantity 以交易所持仓数量为平仓数量。与本地不一致时记对账；
// 交易所无持仓时拒绝下单，查询失败时退回本地数量。
func (c *Controller) venueQuantity(ctx context.Context, op string, snap snapshot, out *Outcome) (decimal.Decimal, error) {
	pos := snap.pos
	local := pos.Quantity
	vp, err := c.venue.QueryPosition(ctx, pos.Symbol)
	if err != nil && !errors.Is(err, venue.ErrNoPosition) {
		c.log.Warnf("%s: venue position of %s unavailable, using local quantity %s: %v", op, pos.Symbol, local, err)
		out.note("venue position unavailable, closing local quantity %s", local)
		return local, nil
	}
	flat := errors.Is(err, venue.ErrNoPosition) || !vp.Quantity.IsPositive() ||
		(vp.Side != "" && vp.Side != snap.side())
	if !flat && vp.Quantity.Equal(local) {
		return local, nil
	}
	venueQty := vp.Quantity
	if flat {
		venueQty = decimal.Zero
	}
	id, _ := c.guard.Record(ctx, consistency.Discrepancy{
		Operation:    "position_drift",
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		PositionID:   pos.PositionID,
		VenueSuccess: true,
		StoreSuccess: true,
		Details: map[string]any{
			"local_quantity":  local.String(),
			"venue_quantity":  venueQty.String(),
			"venue_side":      string(vp.Side),
			"requested_by_op": op,
		},
	})
	if out.ReconciliationID == "" {
		out.ReconciliationID = id
	}
	if flat {
		out.NeedsManualCheck = true
		return decimal.Zero, riskerr.Conflict(op, "venue reports no %s position for %s while local quantity is %s", pos.Side, pos.Symbol, local)
	}
	out.manual("venue quantity %s differs from local %s, closing venue quantity", venueQty, local)
	return venueQty, nil
}

// cancelAll 撤销全部活动触发单，返回撤销成功的订单号；失败的记对账。
func (c *Controller) cancelAll(ctx context.Context, op string, snap snapshot, out *Outcome) []string {
	var cancelled []string
	for _, o := range snap.orders {
		if o.Status != model.OrderActive {
			continue
		}
		if err := c.venue.CancelConditional(ctx, snap.pos.Symbol, o.OrderID); err != nil {
			out.manual("%s order %s could not be cancelled: %v", o.Kind, o.OrderID, err)
			id, _ := c.guard.Record(ctx, consistency.Discrepancy{
				Operation:    "cancel_conditional",
				Symbol:       snap.pos.Symbol,
				Side:         snap.pos.Side,
				PositionID:   snap.pos.PositionID,
				OrderID:      o.OrderID,
				VenueSuccess: false,
				StoreSuccess: true,
				Details:      map[string]any{"kind": o.Kind, "requested_by_op": op},
				Cause:        err,
			})
			if out.ReconciliationID == "" {
				out.ReconciliationID = id
			}
			continue
		}
		cancelled = append(cancelled, o.OrderID)
	}
	return cancelled
}
