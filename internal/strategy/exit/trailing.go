package exit

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"riskguard/internal/consistency"
	"riskguard/internal/riskerr"
	"riskguard/internal/store"
	"riskguard/internal/store/model"
	"riskguard/internal/strategy/stoploss"
	"riskguard/internal/venue"
)

// UpdateTrailingStop 只给出建议：按当前价格与波动率重算止损，仅当严格收紧时 ShouldUpdate 为 true。
// 若存在该合约的持仓，同时参考已持久化的止损并遵守跟踪冷却期。
func (c *Controller) UpdateTrailingStop(ctx context.Context, req TrailingRequest) (TrailingResult, error) {
	const op = "updateTrailingStop"
	sym, err := canonical(op, req.Symbol)
	if err != nil {
		return TrailingResult{Outcome: Outcome{Reason: err.Error()}}, err
	}
	res := TrailingResult{Symbol: sym, CurrentStop: req.CurrentStopLoss}
	if req.Side != venue.SideLong && req.Side != venue.SideShort {
		err := riskerr.Validation(op, "side must be long or short, got %q", req.Side)
		c.fail(&res.Outcome, err)
		return res, err
	}
	if !req.CurrentPrice.IsPositive() {
		err := riskerr.Validation(op, "currentPrice must be positive")
		c.fail(&res.Outcome, err)
		return res, err
	}

	current := req.CurrentStopLoss
	snap, err := c.load(ctx, op, sym)
	switch {
	case err == nil:
		if venue.Side(snap.pos.Side) == req.Side && consistency.Tighter(req.Side, current, snap.pos.StopLoss) {
			current = snap.pos.StopLoss
			res.CurrentStop = current
		}
		if err := c.guard.CheckTrailingCooldown(ctx, snap.pos.PositionID); err != nil {
			c.metrics.TrailingEvaluated("cooldown")
			res.Success = true
			res.Reason = err.Error()
			return res, nil
		}
	case riskerr.IsKind(err, riskerr.KindValidation):
		// 无持仓时按请求参数给出建议
	default:
		c.fail(&res.Outcome, err)
		return res, err
	}

	candidate, calc, err := c.trailingCandidate(ctx, sym, req.Side, req.CurrentPrice)
	if err != nil {
		c.metrics.TrailingEvaluated("error")
		c.fail(&res.Outcome, err)
		return res, err
	}
	res.Calculation = calc
	res.Success = true
	if !consistency.Tighter(req.Side, current, candidate) {
		c.metrics.TrailingEvaluated("skipped")
		res.Reason = "candidate " + candidate.String() + " does not tighten current stop " + current.String()
		return res, nil
	}
	c.metrics.TrailingEvaluated("advised")
	res.ShouldUpdate = true
	res.NewStopLoss = &candidate
	return res, nil
}

// trailingCandidate 把当前价当作入场价交给止损计算器，得到新的候选止损。
func (c *Controller) trailingCandidate(ctx context.Context, sym string, side venue.Side, price decimal.Decimal) (decimal.Decimal, *stoploss.Result, error) {
	calc, err := c.stops.Calculate(ctx, stoploss.Request{
		Symbol:     sym,
		Side:       side,
		EntryPrice: decToFloat(price),
		Timeframe:  c.interval,
	})
	if err != nil {
		return decimal.Zero, nil, err
	}
	candidate := decFromFloat(calc.StopPrice)
	if m, err := c.maths.For(ctx, sym); err == nil {
		candidate = roundPrice(m, candidate)
	}
	return candidate, &calc, nil
}

// ApplyTrailing 对已进入跟踪模式的持仓重算并落地止损，供监控循环调用。
func (c *Controller) ApplyTrailing(ctx context.Context, rawSymbol string) (TrailingResult, error) {
	const op = "applyTrailingStop"
	sym, err := canonical(op, rawSymbol)
	if err != nil {
		return TrailingResult{Outcome: Outcome{Reason: err.Error()}}, err
	}
	res := TrailingResult{Symbol: sym}
	snap, err := c.load(ctx, op, sym)
	if err != nil {
		c.fail(&res.Outcome, err)
		return res, err
	}
	res.CurrentStop = snap.pos.StopLoss
	if !snap.pos.TrailingActive {
		err := riskerr.Validation(op, "position %s is not in trailing mode", sym)
		c.fail(&res.Outcome, err)
		return res, err
	}
	if err := c.guard.CheckTrailingCooldown(ctx, snap.pos.PositionID); err != nil {
		c.metrics.TrailingEvaluated("cooldown")
		res.Success = true
		res.Reason = err.Error()
		return res, nil
	}
	price, err := c.currentPrice(ctx, op, sym)
	if err != nil {
		c.fail(&res.Outcome, err)
		return res, err
	}
	side := snap.side()
	candidate, calc, err := c.trailingCandidate(ctx, sym, side, price)
	if err != nil {
		c.metrics.TrailingEvaluated("error")
		c.fail(&res.Outcome, err)
		return res, err
	}
	res.Calculation = calc
	if !consistency.Tighter(side, snap.pos.StopLoss, candidate) {
		c.metrics.TrailingEvaluated("skipped")
		res.Success = true
		res.Reason = "candidate " + candidate.String() + " does not tighten current stop " + snap.pos.StopLoss.String()
		return res, nil
	}
	res.ShouldUpdate = true
	res.NewStopLoss = &candidate

	replaced := c.replaceConditionals(ctx, op, snap, []replacement{
		{Kind: venue.KindStopLoss, Trigger: candidate, Quantity: snap.pos.Quantity},
	}, &res.Outcome)
	if err := replaced.failed[venue.KindStopLoss]; err != nil {
		c.metrics.TrailingEvaluated("error")
		err = venueErr(op, err)
		c.fail(&res.Outcome, err)
		return res, err
	}
	res.StopOrderID = replaced.placedID(venue.KindStopLoss)

	now := c.guard.Now()
	details := replaced.details()
	details["new_stop_price"] = candidate.String()
	details["previous_stop_price"] = snap.pos.StopLoss.String()
	reconID, err := c.guard.Commit(ctx, op, func(ctx context.Context, uow store.UnitOfWork) error {
		cur, err := reverify(ctx, op, uow, snap)
		if err != nil {
			return err
		}
		if err := consistency.ValidateStopMove(op, side, cur.EntryPrice, cur.StopLoss, candidate); err != nil {
			return err
		}
		cur.StopLoss = candidate
		cur.UpdatedAt = now
		if err := uow.Positions().Update(ctx, cur); err != nil {
			return err
		}
		return replaced.apply(ctx, uow, now)
	}, consistency.Discrepancy{
		Symbol:     sym,
		Side:       snap.pos.Side,
		PositionID: snap.pos.PositionID,
		OrderID:    res.StopOrderID,
		Details:    details,
	})
	if err != nil {
		c.metrics.TrailingEvaluated("partial")
		res.PartialSuccess = true
		res.NeedsManualCheck = true
		res.ReconciliationID = reconID
		c.fail(&res.Outcome, err)
		return res, err
	}
	c.metrics.TrailingEvaluated("applied")
	res.Applied = true
	res.Success = !res.NeedsManualCheck
	if res.NeedsManualCheck {
		res.PartialSuccess = true
	}
	c.log.Infof("trailing stop %s moved %s -> %s at price %s", sym, snap.pos.StopLoss, candidate, price)
	return res, nil
}

// TrailingSymbols 返回处于跟踪模式的持仓合约。
func (c *Controller) TrailingSymbols(ctx context.Context) ([]string, error) {
	var out []string
	err := store.Read(ctx, c.guard.Store(), func(ctx context.Context, uow store.UnitOfWork) error {
		positions, err := uow.Positions().ListOpen(ctx)
		if err != nil {
			return err
		}
		for _, p := range positions {
			if p.TrailingActive && p.Status == model.PositionOpen {
				out = append(out, p.Symbol)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return out, nil
}
