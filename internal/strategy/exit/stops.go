package exit

import (
	"context"

	"github.com/shopspring/decimal"

	"riskguard/internal/consistency"
	"riskguard/internal/riskerr"
	"riskguard/internal/store"
	"riskguard/internal/venue"
)

// UpdateStopLoss 替换持仓的止损和/或止盈触发单。止损只能朝降低风险方向移动，且必须位于当前价的亏损一侧。
func (c *Controller) UpdateStopLoss(ctx context.Context, req StopUpdateRequest) (StopUpdateResult, error) {
	const op = "updatePositionStopLoss"
	sym, err := canonical(op, req.Symbol)
	if err != nil {
		return StopUpdateResult{Outcome: Outcome{Reason: err.Error()}}, err
	}
	res := StopUpdateResult{Symbol: sym}
	fail := func(err error) (StopUpdateResult, error) {
		c.fail(&res.Outcome, err)
		return res, err
	}
	if req.StopLoss == nil && req.TakeProfit == nil {
		return fail(riskerr.Validation(op, "stopLoss or takeProfit is required"))
	}
	snap, err := c.load(ctx, op, sym)
	if err != nil {
		return fail(err)
	}
	pos := snap.pos
	side := snap.side()
	res.StopLoss, res.TakeProfit = pos.StopLoss, pos.TakeProfit

	m, err := c.mathFor(ctx, op, sym)
	if err != nil {
		return fail(err)
	}
	var reps []replacement
	newStop, newTarget := pos.StopLoss, pos.TakeProfit
	if req.StopLoss != nil {
		proposed := roundPrice(m, *req.StopLoss)
		if err := consistency.ValidateStopMove(op, side, pos.EntryPrice, pos.StopLoss, proposed); err != nil {
			return fail(err)
		}
		price, err := c.currentPrice(ctx, op, sym)
		if err != nil {
			return fail(err)
		}
		if stopCrossed(side, proposed, price) {
			return fail(riskerr.Validation(op, "stop loss %s would trigger immediately at current price %s", proposed, price))
		}
		if proposed.Equal(pos.StopLoss) && len(snap.activeOrder(venue.KindStopLoss)) > 0 {
			res.note("stop loss unchanged")
		} else {
			newStop = proposed
			reps = append(reps, replacement{Kind: venue.KindStopLoss, Trigger: proposed, Quantity: pos.Quantity})
		}
	}
	if req.TakeProfit != nil {
		proposed := roundPrice(m, *req.TakeProfit)
		if err := consistency.ValidateTakeProfit(op, side, pos.EntryPrice, proposed); err != nil {
			return fail(err)
		}
		newTarget = proposed
		reps = append(reps, replacement{Kind: venue.KindTakeProfit, Trigger: proposed, Quantity: pos.Quantity})
	}
	if len(reps) == 0 {
		res.Success = true
		return res, nil
	}

	replaced := c.replaceConditionals(ctx, op, snap, reps, &res.Outcome)
	if len(replaced.placed) == 0 {
		var cause error
		for _, err := range replaced.failed {
			cause = err
			break
		}
		return fail(venueErr(op, cause))
	}
	if err := replaced.failed[venue.KindStopLoss]; err != nil {
		newStop = pos.StopLoss
		res.PartialSuccess = true
		res.manual("stop loss could not be placed: %v", err)
	}
	if err := replaced.failed[venue.KindTakeProfit]; err != nil {
		newTarget = pos.TakeProfit
		res.PartialSuccess = true
		res.manual("take profit could not be placed: %v", err)
	}
	res.StopLossOrderID = replaced.placedID(venue.KindStopLoss)
	res.TakeProfitOrderID = replaced.placedID(venue.KindTakeProfit)

	now := c.guard.Now()
	details := replaced.details()
	details["stop_loss"] = newStop.String()
	details["take_profit"] = newTarget.String()
	reconID, err := c.guard.Commit(ctx, op, func(ctx context.Context, uow store.UnitOfWork) error {
		cur, err := reverify(ctx, op, uow, snap)
		if err != nil {
			return err
		}
		if !newStop.Equal(cur.StopLoss) {
			if err := consistency.ValidateStopMove(op, side, cur.EntryPrice, cur.StopLoss, newStop); err != nil {
				return err
			}
		}
		cur.StopLoss = newStop
		cur.TakeProfit = newTarget
		cur.UpdatedAt = now
		if err := uow.Positions().Update(ctx, cur); err != nil {
			return err
		}
		return replaced.apply(ctx, uow, now)
	}, consistency.Discrepancy{
		Symbol:     sym,
		Side:       pos.Side,
		PositionID: pos.PositionID,
		OrderID:    firstNonEmpty(res.StopLossOrderID, res.TakeProfitOrderID),
		Details:    details,
	})
	if err != nil {
		res.PartialSuccess = true
		res.NeedsManualCheck = true
		res.ReconciliationID = reconID
		return fail(err)
	}
	res.StopLoss, res.TakeProfit = newStop, newTarget
	res.Success = !res.PartialSuccess
	c.log.Infof("stops updated %s stop=%s target=%s sl_order=%s tp_order=%s", sym, newStop, newTarget, res.StopLossOrderID, res.TakeProfitOrderID)
	return res, nil
}

// stopCrossed 判断止损是否已处于当前价的盈利一侧。
func stopCrossed(side venue.Side, stop, price decimal.Decimal) bool {
	if side == venue.SideShort {
		return !stop.GreaterThan(price)
	}
	return !stop.LessThan(price)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
