package exit

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"riskguard/internal/config"
	"riskguard/internal/consistency"
	"riskguard/internal/riskerr"
	"riskguard/internal/store"
	"riskguard/internal/store/model"
	"riskguard/internal/venue"
)

// StopRule 描述阶段触发后止损移动到哪里。
type StopRule string

const (
	StopBreakEven StopRule = "break_even"
	StopOneR      StopRule = "one_r"
	StopTrailing  StopRule = "trailing"
)

type StagePolicy struct {
	Stage int
	BaseR decimal.Decimal
	// ClosePct 相对当前剩余数量的平仓比例，零表示不平仓。
	ClosePct decimal.Decimal
	Stop     StopRule
}

// Threshold 返回按波动率系数缩放后的 R 阈值。
func (p StagePolicy) Threshold(factor float64) decimal.Decimal {
	if factor <= 0 {
		factor = 1
	}
	return p.BaseR.Mul(decFromFloat(factor))
}

func Policies(cfg config.StagesConfig) []StagePolicy {
	closePct := decFromFloat(cfg.ClosePct)
	return []StagePolicy{
		{Stage: 1, BaseR: decFromFloat(cfg.Stage1R), ClosePct: closePct, Stop: StopBreakEven},
		{Stage: 2, BaseR: decFromFloat(cfg.Stage2R), ClosePct: closePct, Stop: StopOneR},
		{Stage: 3, BaseR: decFromFloat(cfg.Stage3R), ClosePct: decimal.Zero, Stop: StopTrailing},
	}
}

func (c *Controller) policy(stage int) (StagePolicy, bool) {
	for _, p := range c.policies {
		if p.Stage == stage {
			return p, true
		}
	}
	return StagePolicy{}, false
}

// stagePlan 是校验通过、尚未触碰交易所的执行计划。
type stagePlan struct {
	policy       StagePolicy
	snap         snapshot
	math         venue.Math
	price        decimal.Decimal
	r            decimal.Decimal
	originalStop decimal.Decimal
	closeQty     decimal.Decimal
	remaining    decimal.Decimal
	newStop      decimal.Decimal
	moveStop     bool
}

// ExecuteStage 执行一次分阶段止盈。拒绝路径（阈值不足、前置阶段缺失、数量低于最小值、重复调用）
// 不产生任何副作用；交易所侧已生效而落库失败时结果带 PartialSuccess 与对账记录编号。
func (c *Controller) ExecuteStage(ctx context.Context, rawSymbol string, stage int) (StageResult, error) {
	const op = "executePartialTakeProfit"
	res := StageResult{Stage: stage}
	plan, err := c.planStage(ctx, op, rawSymbol, stage, &res)
	if err != nil {
		c.fail(&res.Outcome, err)
		c.metrics.StageExecuted(stage, string(resultKind(err)))
		return res, err
	}

	rec := &model.StageExecution{
		ID:                uuid.NewString(),
		PositionID:        plan.snap.pos.PositionID,
		Symbol:            plan.snap.pos.Symbol,
		Stage:             stage,
		RMultiple:         plan.r,
		TriggerPrice:      plan.price,
		EntryPrice:        plan.snap.pos.EntryPrice,
		OriginalStopPrice: plan.originalStop,
		ClosePercent:      plan.policy.ClosePct,
		RemainingQuantity: plan.snap.pos.Quantity,
	}
	if err := c.guard.Claim(ctx, rec, func(ctx context.Context, uow store.UnitOfWork) error {
		if _, err := reverify(ctx, op, uow, plan.snap); err != nil {
			return err
		}
		return c.verifyPrior(ctx, op, uow, plan.snap.pos.PositionID, stage)
	}); err != nil {
		c.fail(&res.Outcome, err)
		c.metrics.StageExecuted(stage, string(resultKind(err)))
		return res, err
	}

	if plan.policy.ClosePct.IsZero() {
		err = c.activateTrailing(ctx, op, plan, rec, &res)
	} else {
		err = c.closeStage(ctx, op, plan, rec, &res)
	}
	switch {
	case err != nil && res.PartialSuccess:
		c.metrics.StageExecuted(stage, "partial")
	case err != nil:
		c.metrics.StageExecuted(stage, string(resultKind(err)))
	default:
		c.guard.MarkRecent(ctx, plan.snap.pos.Symbol, stage)
		c.metrics.StageExecuted(stage, "completed")
	}
	return res, err
}

func resultKind(err error) riskerr.Kind {
	if k := riskerr.KindOf(err); k != "" {
		return k
	}
	return "error"
}

// planStage 完成所有无副作用的校验与计算。
func (c *Controller) planStage(ctx context.Context, op, rawSymbol string, stage int, res *StageResult) (stagePlan, error) {
	policy, ok := c.policy(stage)
	if !ok {
		return stagePlan{}, riskerr.Validation(op, "stage must be 1, 2 or 3, got %d", stage)
	}
	sym, err := canonical(op, rawSymbol)
	if err != nil {
		return stagePlan{}, err
	}
	res.Symbol = sym
	if err := c.guard.CheckRecent(ctx, sym, stage); err != nil {
		return stagePlan{}, err
	}
	snap, err := c.load(ctx, op, sym)
	if err != nil {
		return stagePlan{}, err
	}
	res.PositionID = snap.pos.PositionID
	res.RemainingQuantity = snap.pos.Quantity
	// 会减仓的阶段同样受最短持仓时间约束
	if !policy.ClosePct.IsZero() {
		if err := c.guard.CheckHolding(op, snap.pos); err != nil {
			return stagePlan{}, err
		}
	}
	if !snap.pos.HasStopLoss() {
		return stagePlan{}, riskerr.Validation(op, "position %s has no stop loss, R cannot be computed", sym)
	}
	done := snap.completed()
	if _, ok := done[stage]; ok {
		return stagePlan{}, riskerr.Conflict(op, "stage %d already completed for %s", stage, sym)
	}
	if stage > 1 {
		if _, ok := done[stage-1]; !ok {
			return stagePlan{}, riskerr.Validation(op, "stage %d requires stage %d to be completed first", stage, stage-1)
		}
	}

	price, err := c.currentPrice(ctx, op, sym)
	if err != nil {
		return stagePlan{}, err
	}
	side := snap.side()
	origStop := OriginalStop(snap.pos, snap.stages)
	r, err := RMultiple(side, snap.pos.EntryPrice, origStop, price)
	if err != nil {
		return stagePlan{}, riskerr.Validation(op, "%s: entry %s stop %s", err, snap.pos.EntryPrice, origStop)
	}
	vol := c.vol.Analyze(ctx, sym, c.interval)
	threshold := policy.Threshold(vol.Factor)
	res.CurrentR = decToFloat(r.Round(4))
	res.RequiredR = decToFloat(threshold.Round(4))
	res.VolatilityLevel = vol.Level
	if vol.Degraded {
		res.note("volatility degraded: %s", vol.Note)
	}
	if r.LessThan(threshold) {
		return stagePlan{}, riskerr.Validation(op, "current R %s below stage %d threshold %s (base %s x %s factor %s)",
			r.StringFixed(2), stage, threshold.String(), policy.BaseR.String(), vol.Level, decFromFloat(vol.Factor).String())
	}

	plan := stagePlan{policy: policy, snap: snap, price: price, r: r, originalStop: origStop, remaining: snap.pos.Quantity}
	res.ClosePercent = policy.ClosePct
	if policy.ClosePct.IsZero() {
		return plan, nil
	}

	m, err := c.mathFor(ctx, op, sym)
	if err != nil {
		return stagePlan{}, err
	}
	plan.math = m
	minQty := m.MinQuantity()
	plan.closeQty = m.FloorQuantity(snap.pos.Quantity.Mul(policy.ClosePct).Div(decHundred))
	plan.remaining = snap.pos.Quantity.Sub(plan.closeQty)
	if plan.closeQty.LessThan(minQty) {
		return stagePlan{}, riskerr.InsufficientSize(op, "close quantity", decToFloat(minQty), decToFloat(plan.closeQty))
	}
	if plan.remaining.LessThan(minQty) {
		return stagePlan{}, riskerr.InsufficientSize(op, "remaining quantity", decToFloat(minQty), decToFloat(plan.remaining))
	}

	target := snap.pos.EntryPrice
	if policy.Stop == StopOneR {
		target = oneRPrice(side, snap.pos.EntryPrice, origStop)
	}
	target = roundPrice(m, target)
	plan.newStop = snap.pos.StopLoss
	if consistency.Tighter(side, snap.pos.StopLoss, target) {
		plan.newStop = target
		plan.moveStop = true
	} else {
		res.note("current stop %s already tighter than stage target %s, keeping it", snap.pos.StopLoss, target)
	}
	return plan, nil
}

// verifyPrior 在原子单元内复核前置阶段已完成。
func (c *Controller) verifyPrior(ctx context.Context, op string, uow store.UnitOfWork, positionID string, stage int) error {
	if stage <= 1 {
		return nil
	}
	recs, err := uow.Stages().ListByPosition(ctx, positionID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Stage == stage-1 && rec.Status == model.StageCompleted {
			return nil
		}
	}
	return riskerr.Validation(op, "stage %d requires stage %d to be completed first", stage, stage-1)
}

// activateTrailing 执行第三阶段：不平仓，剩余仓位切换到跟踪止损。
func (c *Controller) activateTrailing(ctx context.Context, op string, plan stagePlan, rec *model.StageExecution, res *StageResult) error {
	now := c.guard.Now()
	rec.Status = model.StageCompleted
	rec.CompletedAt = &now
	rec.ClosedQuantity = decimal.Zero
	rec.RemainingQuantity = plan.snap.pos.Quantity
	rec.NewStopPrice = plan.snap.pos.StopLoss
	rec.Note = "trailing stop activated"
	err := store.WithinTx(ctx, c.guard.Store(), func(ctx context.Context, uow store.UnitOfWork) error {
		pos, err := reverify(ctx, op, uow, plan.snap)
		if err != nil {
			return err
		}
		pos.TrailingActive = true
		pos.UpdatedAt = now
		if err := uow.Positions().Update(ctx, pos); err != nil {
			return err
		}
		return uow.Stages().Update(ctx, rec)
	})
	if err != nil {
		// 未触碰交易所，释放占位即可
		c.guard.Release(ctx, rec, "persist failed: "+err.Error())
		c.fail(&res.Outcome, err)
		return fmt.Errorf("%s: activate trailing: %w", op, err)
	}
	res.Success = true
	res.TrailingActive = true
	res.ClosedQuantity = decimal.Zero
	res.RemainingQuantity = plan.snap.pos.Quantity
	stop := plan.snap.pos.StopLoss
	res.NewStopLossPrice = &stop
	c.log.Infof("stage 3 %s R=%s trailing activated stop=%s", plan.snap.pos.Symbol, plan.r.StringFixed(2), stop)
	return nil
}

// closeStage 执行第一、二阶段：reduce-only 市价平仓、替换止损单、原子提交。
func (c *Controller) closeStage(ctx context.Context, op string, plan stagePlan, rec *model.StageExecution, res *StageResult) error {
	pos := plan.snap.pos
	side := plan.snap.side()

	exec, err := c.execute(ctx, op, plan.math, venue.OrderRequest{
		Symbol:        pos.Symbol,
		PositionSide:  side,
		Quantity:      plan.closeQty,
		ReduceOnly:    true,
		ClientOrderID: rec.ID,
	}, plan.price, &res.Outcome)
	if err != nil {
		c.guard.Release(ctx, rec, "close order failed: "+err.Error())
		c.fail(&res.Outcome, err)
		return err
	}

	// 平仓已成交，滑点超限只标记复核，不回滚
	if dev := deviationPct(plan.price, exec.Price); dev.GreaterThan(decFromFloat(c.guardCfg.MaxCloseSlippagePct)) {
		res.PartialSuccess = true
		res.manual("close slippage %s%% exceeds %.2f%% (reference %s, filled %s)",
			dev.StringFixed(2), c.guardCfg.MaxCloseSlippagePct, plan.price, exec.Price)
	}
	closed := exec.Quantity
	remaining := pos.Quantity.Sub(closed)
	pnl := plan.math.PnL(pos.EntryPrice, exec.Price, closed, side)

	stopTarget := pos.StopLoss
	if plan.moveStop {
		stopTarget = plan.newStop
	}
	reps := []replacement{{Kind: venue.KindStopLoss, Trigger: stopTarget, Quantity: remaining}}
	if pos.HasTakeProfit() {
		reps = append(reps, replacement{Kind: venue.KindTakeProfit, Trigger: pos.TakeProfit, Quantity: remaining})
	}
	replaced := c.replaceConditionals(ctx, op, plan.snap, reps, &res.Outcome)
	appliedStop := pos.StopLoss
	if err := replaced.failed[venue.KindStopLoss]; err != nil {
		// 旧止损单仍在交易所，仓位止损保持原值
		res.PartialSuccess = true
		res.manual("new stop loss %s could not be placed, previous stop %s remains: %v", stopTarget, pos.StopLoss, err)
	} else {
		appliedStop = stopTarget
	}
	if err := replaced.failed[venue.KindTakeProfit]; err != nil {
		res.PartialSuccess = true
		res.manual("take profit %s could not be re-placed for remaining quantity: %v", pos.TakeProfit, err)
	}

	now := c.guard.Now()
	closedPct := pos.ClosedPercent
	if pos.InitialQuantity.IsPositive() {
		closedPct = closedPct.Add(closed.Div(pos.InitialQuantity).Mul(decHundred))
	}
	if closedPct.GreaterThan(decHundred) {
		closedPct = decHundred
	}

	rec.Status = model.StageCompleted
	rec.CompletedAt = &now
	rec.TriggerPrice = exec.Price
	rec.ClosedQuantity = closed
	rec.RemainingQuantity = remaining
	rec.RealizedPnL = pnl
	rec.Fee = exec.Fee
	rec.FeeEstimated = exec.FeeEstimated
	rec.NewStopPrice = appliedStop
	rec.Note = strings.Join(res.Notes, "; ")
	// TriggerPrice 为成交价时 R 需按成交价重算，保证之后的原始止损还原一致
	if r, err := RMultiple(side, pos.EntryPrice, plan.originalStop, exec.Price); err == nil && r.IsPositive() {
		rec.RMultiple = r
	}

	details := replaced.details()
	details["stage"] = plan.policy.Stage
	details["close_order_id"] = exec.OrderID
	details["closed_quantity"] = closed.String()
	details["exit_price"] = exec.Price.String()
	details["realized_pnl"] = pnl.String()
	details["new_stop_price"] = appliedStop.String()
	details["stage_record_id"] = rec.ID

	reconID, commitErr := c.guard.Commit(ctx, op, func(ctx context.Context, uow store.UnitOfWork) error {
		cur, err := reverify(ctx, op, uow, plan.snap)
		if err != nil {
			return err
		}
		if err := consistency.ValidateStopMove(op, side, cur.EntryPrice, cur.StopLoss, appliedStop); err != nil {
			return err
		}
		cur.Quantity = remaining
		cur.ClosedPercent = closedPct
		cur.StopLoss = appliedStop
		cur.UpdatedAt = now
		if !remaining.IsPositive() {
			cur.Status = model.PositionClosed
			cur.ClosedAt = &now
		}
		if err := uow.Positions().Update(ctx, cur); err != nil {
			return err
		}
		if err := replaced.apply(ctx, uow, now); err != nil {
			return err
		}
		return uow.Stages().Update(ctx, rec)
	}, consistency.Discrepancy{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		PositionID: pos.PositionID,
		OrderID:    exec.OrderID,
		Details:    details,
	})

	res.ExitPrice = exec.Price
	res.ClosedQuantity = closed
	res.RemainingQuantity = remaining
	res.PnL = pnl
	res.Fee = exec.Fee
	res.FeeEstimated = exec.FeeEstimated
	res.StopLossOrderID = replaced.placedID(venue.KindStopLoss)
	if !appliedStop.Equal(pos.StopLoss) {
		stop := appliedStop
		res.NewStopLossPrice = &stop
	}

	if commitErr != nil {
		res.Success = false
		res.PartialSuccess = true
		res.NeedsManualCheck = true
		res.ReconciliationID = reconID
		res.Reason = commitErr.Error()
		// 占位记录保持 pending，阻止该阶段被再次执行
		c.log.Errorf("stage %d %s closed at venue (order %s) but persist failed, reconciliation=%s: %v",
			plan.policy.Stage, pos.Symbol, exec.OrderID, reconID, commitErr)
		return commitErr
	}
	res.Success = !res.PartialSuccess
	if res.PartialSuccess {
		res.Reason = "stage executed, needs manual check: " + strings.Join(res.Notes, "; ")
	}
	c.log.Infof("stage %d %s R=%s closed=%s@%s remaining=%s pnl=%s fee=%s(estimated=%t) stop=%s",
		plan.policy.Stage, pos.Symbol, plan.r.StringFixed(2), closed, exec.Price, remaining, pnl, exec.Fee, exec.FeeEstimated, appliedStop)
	return nil
}

