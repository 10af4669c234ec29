package consistency

import (
	"github.com/shopspring/decimal"

	"riskguard/internal/riskerr"
	"riskguard/internal/venue"
)

// ValidateStopMove 止损一旦设置只能朝降低风险的方向移动；current 为零表示尚未设置止损。
func ValidateStopMove(op string, side venue.Side, entry, current, proposed decimal.Decimal) error {
	if !proposed.IsPositive() {
		return riskerr.Validation(op, "stop loss must be positive, got %s", proposed)
	}
	if !current.IsPositive() {
		return validateInitialStop(op, side, entry, proposed)
	}
	switch side {
	case venue.SideLong:
		if proposed.LessThan(current) {
			return riskerr.Validation(op, "stop loss for long may only move up: current=%s proposed=%s", current, proposed)
		}
	case venue.SideShort:
		if proposed.GreaterThan(current) {
			return riskerr.Validation(op, "stop loss for short may only move down: current=%s proposed=%s", current, proposed)
		}
	default:
		return riskerr.Validation(op, "unknown side %q", side)
	}
	return nil
}

// 首次设置的止损必须在入场价的亏损一侧。
func validateInitialStop(op string, side venue.Side, entry, proposed decimal.Decimal) error {
	if !entry.IsPositive() {
		return nil
	}
	switch side {
	case venue.SideLong:
		if !proposed.LessThan(entry) {
			return riskerr.Validation(op, "initial stop %s must be below entry %s for long", proposed, entry)
		}
	case venue.SideShort:
		if !proposed.GreaterThan(entry) {
			return riskerr.Validation(op, "initial stop %s must be above entry %s for short", proposed, entry)
		}
	}
	return nil
}

// Tighter 判断 proposed 是否严格收紧了 current。
func Tighter(side venue.Side, current, proposed decimal.Decimal) bool {
	if !proposed.IsPositive() {
		return false
	}
	if !current.IsPositive() {
		return true
	}
	if side == venue.SideShort {
		return proposed.LessThan(current)
	}
	return proposed.GreaterThan(current)
}

// ValidateTakeProfit 止盈必须位于入场价的盈利一侧。
func ValidateTakeProfit(op string, side venue.Side, entry, target decimal.Decimal) error {
	if !target.IsPositive() {
		return riskerr.Validation(op, "take profit must be positive, got %s", target)
	}
	if side == venue.SideLong && !target.GreaterThan(entry) {
		return riskerr.Validation(op, "take profit %s must be above entry %s for long", target, entry)
	}
	if side == venue.SideShort && !target.LessThan(entry) {
		return riskerr.Validation(op, "take profit %s must be below entry %s for short", target, entry)
	}
	return nil
}
