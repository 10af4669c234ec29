package exit

import (
	"errors"

	"github.com/shopspring/decimal"

	"riskguard/internal/store/model"
	"riskguard/internal/venue"
)

var errZeroRisk = errors.New("risk distance is zero")

// RMultiple = 盈利距离 / 原始风险距离，空头盈利距离取反。
func RMultiple(side venue.Side, entry, originalStop, price decimal.Decimal) (decimal.Decimal, error) {
	risk := entry.Sub(originalStop).Abs()
	if risk.IsZero() {
		return decimal.Zero, errZeroRisk
	}
	profit := price.Sub(entry).Mul(side.Sign())
	return profit.Div(risk), nil
}

// OriginalStop 还原开仓时的止损价。一阶段执行后止损已移到保本位，
// 必须从一阶段记录还原，否则风险距离趋近于零、R 无限放大。
// 优先使用记录中的 original_stop_price，缺失时由触发价、入场价与当时的 R 反推。
func OriginalStop(pos model.Position, stages []model.StageExecution) decimal.Decimal {
	for _, rec := range stages {
		if rec.Stage != 1 || rec.Status != model.StageCompleted {
			continue
		}
		if rec.OriginalStopPrice.IsPositive() {
			return rec.OriginalStopPrice
		}
		if rec.RMultiple.IsPositive() && rec.TriggerPrice.IsPositive() {
			entry := rec.EntryPrice
			if !entry.IsPositive() {
				entry = pos.EntryPrice
			}
			risk := rec.TriggerPrice.Sub(entry).Abs().Div(rec.RMultiple)
			return entry.Sub(risk.Mul(venue.Side(pos.Side).Sign()))
		}
	}
	return pos.StopLoss
}

// oneRPrice 返回入场价朝盈利方向一倍原始风险的价格。
func oneRPrice(side venue.Side, entry, originalStop decimal.Decimal) decimal.Decimal {
	risk := entry.Sub(originalStop).Abs()
	return entry.Add(risk.Mul(side.Sign()))
}
