package exit

import (
	"math"

	"github.com/shopspring/decimal"

	"riskguard/internal/venue"
)

var (
	decHundred = decimal.NewFromInt(100)
	decOne     = decimal.NewFromInt(1)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// deviationPct 返回 |actual-reference|/reference×100。
func deviationPct(reference, actual decimal.Decimal) decimal.Decimal {
	if !reference.IsPositive() {
		return decimal.Zero
	}
	return actual.Sub(reference).Abs().Div(reference).Mul(decHundred)
}

// offsetPrice 沿持仓的亏损方向偏移 pct%：多头向下，空头向上。
func offsetPrice(side venue.Side, base, pct decimal.Decimal) decimal.Decimal {
	ratio := pct.Div(decHundred)
	if side == venue.SideShort {
		return base.Mul(decOne.Add(ratio))
	}
	return base.Mul(decOne.Sub(ratio))
}

// roundPrice 按合约的价格精度取整。
func roundPrice(m venue.Math, price decimal.Decimal) decimal.Decimal {
	out, err := decimal.NewFromString(m.FormatPrice(price))
	if err != nil {
		return price
	}
	return out
}
