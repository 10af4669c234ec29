package venue

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type ContractType string

const (
	// ContractInverse 按整数张计量，每张对应 Multiplier 个基础资产。
	ContractInverse ContractType = "inverse"
	// ContractLinear 按连续的基础资产数量计量。
	ContractLinear ContractType = "linear"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	default:
		return "", fmt.Errorf("invalid side: %q", raw)
	}
}

// Sign 多头为 +1，空头为 -1。
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

// Spec 描述单个合约的交易约束。
type Spec struct {
	Symbol     string
	Type       ContractType
	Multiplier decimal.Decimal
	// StepSize 线性合约的数量步长；反向合约固定为 1 张。
	StepSize  decimal.Decimal
	MinQty    decimal.Decimal
	PriceTick decimal.Decimal
	TakerRate decimal.Decimal
}

// Math 是与合约计价模型无关的数量/盈亏计算接口，阶段逻辑只依赖它。
type Math interface {
	ContractType() ContractType
	QuantityFor(margin, price decimal.Decimal, leverage int) decimal.Decimal
	PnL(entry, exit, qty decimal.Decimal, side Side) decimal.Decimal
	Notional(qty, price decimal.Decimal) decimal.Decimal
	EstimateFee(qty, price decimal.Decimal) decimal.Decimal
	FloorQuantity(qty decimal.Decimal) decimal.Decimal
	MinQuantity() decimal.Decimal
	FormatQuantity(qty decimal.Decimal) string
	FormatPrice(price decimal.Decimal) string
}

// NewMath 根据合约类型返回对应实现。
func NewMath(spec Spec) (Math, error) {
	if spec.Multiplier.LessThanOrEqual(decimal.Zero) {
		spec.Multiplier = decimal.NewFromInt(1)
	}
	switch spec.Type {
	case ContractInverse:
		spec.StepSize = decimal.NewFromInt(1)
		if spec.MinQty.LessThan(decimal.NewFromInt(1)) {
			spec.MinQty = decimal.NewFromInt(1)
		}
		return inverseMath{spec: spec}, nil
	case ContractLinear:
		if spec.StepSize.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("linear contract %s requires step size", spec.Symbol)
		}
		return linearMath{spec: spec}, nil
	default:
		return nil, fmt.Errorf("unknown contract type %q for %s", spec.Type, spec.Symbol)
	}
}

// ActualOrEstimatedFee 有成交级手续费时优先使用，否则按吃单费率估算。
func ActualOrEstimatedFee(m Math, qty, price decimal.Decimal, actual *decimal.Decimal) (decimal.Decimal, bool) {
	if actual != nil && !actual.IsNegative() {
		return *actual, false
	}
	return m.EstimateFee(qty, price), true
}

type inverseMath struct {
	spec Spec
}

func (m inverseMath) ContractType() ContractType { return ContractInverse }

func (m inverseMath) QuantityFor(margin, price decimal.Decimal, leverage int) decimal.Decimal {
	if !margin.IsPositive() || !price.IsPositive() || leverage <= 0 {
		return decimal.Zero
	}
	notional := margin.Mul(decimal.NewFromInt(int64(leverage)))
	return notional.Div(price.Mul(m.spec.Multiplier)).Floor()
}

func (m inverseMath) PnL(entry, exit, qty decimal.Decimal, side Side) decimal.Decimal {
	return exit.Sub(entry).Mul(qty).Mul(m.spec.Multiplier).Mul(side.Sign())
}

func (m inverseMath) Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(m.spec.Multiplier).Mul(price)
}

func (m inverseMath) EstimateFee(qty, price decimal.Decimal) decimal.Decimal {
	return m.Notional(qty, price).Mul(m.spec.TakerRate)
}

func (m inverseMath) FloorQuantity(qty decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return qty.Floor()
}

func (m inverseMath) MinQuantity() decimal.Decimal { return m.spec.MinQty }

func (m inverseMath) FormatQuantity(qty decimal.Decimal) string {
	return qty.Floor().StringFixed(0)
}

func (m inverseMath) FormatPrice(price decimal.Decimal) string {
	return formatToTick(price, m.spec.PriceTick)
}

type linearMath struct {
	spec Spec
}

func (m linearMath) ContractType() ContractType { return ContractLinear }

func (m linearMath) QuantityFor(margin, price decimal.Decimal, leverage int) decimal.Decimal {
	if !margin.IsPositive() || !price.IsPositive() || leverage <= 0 {
		return decimal.Zero
	}
	notional := margin.Mul(decimal.NewFromInt(int64(leverage)))
	return m.FloorQuantity(notional.Div(price))
}

func (m linearMath) PnL(entry, exit, qty decimal.Decimal, side Side) decimal.Decimal {
	return exit.Sub(entry).Mul(qty).Mul(side.Sign())
}

func (m linearMath) Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price)
}

func (m linearMath) EstimateFee(qty, price decimal.Decimal) decimal.Decimal {
	return m.Notional(qty, price).Mul(m.spec.TakerRate)
}

func (m linearMath) FloorQuantity(qty decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return qty.Div(m.spec.StepSize).Floor().Mul(m.spec.StepSize)
}

func (m linearMath) MinQuantity() decimal.Decimal { return m.spec.MinQty }

func (m linearMath) FormatQuantity(qty decimal.Decimal) string {
	return m.FloorQuantity(qty).StringFixed(decimalPlaces(m.spec.StepSize))
}

func (m linearMath) FormatPrice(price decimal.Decimal) string {
	return formatToTick(price, m.spec.PriceTick)
}

func formatToTick(price, tick decimal.Decimal) string {
	if !tick.IsPositive() {
		return price.String()
	}
	return price.Div(tick).Round(0).Mul(tick).StringFixed(decimalPlaces(tick))
}

func decimalPlaces(step decimal.Decimal) int32 {
	if exp := step.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
