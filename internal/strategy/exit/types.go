package exit

import (
	"fmt"

	"github.com/shopspring/decimal"

	"riskguard/internal/store/model"
	"riskguard/internal/strategy/stoploss"
	"riskguard/internal/strategy/volatility"
	"riskguard/internal/venue"
)

// Outcome 是所有操作共享的结果头。PartialSuccess 表示交易所侧动作已生效但后续步骤未全部完成，
// NeedsManualCheck 表示需要人工复核（滑点超限、止损单未挂上、对账记录等）。
type Outcome struct {
	Success          bool     `json:"success"`
	Reason           string   `json:"reason,omitempty"`
	PartialSuccess   bool     `json:"partialSuccess,omitempty"`
	NeedsManualCheck bool     `json:"needsManualCheck,omitempty"`
	ReconciliationID string   `json:"reconciliationId,omitempty"`
	Notes            []string `json:"notes,omitempty"`
}

func (o *Outcome) note(format string, args ...any) {
	o.Notes = append(o.Notes, fmt.Sprintf(format, args...))
}

// manual 记录需要人工复核的原因。
func (o *Outcome) manual(format string, args ...any) {
	o.NeedsManualCheck = true
	o.note(format, args...)
}

type StageResult struct {
	Outcome
	Symbol          string           `json:"symbol"`
	PositionID      string           `json:"positionId,omitempty"`
	Stage           int              `json:"stage"`
	CurrentR        float64          `json:"currentR"`
	RequiredR       float64          `json:"requiredR"`
	VolatilityLevel volatility.Level `json:"volatilityLevel,omitempty"`
	// ClosePercent 为本阶段相对当前剩余仓位的平仓比例。
	ClosePercent      decimal.Decimal  `json:"closePercent"`
	ClosedQuantity    decimal.Decimal  `json:"closedQuantity"`
	RemainingQuantity decimal.Decimal  `json:"remainingQuantity"`
	ExitPrice         decimal.Decimal  `json:"exitPrice"`
	PnL               decimal.Decimal  `json:"pnl"`
	Fee               decimal.Decimal  `json:"fee"`
	FeeEstimated      bool             `json:"feeEstimated,omitempty"`
	NewStopLossPrice  *decimal.Decimal `json:"newStopLossPrice,omitempty"`
	StopLossOrderID   string           `json:"stopLossOrderId,omitempty"`
	TrailingActive    bool             `json:"trailingActive,omitempty"`
}

type Opportunity struct {
	Symbol           string           `json:"symbol"`
	PositionID       string           `json:"positionId"`
	Side             venue.Side       `json:"side"`
	CurrentPrice     float64          `json:"currentPrice"`
	CurrentR         float64          `json:"currentR"`
	HasStopLoss      bool             `json:"hasStopLoss"`
	TrailingActive   bool             `json:"trailingActive"`
	VolatilityLevel  volatility.Level `json:"volatilityLevel"`
	CanExecuteStages []int            `json:"canExecuteStages"`
	ExecutedStages   []int            `json:"executedStages"`
	Recommendation   string           `json:"recommendation"`
	Error            string           `json:"error,omitempty"`
}

type TrailingRequest struct {
	Symbol          string
	Side            venue.Side
	EntryPrice      decimal.Decimal
	CurrentPrice    decimal.Decimal
	CurrentStopLoss decimal.Decimal
}

type TrailingResult struct {
	Outcome
	Symbol       string           `json:"symbol"`
	ShouldUpdate bool             `json:"shouldUpdate"`
	CurrentStop  decimal.Decimal  `json:"currentStopLoss"`
	NewStopLoss  *decimal.Decimal `json:"newStopLoss,omitempty"`
	Applied      bool             `json:"applied,omitempty"`
	StopOrderID  string           `json:"stopLossOrderId,omitempty"`
	Calculation  *stoploss.Result `json:"calculation,omitempty"`
}

// StopUpdateRequest 中为 nil 的字段保持不变。
type StopUpdateRequest struct {
	Symbol     string
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

type StopUpdateResult struct {
	Outcome
	Symbol            string          `json:"symbol"`
	StopLoss          decimal.Decimal `json:"stopLoss"`
	TakeProfit        decimal.Decimal `json:"takeProfit"`
	StopLossOrderID   string          `json:"stopLossOrderId,omitempty"`
	TakeProfitOrderID string          `json:"takeProfitOrderId,omitempty"`
}

type OpenCheck struct {
	ShouldOpen     bool             `json:"shouldOpen"`
	Reason         string           `json:"reason,omitempty"`
	StopLossResult *stoploss.Result `json:"stopLossResult,omitempty"`
}

type OpenRequest struct {
	Symbol     string
	Side       venue.Side
	Margin     decimal.Decimal
	Leverage   int
	TakeProfit *decimal.Decimal
}

type OpenResult struct {
	Outcome
	Symbol            string           `json:"symbol"`
	PositionID        string           `json:"positionId,omitempty"`
	Side              venue.Side       `json:"side"`
	EntryPrice        decimal.Decimal  `json:"entryPrice"`
	Quantity          decimal.Decimal  `json:"quantity"`
	Leverage          int              `json:"leverage"`
	StopLoss          decimal.Decimal  `json:"stopLoss"`
	TakeProfit        decimal.Decimal  `json:"takeProfit"`
	StopLossOrderID   string           `json:"stopLossOrderId,omitempty"`
	TakeProfitOrderID string           `json:"takeProfitOrderId,omitempty"`
	Fee               decimal.Decimal  `json:"fee"`
	FeeEstimated      bool             `json:"feeEstimated,omitempty"`
	StopLossResult    *stoploss.Result `json:"stopLossResult,omitempty"`
}

type CloseResult struct {
	Outcome
	Symbol            string          `json:"symbol"`
	PositionID        string          `json:"positionId,omitempty"`
	ClosedQuantity    decimal.Decimal `json:"closedQuantity"`
	// RemainingQuantity 部分成交时仍开启的数量
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`
	ExitPrice         decimal.Decimal `json:"exitPrice"`
	PnL               decimal.Decimal `json:"pnl"`
	Fee               decimal.Decimal `json:"fee"`
	FeeEstimated      bool            `json:"feeEstimated,omitempty"`
}

// snapshot 是一次读事务内取得的持仓全貌。
type snapshot struct {
	pos    model.Position
	stages []model.StageExecution
	orders []model.ConditionalOrder
}

func (s snapshot) side() venue.Side { return venue.Side(s.pos.Side) }

// completed 返回已完成的阶段记录，按阶段号索引。
func (s snapshot) completed() map[int]model.StageExecution {
	out := make(map[int]model.StageExecution, 3)
	for _, rec := range s.stages {
		if rec.Status == model.StageCompleted {
			out[rec.Stage] = rec
		}
	}
	return out
}

func (s snapshot) activeOrder(kind venue.ConditionalKind) []model.ConditionalOrder {
	var out []model.ConditionalOrder
	for _, o := range s.orders {
		if o.Kind == string(kind) && o.Status == model.OrderActive {
			out = append(out, o)
		}
	}
	return out
}
