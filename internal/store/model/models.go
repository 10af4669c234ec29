package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderTriggered OrderStatus = "triggered"
	OrderCancelled OrderStatus = "cancelled"
)

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// 金额类字段一律以 TEXT 保存 decimal，避免 sqlite REAL 精度丢失。

// Position 每个合约最多一条 open 记录；全部平仓后保留为 closed 历史。
type Position struct {
	PositionID      string          `gorm:"column:position_id;primaryKey"`
	Symbol          string          `gorm:"column:symbol;index"`
	Side            string          `gorm:"column:side"`
	ContractType    string          `gorm:"column:contract_type"`
	EntryPrice      decimal.Decimal `gorm:"column:entry_price;type:TEXT"`
	Quantity        decimal.Decimal `gorm:"column:quantity;type:TEXT"`
	InitialQuantity decimal.Decimal `gorm:"column:initial_quantity;type:TEXT"`
	Leverage        int             `gorm:"column:leverage"`
	StopLoss        decimal.Decimal `gorm:"column:stop_loss;type:TEXT"`
	TakeProfit      decimal.Decimal `gorm:"column:take_profit;type:TEXT"`
	ClosedPercent   decimal.Decimal `gorm:"column:closed_percent;type:TEXT"`
	TrailingActive  bool            `gorm:"column:trailing_active"`
	Status          PositionStatus  `gorm:"column:status;index"`
	OpenOrderID     string          `gorm:"column:open_order_id"`
	OpenedAt        time.Time       `gorm:"column:opened_at"`
	ClosedAt        *time.Time      `gorm:"column:closed_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

func (Position) TableName() string { return "positions" }

func (p Position) HasStopLoss() bool { return p.StopLoss.IsPositive() }

func (p Position) HasTakeProfit() bool { return p.TakeProfit.IsPositive() }

type ConditionalOrder struct {
	OrderID      string          `gorm:"column:order_id;primaryKey"`
	PositionID   string          `gorm:"column:position_id;index"`
	Symbol       string          `gorm:"column:symbol"`
	Side         string          `gorm:"column:side"`
	Kind         string          `gorm:"column:kind"`
	TriggerPrice decimal.Decimal `gorm:"column:trigger_price;type:TEXT"`
	Quantity     decimal.Decimal `gorm:"column:quantity;type:TEXT"`
	Status       OrderStatus     `gorm:"column:status;index"`
	CreatedAt    time.Time       `gorm:"column:created_at"`
	UpdatedAt    time.Time       `gorm:"column:updated_at"`
}

func (ConditionalOrder) TableName() string { return "conditional_orders" }

// StageExecution 只追加；(position_id, stage) 在 pending/completed 状态下唯一。
type StageExecution struct {
	ID                string          `gorm:"column:id;primaryKey"`
	PositionID        string          `gorm:"column:position_id;index"`
	Symbol            string          `gorm:"column:symbol;index"`
	Stage             int             `gorm:"column:stage"`
	Status            StageStatus     `gorm:"column:status"`
	RMultiple         decimal.Decimal `gorm:"column:r_multiple;type:TEXT"`
	TriggerPrice      decimal.Decimal `gorm:"column:trigger_price;type:TEXT"`
	EntryPrice        decimal.Decimal `gorm:"column:entry_price;type:TEXT"`
	OriginalStopPrice decimal.Decimal `gorm:"column:original_stop_price;type:TEXT"`
	ClosePercent      decimal.Decimal `gorm:"column:close_percent;type:TEXT"`
	ClosedQuantity    decimal.Decimal `gorm:"column:closed_quantity;type:TEXT"`
	RemainingQuantity decimal.Decimal `gorm:"column:remaining_quantity;type:TEXT"`
	RealizedPnL       decimal.Decimal `gorm:"column:realized_pnl;type:TEXT"`
	Fee               decimal.Decimal `gorm:"column:fee;type:TEXT"`
	FeeEstimated      bool            `gorm:"column:fee_estimated"`
	NewStopPrice      decimal.Decimal `gorm:"column:new_stop_price;type:TEXT"`
	Note              string          `gorm:"column:note"`
	CreatedAt         time.Time       `gorm:"column:created_at"`
	CompletedAt       *time.Time      `gorm:"column:completed_at"`
}

func (StageExecution) TableName() string { return "stage_executions" }

// ReconciliationEntry 记录交易所已生效但本地落库失败的操作，交由对账流程修复。
type ReconciliationEntry struct {
	ID           string         `gorm:"column:id;primaryKey"`
	Operation    string         `gorm:"column:operation"`
	Symbol       string         `gorm:"column:symbol;index"`
	Side         string         `gorm:"column:side"`
	PositionID   string         `gorm:"column:position_id"`
	OrderID      string         `gorm:"column:order_id"`
	VenueSuccess bool           `gorm:"column:venue_success"`
	StoreSuccess bool           `gorm:"column:store_success"`
	Unresolved   bool           `gorm:"column:unresolved;index"`
	Details      datatypes.JSON `gorm:"column:details;type:TEXT"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	ResolvedAt   *time.Time     `gorm:"column:resolved_at"`
}

func (ReconciliationEntry) TableName() string { return "reconciliation_entries" }

// All 返回需要迁移的全部模型。
func All() []any {
	return []any{&Position{}, &ConditionalOrder{}, &StageExecution{}, &ReconciliationEntry{}}
}
