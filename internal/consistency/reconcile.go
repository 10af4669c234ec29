package consistency

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"riskguard/internal/riskerr"
	"riskguard/internal/store"
	"riskguard/internal/store/model"
)

// Discrepancy 描述一次交易所已生效、本地未能同步的操作。
type Discrepancy struct {
	Operation    string
	Symbol       string
	Side         string
	PositionID   string
	OrderID      string
	VenueSuccess bool
	StoreSuccess bool
	Details      map[string]any
	Cause        error
}

func (d Discrepancy) payload() []byte {
	details := make(map[string]any, len(d.Details)+8)
	for k, v := range d.Details {
		details[k] = v
	}
	if d.Cause != nil {
		details["error"] = d.Cause.Error()
	}
	raw, err := json.Marshal(details)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"marshal_error": err.Error()})
	}
	return raw
}

// Record 在独立事务内写入对账记录；写入失败时把完整内容打到 error 日志，绝不静默丢弃。
func (g *Guard) Record(ctx context.Context, d Discrepancy) (string, error) {
	entry := &model.ReconciliationEntry{
		ID:           uuid.NewString(),
		Operation:    d.Operation,
		Symbol:       d.Symbol,
		Side:         d.Side,
		PositionID:   d.PositionID,
		OrderID:      d.OrderID,
		VenueSuccess: d.VenueSuccess,
		StoreSuccess: d.StoreSuccess,
		Unresolved:   true,
		Details:      datatypes.JSON(d.payload()),
		CreatedAt:    g.now(),
	}
	err := store.WithinTx(context.WithoutCancel(ctx), g.store, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Reconciliations().Insert(ctx, entry)
	})
	if err != nil {
		g.metrics.ReconciliationRecorded(d.Operation, false)
		full, _ := json.Marshal(map[string]any{
			"id":            entry.ID,
			"operation":     entry.Operation,
			"symbol":        entry.Symbol,
			"side":          entry.Side,
			"position_id":   entry.PositionID,
			"order_id":      entry.OrderID,
			"venue_success": entry.VenueSuccess,
			"store_success": entry.StoreSuccess,
			"details":       json.RawMessage(entry.Details),
		})
		g.log.Errorf("RECONCILIATION ENTRY NOT PERSISTED err=%v payload=%s", err, full)
		return "", fmt.Errorf("persist reconciliation entry: %w", err)
	}
	g.metrics.ReconciliationRecorded(d.Operation, true)
	g.log.Warnf("reconciliation entry %s recorded op=%s symbol=%s order=%s", entry.ID, d.Operation, d.Symbol, d.OrderID)
	if g.alerter != nil {
		go g.alerter.ReconciliationRecorded(context.WithoutCancel(ctx), *entry)
	}
	return entry.ID, nil
}

// Commit 原子执行 fn。fn 失败说明交易所侧动作已生效而本地未落库，
// 此时写入对账记录并返回 ConsistencyError。
func (g *Guard) Commit(ctx context.Context, op string, fn func(ctx context.Context, uow store.UnitOfWork) error, onFail Discrepancy) (string, error) {
	err := store.WithinTx(ctx, g.store, fn)
	if err == nil {
		return "", nil
	}
	onFail.VenueSuccess = true
	onFail.StoreSuccess = false
	onFail.Cause = err
	if onFail.Operation == "" {
		onFail.Operation = op
	}
	id, _ := g.Record(ctx, onFail)
	return id, riskerr.Consistency(op, err)
}

// Reconciliations 列出对账记录，供外部修复流程读取。
func (g *Guard) Reconciliations(ctx context.Context, unresolvedOnly bool, limit int) ([]model.ReconciliationEntry, error) {
	var out []model.ReconciliationEntry
	err := store.Read(ctx, g.store, func(ctx context.Context, uow store.UnitOfWork) error {
		var err error
		out, err = uow.Reconciliations().List(ctx, unresolvedOnly, limit)
		return err
	})
	return out, err
}
