// Package consistency 负责阶段去重、占位认领、冷却与持仓时长约束，以及对账记录。
//
// 持久化存储是"某阶段是否已执行"的唯一裁决者；Marker 只用于廉价的前置拦截。
package consistency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"riskguard/internal/config"
	"riskguard/internal/logger"
	"riskguard/internal/metrics"
	"riskguard/internal/riskerr"
	"riskguard/internal/store"
	"riskguard/internal/store/model"
)

// Marker 是可选的近期执行标记，例如 redis SETNX。
type Marker interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Alerter 在对账记录落库后收到通知，由 Guard 异步调用。
type Alerter interface {
	ReconciliationRecorded(ctx context.Context, entry model.ReconciliationEntry)
}

type Guard struct {
	store   store.Store
	marker  Marker
	alerter Alerter
	cfg     config.GuardConfig
	metrics *metrics.Metrics
	now     func() time.Time
	log     *logger.Entry
}

type Option func(*Guard)

func WithMarker(m Marker) Option {
	return func(g *Guard) { g.marker = m }
}

func WithAlerter(a Alerter) Option {
	return func(g *Guard) { g.alerter = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGuard(s store.Store, cfg config.GuardConfig, opts ...Option) *Guard {
	g := &Guard{
		store: s,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.With("consistency"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Now() time.Time { return g.now() }

func (g *Guard) Store() store.Store { return g.store }

func recentKey(symbol string, stage int) string {
	return fmt.Sprintf("%s:%d", symbol, stage)
}

// CheckRecent 在窗口期内同一合约同一阶段已完成时拒绝。
func (g *Guard) CheckRecent(ctx context.Context, symbol string, stage int) error {
	const op = "executePartialTakeProfit"
	window := g.cfg.DuplicateWindow()
	if g.marker != nil {
		seen, err := g.marker.Seen(ctx, recentKey(symbol, stage))
		if err != nil {
			g.log.Warnf("recent marker unavailable, falling back to store: %v", err)
		} else if seen {
			g.metrics.DuplicateSuppressed("marker")
			return riskerr.Conflict(op, "stage %d for %s already executed within %s", stage, symbol, window)
		}
	}
	var n int64
	err := store.Read(ctx, g.store, func(ctx context.Context, uow store.UnitOfWork) error {
		var err error
		n, err = uow.Stages().CompletedSince(ctx, symbol, stage, g.now().Add(-window))
		return err
	})
	if err != nil {
		return fmt.Errorf("check recent executions: %w", err)
	}
	if n > 0 {
		g.metrics.DuplicateSuppressed("recent")
		return riskerr.Conflict(op, "stage %d for %s already executed within %s", stage, symbol, window)
	}
	return nil
}

// MarkRecent 在阶段完成后写入近期标记，失败只记日志。
func (g *Guard) MarkRecent(ctx context.Context, symbol string, stage int) {
	if g.marker == nil {
		return
	}
	if _, err := g.marker.Mark(ctx, recentKey(symbol, stage), g.cfg.DuplicateWindow()); err != nil {
		g.log.Warnf("write recent marker %s stage=%d: %v", symbol, stage, err)
	}
}

// Claim 在单个事务内复核并插入 pending 占位记录，必须在任何交易所调用之前完成。
// verify 在同一事务内执行，用于复核持仓与前置阶段。
func (g *Guard) Claim(ctx context.Context, rec *model.StageExecution, verify func(ctx context.Context, uow store.UnitOfWork) error) error {
	const op = "executePartialTakeProfit"
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = model.StagePending
	rec.CreatedAt = g.now()
	rec.CompletedAt = nil

	err := store.WithinTx(ctx, g.store, func(ctx context.Context, uow store.UnitOfWork) error {
		if verify != nil {
			if err := verify(ctx, uow); err != nil {
				return err
			}
		}
		existing, err := uow.Stages().ListByPosition(ctx, rec.PositionID)
		if err != nil {
			return err
		}
		for _, cur := range existing {
			if cur.Stage == rec.Stage && cur.Status == model.StageCompleted {
				return riskerr.Conflict(op, "stage %d already completed for position %s", rec.Stage, rec.PositionID)
			}
		}
		return uow.Stages().Insert(ctx, rec)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicateStage):
		g.metrics.DuplicateSuppressed("claim")
		return riskerr.Conflict(op, "stage %d for %s is already being executed", rec.Stage, rec.Symbol)
	case riskerr.IsKind(err, riskerr.KindConcurrency):
		g.metrics.DuplicateSuppressed("claim")
		return err
	default:
		return err
	}
}

// Release 把占位记录标记为 failed，释放唯一位以便之后重试。
func (g *Guard) Release(ctx context.Context, rec *model.StageExecution, note string) {
	rec.Status = model.StageFailed
	rec.Note = note
	err := store.WithinTx(context.WithoutCancel(ctx), g.store, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Stages().Update(ctx, rec)
	})
	if err != nil {
		g.log.Errorf("release stage claim %s (%s stage=%d): %v", rec.ID, rec.Symbol, rec.Stage, err)
	}
}

// CheckTrailingCooldown 在持仓最近一次阶段执行后的冷却期内拒绝移动跟踪止损。
func (g *Guard) CheckTrailingCooldown(ctx context.Context, positionID string) error {
	var last time.Time
	err := store.Read(ctx, g.store, func(ctx context.Context, uow store.UnitOfWork) error {
		recs, err := uow.Stages().ListByPosition(ctx, positionID)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.Status == model.StageCompleted && rec.CompletedAt != nil && rec.CompletedAt.After(last) {
				last = *rec.CompletedAt
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load stage history: %w", err)
	}
	if last.IsZero() {
		return nil
	}
	if remaining := g.cfg.TrailingCooldown() - g.now().Sub(last); remaining > 0 {
		return riskerr.Conflict("updateTrailingStop", "trailing stop cooldown active, %s remaining", remaining.Round(time.Second))
	}
	return nil
}

// CheckHolding 未满最短持仓时间时拒绝平仓类请求。
func (g *Guard) CheckHolding(op string, pos model.Position) error {
	minHold := g.cfg.MinHolding()
	held := g.now().Sub(pos.OpenedAt)
	if held < minHold {
		return riskerr.Validation(op, "position %s held %s, minimum holding time is %s",
			pos.Symbol, held.Round(time.Second), minHold)
	}
	return nil
}
