package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"riskguard/internal/store"
	"riskguard/internal/store/model"

	"gorm.io/gorm"
)

type positionRepo struct {
	db *gorm.DB
}

func (r *positionRepo) Create(ctx context.Context, p *model.Position) error {
	if p == nil {
		return errors.New("position cannot be nil")
	}
	err := r.db.WithContext(ctx).Create(p).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", store.ErrDuplicatePosition, p.Symbol)
	}
	return err
}

func (r *positionRepo) Get(ctx context.Context, positionID string) (*model.Position, error) {
	var p model.Position
	if err := r.db.WithContext(ctx).Where("position_id = ?", positionID).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *positionRepo) FindOpenBySymbol(ctx context.Context, symbol string) (*model.Position, error) {
	var p model.Position
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND status = ?", symbol, model.PositionOpen).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *positionRepo) ListOpen(ctx context.Context) ([]model.Position, error) {
	var out []model.Position
	if err := r.db.WithContext(ctx).
		Where("status = ?", model.PositionOpen).
		Order("opened_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *positionRepo) Update(ctx context.Context, p *model.Position) error {
	if p == nil {
		return errors.New("position cannot be nil")
	}
	res := r.db.WithContext(ctx).Model(&model.Position{}).
		Where("position_id = ?", p.PositionID).
		Select("*").
		Updates(p)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type orderRepo struct {
	db *gorm.DB
}

func (r *orderRepo) Create(ctx context.Context, o *model.ConditionalOrder) error {
	if o == nil {
		return errors.New("order cannot be nil")
	}
	return r.db.WithContext(ctx).Create(o).Error
}

func (r *orderRepo) ListActive(ctx context.Context, positionID string) ([]model.ConditionalOrder, error) {
	var out []model.ConditionalOrder
	if err := r.db.WithContext(ctx).
		Where("position_id = ? AND status = ?", positionID, model.OrderActive).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *orderRepo) MarkStatus(ctx context.Context, orderID string, status model.OrderStatus, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.ConditionalOrder{}).
		Where("order_id = ?", orderID).
		Updates(map[string]any{"status": status, "updated_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type stageRepo struct {
	db *gorm.DB
}

func (r *stageRepo) Insert(ctx context.Context, rec *model.StageExecution) error {
	if rec == nil {
		return errors.New("stage record cannot be nil")
	}
	err := r.db.WithContext(ctx).Create(rec).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: position=%s stage=%d", store.ErrDuplicateStage, rec.PositionID, rec.Stage)
	}
	return err
}

func (r *stageRepo) Update(ctx context.Context, rec *model.StageExecution) error {
	if rec == nil {
		return errors.New("stage record cannot be nil")
	}
	res := r.db.WithContext(ctx).Model(&model.StageExecution{}).
		Where("id = ?", rec.ID).
		Select("*").
		Updates(rec)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return fmt.Errorf("%w: position=%s stage=%d", store.ErrDuplicateStage, rec.PositionID, rec.Stage)
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *stageRepo) ListByPosition(ctx context.Context, positionID string) ([]model.StageExecution, error) {
	var out []model.StageExecution
	if err := r.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("stage ASC, created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stageRepo) CompletedSince(ctx context.Context, symbol string, stage int, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.StageExecution{}).
		Where("symbol = ? AND stage = ? AND status = ? AND completed_at >= ?", symbol, stage, model.StageCompleted, since).
		Count(&n).Error
	return n, err
}

type reconRepo struct {
	db *gorm.DB
}

func (r *reconRepo) Insert(ctx context.Context, e *model.ReconciliationEntry) error {
	if e == nil {
		return errors.New("reconciliation entry cannot be nil")
	}
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *reconRepo) List(ctx context.Context, unresolvedOnly bool, limit int) ([]model.ReconciliationEntry, error) {
	var out []model.ReconciliationEntry
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if unresolvedOnly {
		q = q.Where("unresolved = ?", true)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *reconRepo) Resolve(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.ReconciliationEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{"unresolved": false, "resolved_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
