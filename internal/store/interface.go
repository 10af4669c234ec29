package store

import (
	"context"
	"errors"
	"time"

	"riskguard/internal/store/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateStage 表示同一持仓的同一阶段已有 pending/completed 记录。
	ErrDuplicateStage = errors.New("stage already claimed")
	// ErrDuplicatePosition 表示该合约已有 open 持仓。
	ErrDuplicatePosition = errors.New("open position already exists")
)

// UnitOfWork defines a transaction scope.
type UnitOfWork interface {
	// Commit commits the transaction.
	Commit() error
	// Rollback rolls back the transaction. Calling it after Commit is a no-op.
	Rollback() error

	Positions() PositionRepository
	Orders() ConditionalOrderRepository
	Stages() StageRepository
	Reconciliations() ReconciliationRepository
}

// Store is the entry point for database access.
type Store interface {
	// Begin starts a new UnitOfWork (transaction).
	Begin(ctx context.Context) (UnitOfWork, error)
	// Close closes the store connection.
	Close() error
}

type PositionRepository interface {
	Create(ctx context.Context, p *model.Position) error
	Get(ctx context.Context, positionID string) (*model.Position, error)
	FindOpenBySymbol(ctx context.Context, symbol string) (*model.Position, error)
	ListOpen(ctx context.Context) ([]model.Position, error)
	Update(ctx context.Context, p *model.Position) error
}

type ConditionalOrderRepository interface {
	Create(ctx context.Context, o *model.ConditionalOrder) error
	ListActive(ctx context.Context, positionID string) ([]model.ConditionalOrder, error)
	MarkStatus(ctx context.Context, orderID string, status model.OrderStatus, at time.Time) error
}

type StageRepository interface {
	Insert(ctx context.Context, rec *model.StageExecution) error
	Update(ctx context.Context, rec *model.StageExecution) error
	ListByPosition(ctx context.Context, positionID string) ([]model.StageExecution, error)
	// CompletedSince 返回 symbol 的 stage 在 since 之后完成的记录数。
	CompletedSince(ctx context.Context, symbol string, stage int, since time.Time) (int64, error)
}

type ReconciliationRepository interface {
	Insert(ctx context.Context, e *model.ReconciliationEntry) error
	List(ctx context.Context, unresolvedOnly bool, limit int) ([]model.ReconciliationEntry, error)
	Resolve(ctx context.Context, id string, at time.Time) error
}
