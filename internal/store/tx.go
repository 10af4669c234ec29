package store

import (
	"context"
	"errors"
	"fmt"
)

// WithinTx 在单个事务内执行 fn：fn 返回错误或 panic 时回滚，否则提交。
func WithinTx(ctx context.Context, s Store, fn func(ctx context.Context, uow UnitOfWork) error) (err error) {
	uow, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = uow.Rollback()
			panic(p)
		}
	}()
	if err := fn(ctx, uow); err != nil {
		if rbErr := uow.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := uow.Commit(); err != nil {
		_ = uow.Rollback()
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Read 在只读事务内执行 fn，结束后总是回滚。
func Read(ctx context.Context, s Store, fn func(ctx context.Context, uow UnitOfWork) error) error {
	uow, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = uow.Rollback() }()
	return fn(ctx, uow)
}
