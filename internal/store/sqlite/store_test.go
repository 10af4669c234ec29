package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"riskguard/internal/store"
	"riskguard/internal/store/model"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "riskguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openPosition(id, symbol string) *model.Position {
	now := time.Now().UTC()
	return &model.Position{
		PositionID:      id,
		Symbol:          symbol,
		Side:            "long",
		ContractType:    "linear",
		EntryPrice:      decimal.RequireFromString("50000.1"),
		Quantity:        decimal.RequireFromString("0.3"),
		InitialQuantity: decimal.RequireFromString("0.3"),
		Leverage:        10,
		StopLoss:        decimal.RequireFromString("49000"),
		ClosedPercent:   decimal.Zero,
		Status:          model.PositionOpen,
		OpenedAt:        now,
		UpdatedAt:       now,
	}
}

func TestPositionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Positions().Create(ctx, openPosition("p1", "BTC/USDT"))
	}))

	err := store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Positions().Create(ctx, openPosition("p2", "BTC/USDT"))
	})
	assert.ErrorIs(t, err, store.ErrDuplicatePosition)

	var got *model.Position
	require.NoError(t, store.Read(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		var err error
		got, err = uow.Positions().FindOpenBySymbol(ctx, "BTC/USDT")
		return err
	}))
	assert.Equal(t, "p1", got.PositionID)
	assert.True(t, got.EntryPrice.Equal(decimal.RequireFromString("50000.1")))

	got.Status = model.PositionClosed
	got.Quantity = decimal.Zero
	require.NoError(t, store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Positions().Update(ctx, got)
	}))

	// 平仓后同一合约可以再开
	require.NoError(t, store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Positions().Create(ctx, openPosition("p3", "BTC/USDT"))
	}))
	require.NoError(t, store.Read(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		open, err := uow.Positions().ListOpen(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "p3", open[0].PositionID)
		_, err = uow.Positions().Get(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestStageUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pending := func(id string) *model.StageExecution {
		return &model.StageExecution{
			ID: id, PositionID: "p1", Symbol: "BTC/USDT", Stage: 1,
			Status: model.StagePending, CreatedAt: time.Now().UTC(),
		}
	}

	require.NoError(t, store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Stages().Insert(ctx, pending("s1"))
	}))
	err := store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Stages().Insert(ctx, pending("s2"))
	})
	assert.ErrorIs(t, err, store.ErrDuplicateStage)

	// failed 记录不占唯一位
	require.NoError(t, store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		rec := pending("s1")
		rec.Status = model.StageFailed
		return uow.Stages().Update(ctx, rec)
	}))
	require.NoError(t, store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Stages().Insert(ctx, pending("s3"))
	}))

	now := time.Now().UTC()
	require.NoError(t, store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		rec := pending("s3")
		rec.Status = model.StageCompleted
		rec.CompletedAt = &now
		return uow.Stages().Update(ctx, rec)
	}))
	require.NoError(t, store.Read(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		n, err := uow.Stages().CompletedSince(ctx, "BTC/USDT", 1, now.Add(-30*time.Second))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		n, err = uow.Stages().CompletedSince(ctx, "BTC/USDT", 1, now.Add(time.Second))
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
		list, err := uow.Stages().ListByPosition(ctx, "p1")
		require.NoError(t, err)
		assert.Len(t, list, 2)
		return nil
	}))
}

func TestWithinTxRollsBackEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.Positions().Create(ctx, openPosition("p1", "ETH/USDT")); err != nil {
			return err
		}
		if err := uow.Orders().Create(ctx, &model.ConditionalOrder{OrderID: "o1", PositionID: "p1", Status: model.OrderActive}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, store.Read(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		_, err := uow.Positions().FindOpenBySymbol(ctx, "ETH/USDT")
		assert.ErrorIs(t, err, store.ErrNotFound)
		orders, err := uow.Orders().ListActive(ctx, "p1")
		require.NoError(t, err)
		assert.Empty(t, orders)
		return nil
	}))
}

func TestConditionalOrdersAndReconciliation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		if err := uow.Orders().Create(ctx, &model.ConditionalOrder{OrderID: "o1", PositionID: "p1", Kind: "stop_loss", Status: model.OrderActive, CreatedAt: now}); err != nil {
			return err
		}
		if err := uow.Orders().MarkStatus(ctx, "o1", model.OrderCancelled, now); err != nil {
			return err
		}
		return uow.Reconciliations().Insert(ctx, &model.ReconciliationEntry{
			ID: "r1", Operation: "stage_commit", Symbol: "BTC/USDT", VenueSuccess: true,
			Unresolved: true, Details: datatypes.JSON(`{"stage":1}`), CreatedAt: now,
		})
	}))

	require.NoError(t, store.Read(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		orders, err := uow.Orders().ListActive(ctx, "p1")
		require.NoError(t, err)
		assert.Empty(t, orders)
		assert.ErrorIs(t, uow.Orders().MarkStatus(ctx, "nope", model.OrderCancelled, now), store.ErrNotFound)

		entries, err := uow.Reconciliations().List(ctx, true, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.JSONEq(t, `{"stage":1}`, string(entries[0].Details))
		return nil
	}))

	require.NoError(t, store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Reconciliations().Resolve(ctx, "r1", now)
	}))
	require.NoError(t, store.Read(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		entries, err := uow.Reconciliations().List(ctx, true, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	}))
}
