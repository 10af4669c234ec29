package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/store"
	"riskguard/internal/store/model"
)

func TestCommitAndRollbackVisibility(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		require.NoError(t, uow.Positions().Create(ctx, &model.Position{PositionID: "p1", Symbol: "BTC/USDT", Status: model.PositionOpen}))
		return errors.New("abort")
	})
	require.Error(t, err)

	require.NoError(t, store.Read(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		_, err := uow.Positions().Get(ctx, "p1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))

	s.FailNextCommits(errors.New("disk full"))
	err = store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Positions().Create(ctx, &model.Position{PositionID: "p1", Symbol: "BTC/USDT", Status: model.PositionOpen})
	})
	assert.ErrorContains(t, err, "disk full")

	require.NoError(t, store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Positions().Create(ctx, &model.Position{PositionID: "p1", Symbol: "BTC/USDT", Status: model.PositionOpen})
	}))
	err = store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Positions().Create(ctx, &model.Position{PositionID: "p2", Symbol: "BTC/USDT", Status: model.PositionOpen})
	})
	assert.ErrorIs(t, err, store.ErrDuplicatePosition)
}

func TestConcurrentClaimsOnlyOneWins(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
				return uow.Stages().Insert(ctx, &model.StageExecution{
					ID: string(rune('a' + i)), PositionID: "p1", Symbol: "BTC/USDT", Stage: 1,
					Status: model.StagePending, CreatedAt: time.Now(),
				})
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, store.ErrDuplicateStage)
	}
	assert.Equal(t, 1, wins)
}

func TestReconciliationListing(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Unix(1000, 0)

	require.NoError(t, store.WithinTx(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		for i, id := range []string{"r1", "r2", "r3"} {
			if err := uow.Reconciliations().Insert(ctx, &model.ReconciliationEntry{
				ID: id, Unresolved: true, CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}); err != nil {
				return err
			}
		}
		return uow.Reconciliations().Resolve(ctx, "r2", base)
	}))

	require.NoError(t, store.Read(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		open, err := uow.Reconciliations().List(ctx, true, 10)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, "r3", open[0].ID)

		all, err := uow.Reconciliations().List(ctx, false, 2)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		return nil
	}))
}
