package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/config"
	"riskguard/internal/riskerr"
	"riskguard/internal/store"
	"riskguard/internal/store/memstore"
	"riskguard/internal/store/model"
	"riskguard/internal/venue"
)

var guardCfg = config.GuardConfig{
	DuplicateWindowSeconds:  30,
	TrailingCooldownSeconds: 300,
	DecisionIntervalSeconds: 1800,
}

type clock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

type memMarker struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (m *memMarker) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.keys[key], nil
}

func (m *memMarker) Mark(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func newGuard(t *testing.T, opts ...Option) (*Guard, *memstore.Store, *clock) {
	t.Helper()
	s := memstore.New()
	c := &clock{cur: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGuard(s, guardCfg, append([]Option{WithClock(c.now)}, opts...)...)
	return g, s, c
}

func completeStage(t *testing.T, s store.Store, id, positionID string, stage int, at time.Time) {
	t.Helper()
	require.NoError(t, store.WithinTx(context.Background(), s, func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Stages().Insert(ctx, &model.StageExecution{
			ID: id, PositionID: positionID, Symbol: "BTC/USDT", Stage: stage,
			Status: model.StageCompleted, CreatedAt: at, CompletedAt: &at,
		})
	}))
}

func TestCheckRecentWithinWindow(t *testing.T) {
	g, s, c := newGuard(t)
	ctx := context.Background()

	require.NoError(t, g.CheckRecent(ctx, "BTC/USDT", 1))
	completeStage(t, s, "s1", "p1", 1, c.now())

	err := g.CheckRecent(ctx, "BTC/USDT", 1)
	assert.True(t, riskerr.IsKind(err, riskerr.KindConcurrency))
	assert.NoError(t, g.CheckRecent(ctx, "BTC/USDT", 2))

	c.advance(31 * time.Second)
	assert.NoError(t, g.CheckRecent(ctx, "BTC/USDT", 1))
}

func TestCheckRecentUsesMarker(t *testing.T) {
	m := &memMarker{keys: map[string]bool{}}
	g, _, _ := newGuard(t, WithMarker(m))
	ctx := context.Background()

	g.MarkRecent(ctx, "ETH/USDT", 2)
	err := g.CheckRecent(ctx, "ETH/USDT", 2)
	assert.True(t, riskerr.IsKind(err, riskerr.KindConcurrency))

	// 标记不可用时退回存储检查
	m.err = errors.New("connection refused")
	assert.NoError(t, g.CheckRecent(ctx, "ETH/USDT", 2))
}

func TestClaimRejectsCompletedAndConcurrent(t *testing.T) {
	g, s, c := newGuard(t)
	ctx := context.Background()

	rec := &model.StageExecution{PositionID: "p1", Symbol: "BTC/USDT", Stage: 1}
	require.NoError(t, g.Claim(ctx, rec, nil))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, model.StagePending, rec.Status)

	err := g.Claim(ctx, &model.StageExecution{PositionID: "p1", Symbol: "BTC/USDT", Stage: 1}, nil)
	assert.True(t, riskerr.IsKind(err, riskerr.KindConcurrency))

	g.Release(ctx, rec, "venue rejected")
	require.NoError(t, g.Claim(ctx, &model.StageExecution{PositionID: "p1", Symbol: "BTC/USDT", Stage: 1}, nil))

	completeStage(t, s, "done-2", "p1", 2, c.now())
	err = g.Claim(ctx, &model.StageExecution{PositionID: "p1", Symbol: "BTC/USDT", Stage: 2}, nil)
	assert.True(t, riskerr.IsKind(err, riskerr.KindConcurrency))
}

func TestClaimRunsVerifyInsideTx(t *testing.T) {
	g, s, _ := newGuard(t)
	ctx := context.Background()
	boom := riskerr.Validation("executePartialTakeProfit", "stage 1 must complete before stage 2")

	err := g.Claim(ctx, &model.StageExecution{PositionID: "p1", Symbol: "BTC/USDT", Stage: 2},
		func(context.Context, store.UnitOfWork) error { return boom })
	assert.ErrorIs(t, err, boom)

	require.NoError(t, store.Read(ctx, s, func(ctx context.Context, uow store.UnitOfWork) error {
		recs, err := uow.Stages().ListByPosition(ctx, "p1")
		require.NoError(t, err)
		assert.Empty(t, recs)
		return nil
	}))
}

func TestTrailingCooldown(t *testing.T) {
	g, s, c := newGuard(t)
	ctx := context.Background()

	require.NoError(t, g.CheckTrailingCooldown(ctx, "p1"))
	completeStage(t, s, "s1", "p1", 3, c.now())

	c.advance(4 * time.Minute)
	err := g.CheckTrailingCooldown(ctx, "p1")
	require.Error(t, err)
	assert.True(t, riskerr.IsKind(err, riskerr.KindConcurrency))
	assert.Contains(t, err.Error(), "1m0s remaining")

	c.advance(time.Minute)
	assert.NoError(t, g.CheckTrailingCooldown(ctx, "p1"))
}

func TestCheckHolding(t *testing.T) {
	g, _, c := newGuard(t)
	pos := model.Position{Symbol: "BTC/USDT", OpenedAt: c.now()}

	err := g.CheckHolding("closePosition", pos)
	assert.True(t, riskerr.IsKind(err, riskerr.KindValidation))

	c.advance(15 * time.Minute)
	assert.NoError(t, g.CheckHolding("closePosition", pos))
}

func TestCommitFailureRecordsReconciliation(t *testing.T) {
	g, s, _ := newGuard(t)
	ctx := context.Background()
	s.FailNextCommits(errors.New("disk full"))

	id, err := g.Commit(ctx, "executePartialTakeProfit", func(ctx context.Context, uow store.UnitOfWork) error {
		return uow.Positions().Create(ctx, &model.Position{PositionID: "p1", Symbol: "BTC/USDT", Status: model.PositionOpen})
	}, Discrepancy{
		Symbol: "BTC/USDT", Side: "long", PositionID: "p1", OrderID: "mkt-1",
		Details: map[string]any{"stage": 1},
	})
	require.Error(t, err)
	assert.True(t, riskerr.IsKind(err, riskerr.KindConsistency))
	require.NotEmpty(t, id)

	entries, err := g.Reconciliations(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "executePartialTakeProfit", e.Operation)
	assert.True(t, e.VenueSuccess)
	assert.False(t, e.StoreSuccess)
	var details map[string]any
	require.NoError(t, json.Unmarshal(e.Details, &details))
	assert.EqualValues(t, 1, details["stage"])
	assert.Equal(t, "disk full", details["error"])
}

func TestRecordFailureIsReported(t *testing.T) {
	g, s, _ := newGuard(t)
	s.FailNextCommits(errors.New("disk full"))

	id, err := g.Record(context.Background(), Discrepancy{Operation: "cancel_conditional", Symbol: "BTC/USDT"})
	assert.Error(t, err)
	assert.Empty(t, id)
}

type chanAlerter chan model.ReconciliationEntry

func (c chanAlerter) ReconciliationRecorded(_ context.Context, entry model.ReconciliationEntry) {
	c <- entry
}

func TestRecordNotifiesAlerter(t *testing.T) {
	alerts := make(chanAlerter, 1)
	g, _, _ := newGuard(t, WithAlerter(alerts))

	id, err := g.Record(context.Background(), Discrepancy{Operation: "cancel_conditional", Symbol: "ETH/USDT", OrderID: "sl-9"})
	require.NoError(t, err)

	select {
	case entry := <-alerts:
		assert.Equal(t, id, entry.ID)
		assert.Equal(t, "sl-9", entry.OrderID)
		assert.True(t, entry.Unresolved)
	case <-time.After(2 * time.Second):
		t.Fatal("alerter not called")
	}
}

func TestValidateStopMove(t *testing.T) {
	d := decimal.RequireFromString
	cases := []struct {
		name     string
		side     venue.Side
		current  string
		proposed string
		ok       bool
	}{
		{"long up", venue.SideLong, "49000", "50000", true},
		{"long same", venue.SideLong, "49000", "49000", true},
		{"long down", venue.SideLong, "49000", "48000", false},
		{"short down", venue.SideShort, "51000", "50000", true},
		{"short up", venue.SideShort, "51000", "52000", false},
		{"initial long below entry", venue.SideLong, "0", "49000", true},
		{"initial long above entry", venue.SideLong, "0", "50500", false},
		{"initial short above entry", venue.SideShort, "0", "51000", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateStopMove("updatePositionStopLoss", tc.side, d("50000"), d(tc.current), d(tc.proposed))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, riskerr.IsKind(err, riskerr.KindValidation))
			}
		})
	}
}

func TestTighter(t *testing.T) {
	d := decimal.RequireFromString
	assert.True(t, Tighter(venue.SideLong, d("49000"), d("49500")))
	assert.False(t, Tighter(venue.SideLong, d("50000"), d("49500")))
	assert.False(t, Tighter(venue.SideLong, d("50000"), d("50000")))
	assert.True(t, Tighter(venue.SideShort, d("51000"), d("50500")))
	assert.True(t, Tighter(venue.SideShort, decimal.Zero, d("50500")))
}
