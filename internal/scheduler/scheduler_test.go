package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/market"
)

func TestNextAlignsToInterval(t *testing.T) {
	s := NewAlignedScheduler(5*time.Minute, 10*time.Second)
	now := time.Date(2024, 1, 1, 12, 3, 0, 0, time.UTC)
	at, wait := s.next(now)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 5, 10, 0, time.UTC), at)
	assert.Equal(t, 2*time.Minute+10*time.Second, wait)

	// 已过本周期的偏移点，顺延到下一个周期
	now = time.Date(2024, 1, 1, 12, 0, 20, 0, time.UTC)
	at, _ = s.next(now)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 5, 10, 0, time.UTC), at)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := NewAlignedScheduler(time.Hour, 0)
	s.RunImmediately = true
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := s.Run(ctx, func(context.Context) {
		calls++
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}


func TestDropUnclosedKline(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC)
	open := now.Add(-time.Minute).UnixMilli()
	candles := []market.Candle{{OpenTime: open - 60_000}, {OpenTime: open}}

	// 最后一根刚收盘，宽限期内仍视为未收盘
	out := dropUnclosedKlineAt(candles, time.Minute, now, 10*time.Second)
	assert.Len(t, out, 1)

	out = dropUnclosedKlineAt(candles, time.Minute, now.Add(10*time.Second), 10*time.Second)
	assert.Len(t, out, 2)
}
