package venue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/pkg/circuit"
	"riskguard/internal/riskerr"
	"riskguard/internal/venue"
	"riskguard/internal/venue/venuetest"
)

type call struct {
	venue, op string
	failed    bool
}

func TestGuardedOpensAfterConsecutiveFailures(t *testing.T) {
	fake := venuetest.New()
	fake.FailMarket = errors.New("503 from venue")
	var calls []call
	breaker := circuit.NewCircuitBreaker("fake", 2, time.Hour)
	g := venue.NewGuarded(fake, breaker, func(v, op string, err error) {
		calls = append(calls, call{v, op, err != nil})
	})
	req := venue.OrderRequest{Symbol: "BTC/USDT", PositionSide: venue.SideLong, Quantity: decimal.NewFromInt(1)}

	for i := 0; i < 2; i++ {
		_, err := g.PlaceMarketOrder(context.Background(), req)
		require.Error(t, err)
		assert.True(t, riskerr.IsKind(err, riskerr.KindVenue))
	}
	assert.Equal(t, circuit.StateOpen, breaker.State())

	fake.FailMarket = nil
	_, err := g.PlaceMarketOrder(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, venue.ErrCircuitOpen)
	assert.Zero(t, fake.MarketOrderCount())

	require.Len(t, calls, 3)
	assert.Equal(t, call{"fake", "place_market_order", true}, calls[2])
}

func TestGuardedIgnoresNoPositionForBreaker(t *testing.T) {
	fake := venuetest.New()
	breaker := circuit.NewCircuitBreaker("fake", 1, time.Hour)
	g := venue.NewGuarded(fake, breaker, nil)

	_, err := g.QueryPosition(context.Background(), "BTC/USDT")
	assert.ErrorIs(t, err, venue.ErrNoPosition)
	assert.Equal(t, circuit.StateClosed, breaker.State())
	assert.Equal(t, "fake", g.Name())
}

func TestGuardedKeepsTypedErrors(t *testing.T) {
	fake := venuetest.New()
	fake.FailCancel = riskerr.Validation("cancel", "bad id")
	g := venue.NewGuarded(fake, nil, nil)

	err := g.CancelConditional(context.Background(), "BTC/USDT", "x")
	assert.True(t, riskerr.IsKind(err, riskerr.KindValidation))
}
