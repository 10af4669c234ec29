package riskerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("execute stage: %w", Conflict("executePartialTakeProfit", "stage %d already running", 2))
	assert.Equal(t, KindConcurrency, KindOf(err))
	assert.True(t, IsKind(err, KindConcurrency))
	assert.False(t, IsKind(nil, KindConcurrency))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestInsufficientSizeReportsShortfall(t *testing.T) {
	err := InsufficientSize("executePartialTakeProfit", "close quantity", 0.001, 0.0004)
	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.InDelta(t, 0.0006, e.Shortfall(), 1e-12)
	assert.Contains(t, err.Error(), "shortfall=0.00060000")

	over := &Error{Kind: KindInsufficientSize, Required: 1, Actual: 2}
	assert.Zero(t, over.Shortfall())
}

func TestVenueErrorsAreRetryableAndUnwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := Venue("query_order", cause)
	assert.True(t, Retryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "query_order: venue call failed: timeout", err.Error())

	assert.False(t, Retryable(Slippage("openPosition", 100, 103, 2)))
	assert.Contains(t, Slippage("openPosition", 100, 103, 2).Error(), "deviates 3.00%")
}
