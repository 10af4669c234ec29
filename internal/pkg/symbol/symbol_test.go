package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	for _, raw := range []string{"BTCUSDT", "btc/usdt", "BTC_USDT", "BTC/USDT:USDT"} {
		got, err := Canonical(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, "BTC/USDT", got, raw)
	}
	_, err := Canonical("???")
	assert.Error(t, err)
}

func TestConverters(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Binance.ToExchange("BTC/USDT"))
	assert.Equal(t, "BTC/USDT", Binance.FromExchange("BTCUSDT"))
	assert.Equal(t, "BTC_USDT", Gate.ToExchange("BTC/USDT"))
	assert.Equal(t, "BTC_USDT", Gate.ToExchange("btcusdt"))
	assert.Equal(t, "ETH/USD", Gate.FromExchange("ETH_USD"))
}
