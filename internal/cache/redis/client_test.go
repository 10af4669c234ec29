package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildKey(t *testing.T) {
	assert.Equal(t, "recent:BTC/USDT:1", buildKey("", "BTC/USDT:1"))
	assert.Equal(t, "riskguard:recent:BTC/USDT:1", buildKey("riskguard:", "BTC/USDT:1"))
	assert.Equal(t, "riskguard:recent:BTC/USDT:1", buildKey("riskguard", "BTC/USDT:1"))
}

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), Prefix: "riskguard"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestMarkIsSetOnce(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	seen, err := c.Seen(ctx, "BTC/USDT:1")
	require.NoError(t, err)
	assert.False(t, seen)

	ok, err := c.Mark(ctx, "BTC/USDT:1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Mark(ctx, "BTC/USDT:1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second mark within ttl must not overwrite")

	seen, err = c.Seen(ctx, "BTC/USDT:1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.True(t, mr.Exists("riskguard:recent:BTC/USDT:1"))
	assert.Equal(t, 30*time.Second, mr.TTL("riskguard:recent:BTC/USDT:1"))

	// 其他阶段互不影响
	ok, err = c.Mark(ctx, "BTC/USDT:2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkExpires(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.Mark(ctx, "ETH/USDT:1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)
	seen, err := c.Seen(ctx, "ETH/USDT:1")
	require.NoError(t, err)
	assert.False(t, seen)
	ok, err = c.Mark(ctx, "ETH/USDT:1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), ClientConfig{Addr: addr})
	assert.Error(t, err)
}

func TestMarkFailsWhenServerGone(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Close()

	_, err := c.Mark(context.Background(), "BTC/USDT:1", time.Second)
	assert.Error(t, err)
	_, err = c.Seen(context.Background(), "BTC/USDT:1")
	assert.Error(t, err)
}
