package market

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// CachedSource 在单个决策周期内复用 K 线，避免波动率分析与止损计算重复拉取。
// 最新价不缓存。
type CachedSource struct {
	inner  Source
	ttl    time.Duration
	now    func() time.Time
	shards []candleShard
}

type candleShard struct {
	mu   sync.RWMutex
	data map[string]cachedCandles
}

type cachedCandles struct {
	candles   []Candle
	fetchedAt time.Time
}

const defaultShardCount = 32

func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	out := &CachedSource{
		inner:  inner,
		ttl:    ttl,
		now:    time.Now,
		shards: make([]candleShard, defaultShardCount),
	}
	for i := range out.shards {
		out.shards[i] = candleShard{data: make(map[string]cachedCandles)}
	}
	return out
}

func (s *CachedSource) shardFor(key string) *candleShard {
	return &s.shards[hashKey(key)%uint32(len(s.shards))]
}

func cacheKey(symbol, interval string) string {
	return strings.ToUpper(symbol) + "@" + strings.ToLower(interval)
}

func (s *CachedSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if symbol == "" || interval == "" {
		return nil, errors.New("symbol/interval 不能为空")
	}
	k := cacheKey(symbol, interval)
	sh := s.shardFor(k)
	if s.ttl > 0 {
		sh.mu.RLock()
		hit, ok := sh.data[k]
		sh.mu.RUnlock()
		if ok && s.now().Sub(hit.fetchedAt) < s.ttl && len(hit.candles) >= limit {
			return copyTail(hit.candles, limit), nil
		}
	}
	candles, err := s.inner.FetchHistory(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if s.ttl > 0 {
		dst := make([]Candle, len(candles))
		copy(dst, candles)
		sh.mu.Lock()
		sh.data[k] = cachedCandles{candles: dst, fetchedAt: s.now()}
		sh.mu.Unlock()
	}
	return candles, nil
}

func (s *CachedSource) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return s.inner.LatestPrice(ctx, symbol)
}

func copyTail(cur []Candle, limit int) []Candle {
	if limit <= 0 || limit > len(cur) {
		limit = len(cur)
	}
	out := make([]Candle, limit)
	copy(out, cur[len(cur)-limit:])
	return out
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
