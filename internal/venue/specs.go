package venue

import (
	"context"
	"sync"
)

// MathResolver 按合约缓存 Math，合约规格一天内基本不变。
type MathResolver struct {
	client Client
	mu     sync.RWMutex
	cache  map[string]Math
}

func NewMathResolver(c Client) *MathResolver {
	return &MathResolver{client: c, cache: make(map[string]Math)}
}

func (r *MathResolver) For(ctx context.Context, symbol string) (Math, error) {
	r.mu.RLock()
	m, ok := r.cache[symbol]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}
	spec, err := r.client.ContractSpec(ctx, symbol)
	if err != nil {
		return nil, err
	}
	m, err = NewMath(spec)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[symbol] = m
	r.mu.Unlock()
	return m, nil
}

// Invalidate 丢弃缓存的规格，下次调用重新拉取。
func (r *MathResolver) Invalidate(symbol string) {
	r.mu.Lock()
	delete(r.cache, symbol)
	r.mu.Unlock()
}
