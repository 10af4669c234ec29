package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 只用于幂等读取；下单、撤单永远只发一次。
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(attempts-1))
	return backoff.WithContext(b, ctx)
}

// Retry 以固定间隔重试 fn，最多 Attempts 次。fn 可用 backoff.Permanent 提前终止。
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := backoff.Retry(func() error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, p.backoff(ctx))
	return out, err
}

// ReadBack 轮询订单直到终态。被撤销或拒绝立即返回，不再重试；有成交量时返回已成交部分。
func ReadBack(ctx context.Context, c Client, p RetryPolicy, symbol, orderID string) (Fill, error) {
	return Retry(ctx, p, func(ctx context.Context) (Fill, error) {
		fill, err := c.QueryOrder(ctx, symbol, orderID)
		if err != nil {
			return Fill{}, err
		}
		switch fill.Status {
		case OrderFilled:
			return fill, nil
		case OrderCancelled, OrderRejected:
			// 部分成交后剩余被撤的市价单按已成交部分返回
			if fill.FilledQty.IsPositive() {
				return fill, nil
			}
			return Fill{}, backoff.Permanent(fmt.Errorf("order %s %s", orderID, fill.Status))
		default:
			return Fill{}, fmt.Errorf("%w: order %s status=%s", ErrNotFilled, orderID, fill.Status)
		}
	})
}
