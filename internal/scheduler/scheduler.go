// Package scheduler 提供按 K 线收盘对齐的周期调度，以及 K 线时间相关的小工具。
package scheduler

import (
	"context"
	"time"

	"riskguard/internal/logger"
)

// AlignedScheduler 在每个 Interval 边界之后 Offset 时刻执行任务，任务串行执行不会重叠。
type AlignedScheduler struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn func() time.Time
	log   *logger.Entry
}

func NewAlignedScheduler(interval, offset time.Duration) *AlignedScheduler {
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		nowFn:    time.Now,
		log:      logger.With("scheduler"),
	}
}

// Run 阻塞直到 ctx 结束。
func (s *AlignedScheduler) Run(ctx context.Context, task func(ctx context.Context)) error {
	if task == nil {
		s.log.Warnf("task is nil, exit")
		return nil
	}
	if s.Interval <= 0 {
		s.log.Warnf("invalid interval=%s, exit", s.Interval)
		return nil
	}
	if s.Offset < 0 || s.Offset >= s.Interval {
		s.log.Warnf("offset=%s out of range, clamp to 0", s.Offset)
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	s.log.Infof("started interval=%s offset=%s run_immediately=%v", s.Interval, s.Offset, s.RunImmediately)
	if s.RunImmediately {
		task(ctx)
	}
	for {
		wakeAt, wait := s.next(s.nowFn())
		s.log.Debugf("next run at %s (in %s)", wakeAt.Format(time.RFC3339), wait.Truncate(time.Second))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Infof("ctx done, exit")
			return ctx.Err()
		case <-timer.C:
		}
		task(ctx)
	}
}

// next 返回下一次执行时刻与需要等待的时长。
func (s *AlignedScheduler) next(now time.Time) (time.Time, time.Duration) {
	now = now.UTC()
	wakeAt := now.Truncate(s.Interval).Add(s.Offset)
	if !wakeAt.After(now) {
		wakeAt = wakeAt.Add(s.Interval)
	}
	return wakeAt, wakeAt.Sub(now)
}
