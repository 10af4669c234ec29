package exit

import (
	"context"
	"time"

	"riskguard/internal/config"
	"riskguard/internal/logger"
	"riskguard/internal/pkg/symbol"
	"riskguard/internal/riskerr"
	"riskguard/internal/scheduler"
)

// Monitor 周期性地对跟踪模式的持仓落地跟踪止损。
type Monitor struct {
	ctrl     *Controller
	interval time.Duration
	only     map[string]struct{}
	log      *logger.Entry
}

// NewMonitor 中 cfg.Symbols 非空时只处理列出的合约。
func NewMonitor(ctrl *Controller, cfg config.MonitorConfig) *Monitor {
	m := &Monitor{ctrl: ctrl, interval: cfg.Interval(), log: logger.With("monitor")}
	if len(cfg.Symbols) > 0 {
		m.only = make(map[string]struct{}, len(cfg.Symbols))
		for _, raw := range cfg.Symbols {
			if sym, err := symbol.Canonical(raw); err == nil {
				m.only[sym] = struct{}{}
			}
		}
	}
	return m
}

func (m *Monitor) Run(ctx context.Context) error {
	sched := scheduler.NewAlignedScheduler(m.interval, 0)
	err := sched.Run(ctx, m.Tick)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Tick 执行一轮检查。
func (m *Monitor) Tick(ctx context.Context) {
	m.tick(ctx)
}

// tick 返回成功移动止损的合约数。
func (m *Monitor) tick(ctx context.Context) int {
	symbols, err := m.ctrl.TrailingSymbols(ctx)
	if err != nil {
		m.log.Errorf("list trailing positions: %v", err)
		return 0
	}
	applied := 0
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		if m.only != nil {
			if _, ok := m.only[sym]; !ok {
				continue
			}
		}
		res, err := m.ctrl.ApplyTrailing(ctx, sym)
		switch {
		case err != nil && riskerr.IsKind(err, riskerr.KindValidation):
			m.log.Debugf("%s skipped: %v", sym, err)
		case err != nil:
			m.log.Warnf("%s trailing update failed: %v", sym, err)
		case res.Applied:
			applied++
		default:
			m.log.Debugf("%s unchanged: %s", sym, res.Reason)
		}
	}
	return applied
}
