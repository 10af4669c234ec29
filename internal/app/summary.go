package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"riskguard/internal/config"
)

// StartupSummary 汇总启动时生效的关键配置。
type StartupSummary struct {
	Venue    string
	Store    string
	Marker   string
	Alerts   string
	HTTPAddr string
	Interval string
	Stages   []float64
	ClosePct float64
	Guard    config.GuardConfig
	Monitor  config.MonitorConfig
	Tools    []string
}

func newSummary(cfg *config.Config, venueName, storeDesc, marker, alerts string, tools []string) *StartupSummary {
	return &StartupSummary{
		Venue:    venueName,
		Store:    storeDesc,
		Marker:   marker,
		Alerts:   alerts,
		HTTPAddr: cfg.App.HTTPAddr,
		Interval: cfg.Market.Interval,
		Stages:   []float64{cfg.Stages.Stage1R, cfg.Stages.Stage2R, cfg.Stages.Stage3R},
		ClosePct: cfg.Stages.ClosePct,
		Guard:    cfg.Guard,
		Monitor:  cfg.Monitor,
		Tools:    tools,
	}
}

func (s *StartupSummary) Print() {
	s.write(os.Stdout)
}

func (s *StartupSummary) write(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[执行环境 (RUNTIME)]")
	fmt.Fprintf(w, "  交易所: %s\n", s.Venue)
	fmt.Fprintf(w, "  存储: %s\n", s.Store)
	fmt.Fprintf(w, "  去重标记: %s\n", s.Marker)
	fmt.Fprintf(w, "  对账推送: %s\n", s.Alerts)
	fmt.Fprintf(w, "  HTTP: %s\n", s.HTTPAddr)
	fmt.Fprintf(w, "  K线周期: %s\n", s.Interval)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[分阶段止盈 (STAGED EXIT)]")
	for i, r := range s.Stages {
		fmt.Fprintf(w, "  阶段 %d: %.2fR\n", i+1, r)
	}
	fmt.Fprintf(w, "  每阶段平仓比例: %.2f%%\n", s.ClosePct)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[一致性约束 (GUARDS)]")
	fmt.Fprintf(w, "  重复窗口: %ds\n", s.Guard.DuplicateWindowSeconds)
	fmt.Fprintf(w, "  移动止损冷却: %ds\n", s.Guard.TrailingCooldownSeconds)
	fmt.Fprintf(w, "  最短持仓: %s\n", s.Guard.MinHolding())
	fmt.Fprintf(w, "  开仓/平仓滑点上限: %.2f%% / %.2f%%\n", s.Guard.MaxOpenSlippagePct, s.Guard.MaxCloseSlippagePct)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[移动止损巡检 (MONITOR)]")
	if !s.Monitor.Enabled {
		fmt.Fprintln(w, "  (未启用)")
	} else {
		fmt.Fprintf(w, "  间隔: %s\n", s.Monitor.Interval())
		fmt.Fprintf(w, "  币种: %s\n", formatList(s.Monitor.Symbols))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[工具 (TOOLS)]")
	fmt.Fprintf(w, "  %s\n", formatList(s.Tools))
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
