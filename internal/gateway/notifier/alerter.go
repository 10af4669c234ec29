package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"riskguard/internal/logger"
	"riskguard/internal/store/model"
)

const (
	alertTimeout = 30 * time.Second
	// Telegram 单条上限 4096 字符，留出余量
	maxAlertRunes = 3800
	// maxDetailRunes 单个详情字段的上限，避免错误堆栈挤掉其他字段
	maxDetailRunes = 300
)

// ReconciliationAlerter 把新写入的对账记录推送给值班人员。
type ReconciliationAlerter struct {
	sender TextNotifier
	log    *logger.Entry
}

func NewReconciliationAlerter(sender TextNotifier) *ReconciliationAlerter {
	return &ReconciliationAlerter{sender: sender, log: logger.With("notifier")}
}

// ReconciliationRecorded 推送失败只记日志；记录本身已落库，修复流程仍可查到。
func (a *ReconciliationAlerter) ReconciliationRecorded(ctx context.Context, entry model.ReconciliationEntry) {
	if a == nil || a.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	if err := a.sender.SendText(ctx, RenderReconciliation(entry)); err != nil {
		a.log.Warnf("reconciliation alert %s not delivered: %v", entry.ID, err)
	}
}

// RenderReconciliation 生成 Markdown 告警正文：基本字段与详情放在代码块内。
func RenderReconciliation(entry model.ReconciliationEntry) string {
	var b strings.Builder
	b.WriteString("⚠️ 需要人工对账\n\n```\n")
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "- %s: %s\n", label, fence(value))
		}
	}
	field("操作", entry.Operation)
	field("币种", entry.Symbol)
	field("方向", entry.Side)
	field("仓位", entry.PositionID)
	field("订单", entry.OrderID)
	fmt.Fprintf(&b, "- 交易所成功: %v / 本地成功: %v\n", entry.VenueSuccess, entry.StoreSuccess)
	if details := detailLines(entry.Details); len(details) > 0 {
		b.WriteString("\n详情\n")
		for _, line := range details {
			b.WriteString("- " + line + "\n")
		}
	}
	b.WriteString("```\n\n")

	footer := "记录 ID: " + entry.ID
	if !entry.CreatedAt.IsZero() {
		footer += "\n时间：" + entry.CreatedAt.Format("2006-01-02 15:04:05 MST")
	}
	// 超长时截断代码块内部，保证页脚与闭合围栏始终保留
	body := b.String()
	if budget := maxAlertRunes - utf8.RuneCountInString(footer); utf8.RuneCountInString(body) > budget {
		body = truncateRunes(strings.TrimSuffix(body, "```\n\n"), budget-10) + "\n```\n\n"
	}
	return body + footer
}

// detailLines 按键排序展开详情 JSON，单个值过长时截断。
func detailLines(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var details map[string]any
	if err := json.Unmarshal(raw, &details); err != nil {
		return []string{truncateRunes(fence(string(raw)), maxDetailRunes)}
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		value := truncateRunes(fence(fmt.Sprintf("%v", details[k])), maxDetailRunes)
		out = append(out, k+": "+value)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// fence 防止内容提前闭合代码块。
func fence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
