// Package notifier 把需要人工介入的事件（对账记录）推送到外部渠道。
package notifier

import "context"

// TextNotifier 是最小的文本推送接口，具体渠道（如 Telegram）实现它。
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}
