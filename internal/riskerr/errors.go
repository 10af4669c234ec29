// Package riskerr 定义风控引擎对外暴露的错误分类。
//
// 调用方依据 Kind 决定重试、降级还是直接返回，而不是比对错误文本。
package riskerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation       Kind = "validation"
	KindInsufficientSize Kind = "insufficient_size"
	KindConcurrency      Kind = "concurrency_conflict"
	KindVenue            Kind = "venue"
	KindSlippage         Kind = "slippage_exceeded"
	KindConsistency      Kind = "consistency"
)

// Error 是引擎内统一的错误载体。
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Required/Actual 仅在 InsufficientSize 时有意义，用于报告缺口。
	Required float64
	Actual   float64
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Kind == KindInsufficientSize {
		msg = fmt.Sprintf("%s (required=%.8f actual=%.8f shortfall=%.8f)", msg, e.Required, e.Actual, e.Shortfall())
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Shortfall 返回距离最小可交易数量还差多少。
func (e *Error) Shortfall() float64 {
	if e == nil || e.Required <= e.Actual {
		return 0
	}
	return e.Required - e.Actual
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func InsufficientSize(op, what string, required, actual float64) error {
	return &Error{
		Kind:     KindInsufficientSize,
		Op:       op,
		Message:  what + " below venue minimum",
		Required: required,
		Actual:   actual,
	}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConcurrency, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Venue(op string, err error) error {
	return &Error{Kind: KindVenue, Op: op, Message: "venue call failed", Err: err}
}

func Slippage(op string, reference, filled, limitPct float64) error {
	pct := 0.0
	if reference > 0 {
		pct = (filled - reference) / reference * 100
	}
	return &Error{
		Kind:    KindSlippage,
		Op:      op,
		Message: fmt.Sprintf("fill %.8f deviates %.2f%% from reference %.8f (limit %.2f%%)", filled, pct, reference, limitPct),
	}
}

func Consistency(op string, err error) error {
	return &Error{Kind: KindConsistency, Op: op, Message: "venue action succeeded but persistence failed", Err: err}
}

// KindOf 返回错误链上第一个 *Error 的 Kind，未命中时为空串。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable 仅对幂等读取有意义：调用方不得用它决定是否重发下单请求。
func Retryable(err error) bool {
	return IsKind(err, KindVenue)
}
