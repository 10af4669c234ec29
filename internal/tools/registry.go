// Package tools 把风控引擎的操作暴露为具名、带 schema 的工具调用。
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"riskguard/internal/logger"
	"riskguard/internal/riskerr"
	"riskguard/internal/store/model"
	"riskguard/internal/strategy/exit"
	"riskguard/internal/strategy/stoploss"
	"riskguard/internal/venue"
)

// Engine 是工具层依赖的控制器能力。
type Engine interface {
	CheckOpen(ctx context.Context, symbol string, side venue.Side, entryPrice decimal.Decimal) (exit.OpenCheck, error)
	Opportunities(ctx context.Context) (map[string]exit.Opportunity, error)
	ExecuteStage(ctx context.Context, symbol string, stage int) (exit.StageResult, error)
	UpdateTrailingStop(ctx context.Context, req exit.TrailingRequest) (exit.TrailingResult, error)
	UpdateStopLoss(ctx context.Context, req exit.StopUpdateRequest) (exit.StopUpdateResult, error)
	OpenPosition(ctx context.Context, req exit.OpenRequest) (exit.OpenResult, error)
	ClosePosition(ctx context.Context, symbol, reason string) (exit.CloseResult, error)
	Reconciliations(ctx context.Context, unresolvedOnly bool, limit int) ([]model.ReconciliationEntry, error)
}

type StopCalculator interface {
	Calculate(ctx context.Context, req stoploss.Request) (stoploss.Result, error)
}

// Handler 处理一次工具调用。出错时仍可返回部分结果。
type Handler func(ctx context.Context, args Args) (any, error)

type Tool struct {
	Name    string
	Handler Handler
}

// ErrorBody 是错误的结构化描述。
type ErrorBody struct {
	Kind      riskerr.Kind `json:"kind"`
	Message   string       `json:"message"`
	Required  float64      `json:"required,omitempty"`
	Actual    float64      `json:"actual,omitempty"`
	Shortfall float64      `json:"shortfall,omitempty"`
}

// Response 是所有工具调用共用的返回信封。
type Response struct {
	Tool    string     `json:"tool"`
	Success bool       `json:"success"`
	Error   *ErrorBody `json:"error,omitempty"`
	Result  any        `json:"result,omitempty"`
}

// Info 用于列出可用工具。
type Info struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Version     int            `json:"version"`
	Schema      map[string]any `json:"schema,omitempty"`
}

var errUnknownTool = errors.New("unknown tool")

type Registry struct {
	tools   map[string]Tool
	schemas *Schemas
	log     *logger.Entry
}

func NewRegistry(engine Engine, calc StopCalculator, schemas *Schemas) (*Registry, error) {
	if engine == nil || calc == nil {
		return nil, errors.New("tool registry requires engine and stop calculator")
	}
	if schemas == nil {
		var err error
		if schemas, err = LoadSchemas("", false); err != nil {
			return nil, err
		}
	}
	r := &Registry{tools: make(map[string]Tool), schemas: schemas, log: logger.With("tools")}
	for _, t := range builtinTools(engine, calc) {
		r.Register(t)
	}
	schemas.OnChange(func(snap Snapshot) {
		r.log.Infof("tool schemas reloaded version=%d definitions=%d", snap.Version, len(snap.Definitions))
	})
	return r, nil
}

// Register 注册或替换一个工具。
func (r *Registry) Register(t Tool) {
	r.tools[t.Name] = t
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Describe() []Info {
	out := make([]Info, 0, len(r.tools))
	for _, name := range r.Names() {
		info := Info{Name: name, Version: 1}
		if def, ok := r.schemas.Definition(name); ok {
			info.Description, info.Version, info.Schema = def.Description, def.Version, def.Schema
		}
		out = append(out, info)
	}
	return out
}

// Call 校验参数并执行工具，错误统一折叠进 Response。
func (r *Registry) Call(ctx context.Context, name string, raw []byte) Response {
	resp := Response{Tool: name}
	tool, ok := r.tools[name]
	if !ok {
		resp.Error = errorBody(riskerr.Validation(name, "%v: %s", errUnknownTool, name))
		return resp
	}
	args, err := parseArgs(name, raw)
	if err != nil {
		resp.Error = errorBody(err)
		return resp
	}
	if err := r.schemas.Validate(name, args.Map()); err != nil {
		resp.Error = errorBody(riskerr.Validation(name, "invalid arguments: %v", err))
		return resp
	}
	result, err := tool.Handler(ctx, args)
	resp.Result = result
	if err != nil {
		resp.Error = errorBody(err)
		r.log.Warnf("tool %s failed kind=%s: %v", name, resp.Error.Kind, err)
		return resp
	}
	resp.Success = true
	r.log.Debugf("tool %s ok", name)
	return resp
}

func errorBody(err error) *ErrorBody {
	body := &ErrorBody{Kind: riskerr.KindOf(err), Message: err.Error()}
	if body.Kind == "" {
		body.Kind = "internal"
	}
	var rerr *riskerr.Error
	if errors.As(err, &rerr) && rerr.Kind == riskerr.KindInsufficientSize {
		body.Required, body.Actual, body.Shortfall = rerr.Required, rerr.Actual, rerr.Shortfall()
	}
	return body
}

func builtinTools(engine Engine, calc StopCalculator) []Tool {
	return []Tool{
		{Name: "calculateStopLoss", Handler: func(ctx context.Context, a Args) (any, error) {
			const op = "calculateStopLoss"
			side, err := a.Side(op, "side")
			if err != nil {
				return nil, err
			}
			entry, err := a.Decimal(op, "entryPrice")
			if err != nil {
				return nil, err
			}
			f, _ := entry.Float64()
			res, err := calc.Calculate(ctx, stoploss.Request{
				Symbol:     a.String("symbol"),
				Side:       side,
				EntryPrice: f,
				Timeframe:  a.String("timeframe"),
			})
			if err != nil {
				return nil, err
			}
			return res, nil
		}},
		{Name: "checkOpenPosition", Handler: func(ctx context.Context, a Args) (any, error) {
			const op = "checkOpenPosition"
			side, err := a.Side(op, "side")
			if err != nil {
				return nil, err
			}
			entry, err := a.Decimal(op, "entryPrice")
			if err != nil {
				return nil, err
			}
			return engine.CheckOpen(ctx, a.String("symbol"), side, entry)
		}},
		{Name: "checkPartialTakeProfitOpportunity", Handler: func(ctx context.Context, a Args) (any, error) {
			opps, err := engine.Opportunities(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"opportunities": opps}, nil
		}},
		{Name: "executePartialTakeProfit", Handler: func(ctx context.Context, a Args) (any, error) {
			return engine.ExecuteStage(ctx, a.String("symbol"), a.Int("stage", 0))
		}},
		{Name: "updateTrailingStop", Handler: func(ctx context.Context, a Args) (any, error) {
			const op = "updateTrailingStop"
			side, err := a.Side(op, "side")
			if err != nil {
				return nil, err
			}
			req := exit.TrailingRequest{Symbol: a.String("symbol"), Side: side}
			if req.CurrentPrice, err = a.Decimal(op, "currentPrice"); err != nil {
				return nil, err
			}
			for key, dst := range map[string]*decimal.Decimal{"entryPrice": &req.EntryPrice, "currentStopLoss": &req.CurrentStopLoss} {
				v, err := a.OptDecimal(op, key)
				if err != nil {
					return nil, err
				}
				if v != nil {
					*dst = *v
				}
			}
			return engine.UpdateTrailingStop(ctx, req)
		}},
		{Name: "updatePositionStopLoss", Handler: func(ctx context.Context, a Args) (any, error) {
			const op = "updatePositionStopLoss"
			stop, err := a.OptDecimal(op, "stopLoss")
			if err != nil {
				return nil, err
			}
			target, err := a.OptDecimal(op, "takeProfit")
			if err != nil {
				return nil, err
			}
			return engine.UpdateStopLoss(ctx, exit.StopUpdateRequest{Symbol: a.String("symbol"), StopLoss: stop, TakeProfit: target})
		}},
		{Name: "openPosition", Handler: func(ctx context.Context, a Args) (any, error) {
			const op = "openPosition"
			side, err := a.Side(op, "side")
			if err != nil {
				return nil, err
			}
			margin, err := a.Decimal(op, "marginAmount")
			if err != nil {
				return nil, err
			}
			target, err := a.OptDecimal(op, "takeProfit")
			if err != nil {
				return nil, err
			}
			return engine.OpenPosition(ctx, exit.OpenRequest{
				Symbol:     a.String("symbol"),
				Side:       side,
				Margin:     margin,
				Leverage:   a.Int("leverage", 0),
				TakeProfit: target,
			})
		}},
		{Name: "closePosition", Handler: func(ctx context.Context, a Args) (any, error) {
			return engine.ClosePosition(ctx, a.String("symbol"), a.String("reason"))
		}},
		{Name: "listReconciliations", Handler: func(ctx context.Context, a Args) (any, error) {
			limit := a.Int("limit", 50)
			entries, err := engine.Reconciliations(ctx, a.Bool("unresolvedOnly", true), limit)
			if err != nil {
				return nil, fmt.Errorf("list reconciliations: %w", err)
			}
			return map[string]any{"entries": entries, "count": len(entries)}, nil
		}},
	}
}
