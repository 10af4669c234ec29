// Package exit 实现按 R 倍数分阶段止盈、止损棘轮与跟踪止损的状态机。
//
// 状态：NONE → STAGE1_DONE → STAGE2_DONE → STAGE3_DONE(trailing)。
// 所有涉及多条记录的写入都经由 consistency.Guard 的原子单元完成。
package exit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"riskguard/internal/config"
	"riskguard/internal/consistency"
	"riskguard/internal/logger"
	"riskguard/internal/market"
	"riskguard/internal/metrics"
	"riskguard/internal/pkg/symbol"
	"riskguard/internal/riskerr"
	"riskguard/internal/store"
	"riskguard/internal/store/model"
	"riskguard/internal/strategy/stoploss"
	"riskguard/internal/strategy/volatility"
	"riskguard/internal/venue"
)

type Deps struct {
	Venue      venue.Client
	Maths      *venue.MathResolver
	Market     market.Source
	Volatility *volatility.Analyzer
	StopLoss   *stoploss.Calculator
	Guard      *consistency.Guard
	Metrics    *metrics.Metrics
}

// Settings 是控制器用到的配置子集。
type Settings struct {
	Stages config.StagesConfig
	Guard  config.GuardConfig
	Retry  config.RetryConfig
	Market config.MarketConfig
}

func SettingsFrom(cfg *config.Config) Settings {
	return Settings{Stages: cfg.Stages, Guard: cfg.Guard, Retry: cfg.Retry, Market: cfg.Market}
}

type Controller struct {
	venue   venue.Client
	maths   *venue.MathResolver
	market  market.Source
	vol     *volatility.Analyzer
	stops   *stoploss.Calculator
	guard   *consistency.Guard
	metrics *metrics.Metrics

	policies   []StagePolicy
	readPolicy venue.RetryPolicy
	guardCfg   config.GuardConfig
	interval   string
	log        *logger.Entry
}

func NewController(deps Deps, settings Settings) (*Controller, error) {
	switch {
	case deps.Venue == nil:
		return nil, errors.New("exit controller requires a venue client")
	case deps.Market == nil:
		return nil, errors.New("exit controller requires a market source")
	case deps.Volatility == nil || deps.StopLoss == nil:
		return nil, errors.New("exit controller requires volatility analyzer and stop-loss calculator")
	case deps.Guard == nil:
		return nil, errors.New("exit controller requires a consistency guard")
	}
	maths := deps.Maths
	if maths == nil {
		maths = venue.NewMathResolver(deps.Venue)
	}
	return &Controller{
		venue:      deps.Venue,
		maths:      maths,
		market:     deps.Market,
		vol:        deps.Volatility,
		stops:      deps.StopLoss,
		guard:      deps.Guard,
		metrics:    deps.Metrics,
		policies:   Policies(settings.Stages),
		readPolicy: venue.RetryPolicy{Attempts: settings.Retry.Attempts, Interval: settings.Retry.Interval()},
		guardCfg:   settings.Guard,
		interval:   settings.Market.Interval,
		log:        logger.With("exit"),
	}, nil
}

// Reconciliations 供工具层列出待修复的对账记录。
func (c *Controller) Reconciliations(ctx context.Context, unresolvedOnly bool, limit int) ([]model.ReconciliationEntry, error) {
	return c.guard.Reconciliations(ctx, unresolvedOnly, limit)
}

func canonical(op, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", riskerr.Validation(op, "symbol is required")
	}
	sym, err := symbol.Canonical(raw)
	if err != nil {
		return "", riskerr.Validation(op, "%v", err)
	}
	return sym, nil
}

// load 在只读事务中取出该合约的持仓、阶段记录与触发单。
func (c *Controller) load(ctx context.Context, op, sym string) (snapshot, error) {
	var snap snapshot
	err := store.Read(ctx, c.guard.Store(), func(ctx context.Context, uow store.UnitOfWork) error {
		pos, err := uow.Positions().FindOpenBySymbol(ctx, sym)
		if err != nil {
			return err
		}
		snap.pos = *pos
		if snap.stages, err = uow.Stages().ListByPosition(ctx, pos.PositionID); err != nil {
			return err
		}
		snap.orders, err = uow.Orders().ListActive(ctx, pos.PositionID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return snapshot{}, riskerr.Validation(op, "no open position for %s", sym)
	}
	if err != nil {
		return snapshot{}, fmt.Errorf("%s: load position %s: %w", op, sym, err)
	}
	return snap, nil
}

func (c *Controller) currentPrice(ctx context.Context, op, sym string) (decimal.Decimal, error) {
	px, err := c.market.LatestPrice(ctx, sym)
	if err != nil {
		return decimal.Zero, venueErr(op, fmt.Errorf("latest price %s: %w", sym, err))
	}
	if px <= 0 {
		return decimal.Zero, riskerr.Validation(op, "invalid price %.8f for %s", px, sym)
	}
	return decFromFloat(px), nil
}

func (c *Controller) mathFor(ctx context.Context, op, sym string) (venue.Math, error) {
	m, err := c.maths.For(ctx, sym)
	if err != nil {
		return nil, venueErr(op, fmt.Errorf("contract spec %s: %w", sym, err))
	}
	return m, nil
}

func venueErr(op string, err error) error {
	if riskerr.KindOf(err) != "" {
		return err
	}
	return riskerr.Venue(op, err)
}

// execution 是一次市价单的成交结果；Degraded 表示回读失败，价格与数量为估计值。
type execution struct {
	OrderID      string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Fee          decimal.Decimal
	FeeEstimated bool
	Degraded     bool
}

// execute 只下一次市价单；回读按重试策略进行，回读失败时以参考价与请求数量估算。
func (c *Controller) execute(ctx context.Context, op string, m venue.Math, req venue.OrderRequest, reference decimal.Decimal, out *Outcome) (execution, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	ack, err := c.venue.PlaceMarketOrder(ctx, req)
	if err != nil {
		return execution{}, venueErr(op, err)
	}
	exec := execution{OrderID: ack.OrderID, Price: reference, Quantity: req.Quantity}
	fill, err := venue.ReadBack(ctx, c.venue, c.readPolicy, req.Symbol, ack.OrderID)
	var actualFee *decimal.Decimal
	if err != nil {
		exec.Degraded = true
		c.log.Warnf("degraded mode: read-back of %s order %s failed, using estimates price=%s qty=%s: %v",
			req.Symbol, ack.OrderID, reference, req.Quantity, err)
		out.note("order %s read-back failed, values are estimates", ack.OrderID)
	} else {
		if fill.AvgPrice.IsPositive() {
			exec.Price = fill.AvgPrice
		}
		if fill.FilledQty.IsPositive() {
			exec.Quantity = fill.FilledQty
		}
		actualFee = fill.Fee
	}
	exec.Fee, exec.FeeEstimated = venue.ActualOrEstimatedFee(m, exec.Quantity, exec.Price, actualFee)
	return exec, nil
}

// replacement 描述一张要替换的触发单。
type replacement struct {
	Kind     venue.ConditionalKind
	Trigger  decimal.Decimal
	Quantity decimal.Decimal
}

// replaceOutcome 汇总替换结果，供原子提交使用。
type replaceOutcome struct {
	placed       []model.ConditionalOrder
	cancelled    []string
	failed       map[venue.ConditionalKind]error
	cancelFailed []string
}

func (r replaceOutcome) placedID(kind venue.ConditionalKind) string {
	for _, o := range r.placed {
		if o.Kind == string(kind) {
			return o.OrderID
		}
	}
	return ""
}

// replaceConditionals 先挂新单再撤旧单，新单失败时保留旧单，保证任意时刻至少有一张止损在场。
// 撤单失败写入对账记录，旧单在本地保持 active 以便下次继续撤销。
func (c *Controller) replaceConditionals(ctx context.Context, op string, snap snapshot, reps []replacement, out *Outcome) replaceOutcome {
	res := replaceOutcome{failed: make(map[venue.ConditionalKind]error)}
	side := snap.side()
	now := c.guard.Now()
	for _, rep := range reps {
		ack, err := c.venue.PlaceConditional(ctx, venue.ConditionalRequest{
			Symbol:        snap.pos.Symbol,
			PositionSide:  side,
			Kind:          rep.Kind,
			TriggerPrice:  rep.Trigger,
			Quantity:      rep.Quantity,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			res.failed[rep.Kind] = err
			c.log.Errorf("%s: place %s for %s at %s failed: %v", op, rep.Kind, snap.pos.Symbol, rep.Trigger, err)
			continue
		}
		res.placed = append(res.placed, model.ConditionalOrder{
			OrderID:      ack.OrderID,
			PositionID:   snap.pos.PositionID,
			Symbol:       snap.pos.Symbol,
			Side:         snap.pos.Side,
			Kind:         string(rep.Kind),
			TriggerPrice: rep.Trigger,
			Quantity:     rep.Quantity,
			Status:       model.OrderActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		for _, old := range snap.activeOrder(rep.Kind) {
			if err := c.venue.CancelConditional(ctx, snap.pos.Symbol, old.OrderID); err != nil {
				res.cancelFailed = append(res.cancelFailed, old.OrderID)
				out.manual("stale %s order %s could not be cancelled", rep.Kind, old.OrderID)
				id, _ := c.guard.Record(ctx, consistency.Discrepancy{
					Operation:    "cancel_conditional",
					Symbol:       snap.pos.Symbol,
					Side:         snap.pos.Side,
					PositionID:   snap.pos.PositionID,
					OrderID:      old.OrderID,
					VenueSuccess: false,
					StoreSuccess: true,
					Details: map[string]any{
						"kind":            string(rep.Kind),
						"trigger_price":   old.TriggerPrice.String(),
						"replacement_id":  ack.OrderID,
						"requested_by_op": op,
					},
					Cause: err,
				})
				if out.ReconciliationID == "" {
					out.ReconciliationID = id
				}
				continue
			}
			res.cancelled = append(res.cancelled, old.OrderID)
		}
	}
	return res
}

// apply 在事务内把替换结果写回：撤销成功的旧单标记 cancelled，新单插入。
func (r replaceOutcome) apply(ctx context.Context, uow store.UnitOfWork, at time.Time) error {
	for _, id := range r.cancelled {
		if err := uow.Orders().MarkStatus(ctx, id, model.OrderCancelled, at); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	for i := range r.placed {
		if err := uow.Orders().Create(ctx, &r.placed[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r replaceOutcome) details() map[string]any {
	placed := make([]string, 0, len(r.placed))
	for _, o := range r.placed {
		placed = append(placed, o.Kind+":"+o.OrderID+"@"+o.TriggerPrice.String())
	}
	return map[string]any{
		"placed_orders":    placed,
		"cancelled_orders": r.cancelled,
	}
}

// reverify 在原子单元内确认持仓仍是读取时的状态。
func reverify(ctx context.Context, op string, uow store.UnitOfWork, snap snapshot) (*model.Position, error) {
	cur, err := uow.Positions().Get(ctx, snap.pos.PositionID)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.PositionOpen {
		return nil, riskerr.Conflict(op, "position %s was closed concurrently", cur.PositionID)
	}
	if !cur.Quantity.Equal(snap.pos.Quantity) {
		return nil, riskerr.Conflict(op, "position %s quantity changed concurrently (%s -> %s)", cur.PositionID, snap.pos.Quantity, cur.Quantity)
	}
	return cur, nil
}

func (c *Controller) fail(out *Outcome, err error) {
	out.Success = false
	if err != nil {
		out.Reason = err.Error()
	}
}
