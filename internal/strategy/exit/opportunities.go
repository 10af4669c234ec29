package exit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"riskguard/internal/store"
	"riskguard/internal/store/model"
)

const scanConcurrency = 4

// Opportunities 并发评估所有持仓的当前 R 与可执行阶段。单个合约失败只记录在该条目上。
func (c *Controller) Opportunities(ctx context.Context) (map[string]Opportunity, error) {
	var positions []model.Position
	err := store.Read(ctx, c.guard.Store(), func(ctx context.Context, uow store.UnitOfWork) error {
		var err error
		positions, err = uow.Positions().ListOpen(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	var (
		mu  sync.Mutex
		out = make(map[string]Opportunity, len(positions))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for _, pos := range positions {
		pos := pos
		g.Go(func() error {
			opp := c.evaluate(gctx, pos.Symbol)
			mu.Lock()
			out[pos.Symbol] = opp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Controller) evaluate(ctx context.Context, sym string) Opportunity {
	const op = "checkPartialTakeProfitOpportunity"
	opp := Opportunity{Symbol: sym, CanExecuteStages: []int{}, ExecutedStages: []int{}}
	snap, err := c.load(ctx, op, sym)
	if err != nil {
		opp.Error = err.Error()
		return opp
	}
	side := snap.side()
	opp.PositionID = snap.pos.PositionID
	opp.Side = side
	opp.HasStopLoss = snap.pos.HasStopLoss()
	opp.TrailingActive = snap.pos.TrailingActive

	done := snap.completed()
	for stage := range done {
		opp.ExecutedStages = append(opp.ExecutedStages, stage)
	}
	sort.Ints(opp.ExecutedStages)

	if !opp.HasStopLoss {
		opp.Recommendation = "set a stop loss first: R cannot be computed without one"
		return opp
	}
	price, err := c.currentPrice(ctx, op, sym)
	if err != nil {
		opp.Error = err.Error()
		return opp
	}
	opp.CurrentPrice = decToFloat(price)
	r, err := RMultiple(side, snap.pos.EntryPrice, OriginalStop(snap.pos, snap.stages), price)
	if err != nil {
		opp.Error = err.Error()
		return opp
	}
	opp.CurrentR = decToFloat(r.Round(4))
	vol := c.vol.Analyze(ctx, sym, c.interval)
	opp.VolatilityLevel = vol.Level

	var reached []string
	for _, p := range c.policies {
		if _, ok := done[p.Stage]; ok {
			continue
		}
		threshold := p.Threshold(vol.Factor)
		if r.LessThan(threshold) {
			if len(reached) == 0 {
				opp.Recommendation = fmt.Sprintf("hold: R %s below stage %d threshold %s", r.StringFixed(2), p.Stage, threshold)
			}
			break
		}
		// 只有前置阶段已完成的下一阶段可以立即执行
		if len(opp.CanExecuteStages) == 0 && (p.Stage == 1 || hasStage(done, p.Stage-1)) {
			opp.CanExecuteStages = append(opp.CanExecuteStages, p.Stage)
		}
		reached = append(reached, fmt.Sprintf("%d", p.Stage))
	}
	switch {
	case len(opp.CanExecuteStages) > 0:
		opp.Recommendation = fmt.Sprintf("execute stage %d now (R %s, thresholds reached for stages %s)",
			opp.CanExecuteStages[0], r.StringFixed(2), strings.Join(reached, ","))
	case len(done) == len(c.policies):
		opp.Recommendation = "all stages executed, remainder is managed by trailing stop"
	case opp.Recommendation == "":
		opp.Recommendation = "hold"
	}
	return opp
}

func hasStage(done map[int]model.StageExecution, stage int) bool {
	_, ok := done[stage]
	return ok
}
