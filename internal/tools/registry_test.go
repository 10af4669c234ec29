package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"riskguard/internal/riskerr"
	"riskguard/internal/store/model"
	"riskguard/internal/strategy/exit"
	"riskguard/internal/strategy/stoploss"
	"riskguard/internal/venue"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) CheckOpen(ctx context.Context, symbol string, side venue.Side, entry decimal.Decimal) (exit.OpenCheck, error) {
	args := m.Called(ctx, symbol, side, entry)
	return args.Get(0).(exit.OpenCheck), args.Error(1)
}

func (m *MockEngine) Opportunities(ctx context.Context) (map[string]exit.Opportunity, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[string]exit.Opportunity), args.Error(1)
}

func (m *MockEngine) ExecuteStage(ctx context.Context, symbol string, stage int) (exit.StageResult, error) {
	args := m.Called(ctx, symbol, stage)
	return args.Get(0).(exit.StageResult), args.Error(1)
}

func (m *MockEngine) UpdateTrailingStop(ctx context.Context, req exit.TrailingRequest) (exit.TrailingResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exit.TrailingResult), args.Error(1)
}

func (m *MockEngine) UpdateStopLoss(ctx context.Context, req exit.StopUpdateRequest) (exit.StopUpdateResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exit.StopUpdateResult), args.Error(1)
}

func (m *MockEngine) OpenPosition(ctx context.Context, req exit.OpenRequest) (exit.OpenResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exit.OpenResult), args.Error(1)
}

func (m *MockEngine) ClosePosition(ctx context.Context, symbol, reason string) (exit.CloseResult, error) {
	args := m.Called(ctx, symbol, reason)
	return args.Get(0).(exit.CloseResult), args.Error(1)
}

func (m *MockEngine) Reconciliations(ctx context.Context, unresolvedOnly bool, limit int) ([]model.ReconciliationEntry, error) {
	args := m.Called(ctx, unresolvedOnly, limit)
	return args.Get(0).([]model.ReconciliationEntry), args.Error(1)
}

type MockCalculator struct {
	mock.Mock
}

func (m *MockCalculator) Calculate(ctx context.Context, req stoploss.Request) (stoploss.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(stoploss.Result), args.Error(1)
}

func decEq(want string) any {
	w := decimal.RequireFromString(want)
	return mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(w) })
}

func newTestRegistry(t *testing.T) (*Registry, *MockEngine, *MockCalculator) {
	t.Helper()
	engine := &MockEngine{}
	calc := &MockCalculator{}
	reg, err := NewRegistry(engine, calc, nil)
	require.NoError(t, err)
	return reg, engine, calc
}

func TestRegistryRejectsUnknownTool(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	resp := reg.Call(context.Background(), "launchRocket", nil)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, riskerr.KindValidation, resp.Error.Kind)
}

func TestRegistryDescribeListsTools(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	infos := reg.Describe()
	require.Len(t, infos, 9)
	assert.Equal(t, "calculateStopLoss", infos[0].Name)
	for _, info := range infos {
		assert.NotEmpty(t, info.Description, info.Name)
	}
}

func TestCheckOpenAcceptsStringNumbersAndSnakeCase(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)
	engine.On("CheckOpen", mock.Anything, "BTCUSDT", venue.SideLong, decEq("50000.5")).
		Return(exit.OpenCheck{ShouldOpen: true, Reason: "ok"}, nil).Once()

	resp := reg.Call(context.Background(), "checkOpenPosition",
		[]byte(`{"symbol":"BTCUSDT","side":"buy","entry_price":"50000.5"}`))
	require.True(t, resp.Success, "%+v", resp.Error)
	check := resp.Result.(exit.OpenCheck)
	assert.True(t, check.ShouldOpen)
	engine.AssertExpectations(t)
}

func TestSchemaRejectionSkipsEngine(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)

	resp := reg.Call(context.Background(), "executePartialTakeProfit", []byte(`{"symbol":"BTCUSDT","stage":4}`))
	assert.False(t, resp.Success)
	assert.Equal(t, riskerr.KindValidation, resp.Error.Kind)

	resp = reg.Call(context.Background(), "openPosition", []byte(`[1,2]`))
	assert.Equal(t, riskerr.KindValidation, resp.Error.Kind)

	resp = reg.Call(context.Background(), "openPosition", []byte(`{not json`))
	assert.Equal(t, riskerr.KindValidation, resp.Error.Kind)

	engine.AssertNotCalled(t, "ExecuteStage", mock.Anything, mock.Anything, mock.Anything)
	engine.AssertNotCalled(t, "OpenPosition", mock.Anything, mock.Anything)
}

func TestInsufficientSizeCarriesShortfall(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)
	partial := exit.StageResult{Symbol: "BTC/USDT", Stage: 1}
	engine.On("ExecuteStage", mock.Anything, "BTCUSDT", 1).
		Return(partial, riskerr.InsufficientSize("executePartialTakeProfit", "close quantity", 0.001, 0.0004)).Once()

	resp := reg.Call(context.Background(), "executePartialTakeProfit", []byte(`{"symbol":"BTCUSDT","stage":"1"}`))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, riskerr.KindInsufficientSize, resp.Error.Kind)
	assert.InDelta(t, 0.001, resp.Error.Required, 1e-12)
	assert.InDelta(t, 0.0004, resp.Error.Actual, 1e-12)
	assert.InDelta(t, 0.0006, resp.Error.Shortfall, 1e-12)
	assert.Equal(t, partial, resp.Result)
}

func TestPlainErrorsMapToInternal(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)
	engine.On("Opportunities", mock.Anything).Return(map[string]exit.Opportunity(nil), errors.New("boom")).Once()

	resp := reg.Call(context.Background(), "checkPartialTakeProfitOpportunity", nil)
	assert.False(t, resp.Success)
	assert.Equal(t, riskerr.Kind("internal"), resp.Error.Kind)
}

func TestOpportunitiesWrapped(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)
	opps := map[string]exit.Opportunity{"BTC/USDT": {Symbol: "BTC/USDT", CanExecuteStages: []int{1}}}
	engine.On("Opportunities", mock.Anything).Return(opps, nil).Once()

	resp := reg.Call(context.Background(), "checkPartialTakeProfitOpportunity", []byte(`{}`))
	require.True(t, resp.Success)
	body := resp.Result.(map[string]any)
	assert.Equal(t, opps, body["opportunities"])
}

func TestOpenPositionBuildsRequest(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)
	engine.On("OpenPosition", mock.Anything, mock.MatchedBy(func(req exit.OpenRequest) bool {
		return req.Symbol == "ETHUSDT" && req.Side == venue.SideShort &&
			req.Margin.Equal(decimal.NewFromInt(200)) && req.Leverage == 3 &&
			req.TakeProfit != nil && req.TakeProfit.Equal(decimal.NewFromInt(2500))
	})).Return(exit.OpenResult{Outcome: exit.Outcome{Success: true}}, nil).Once()

	resp := reg.Call(context.Background(), "openPosition",
		[]byte(`{"symbol":"ETHUSDT","side":"SELL","margin_amount":200,"leverage":"3","takeProfit":"2500"}`))
	require.True(t, resp.Success, "%+v", resp.Error)
	engine.AssertExpectations(t)
}

func TestUpdateStopLossRequiresOneTarget(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)
	resp := reg.Call(context.Background(), "updatePositionStopLoss", []byte(`{"symbol":"BTCUSDT"}`))
	assert.Equal(t, riskerr.KindValidation, resp.Error.Kind)

	engine.On("UpdateStopLoss", mock.Anything, mock.MatchedBy(func(req exit.StopUpdateRequest) bool {
		return req.StopLoss != nil && req.StopLoss.Equal(decimal.NewFromInt(49500)) && req.TakeProfit == nil
	})).Return(exit.StopUpdateResult{Outcome: exit.Outcome{Success: true}}, nil).Once()
	resp = reg.Call(context.Background(), "updatePositionStopLoss", []byte(`{"symbol":"BTCUSDT","stop_loss":"49500"}`))
	assert.True(t, resp.Success)
	engine.AssertExpectations(t)
}

func TestUpdateTrailingStopOptionalFields(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)
	engine.On("UpdateTrailingStop", mock.Anything, mock.MatchedBy(func(req exit.TrailingRequest) bool {
		return req.CurrentPrice.Equal(decimal.NewFromInt(60000)) && req.EntryPrice.IsZero() &&
			req.CurrentStopLoss.Equal(decimal.NewFromInt(51000))
	})).Return(exit.TrailingResult{ShouldUpdate: true}, nil).Once()

	resp := reg.Call(context.Background(), "updateTrailingStop",
		[]byte(`{"symbol":"BTCUSDT","side":"long","currentPrice":60000,"currentStopLoss":"51000"}`))
	require.True(t, resp.Success, "%+v", resp.Error)
	engine.AssertExpectations(t)
}

func TestCalculateStopLossUsesCalculator(t *testing.T) {
	reg, _, calc := newTestRegistry(t)
	calc.On("Calculate", mock.Anything, mock.MatchedBy(func(req stoploss.Request) bool {
		return req.Symbol == "BTCUSDT" && req.Side == venue.SideLong && req.EntryPrice == 50000 && req.Timeframe == "1h"
	})).Return(stoploss.Result{StopPrice: 48500}, nil).Once()

	resp := reg.Call(context.Background(), "calculateStopLoss",
		[]byte(`{"symbol":"BTCUSDT","side":"long","entryPrice":50000,"timeframe":"1h"}`))
	require.True(t, resp.Success, "%+v", resp.Error)
	assert.Equal(t, 48500.0, resp.Result.(stoploss.Result).StopPrice)
	calc.AssertExpectations(t)
}

func TestListReconciliationsDefaults(t *testing.T) {
	reg, engine, _ := newTestRegistry(t)
	entries := []model.ReconciliationEntry{{ID: "r-1"}}
	engine.On("Reconciliations", mock.Anything, true, 50).Return(entries, nil).Once()
	engine.On("Reconciliations", mock.Anything, false, 10).Return([]model.ReconciliationEntry{}, nil).Once()

	resp := reg.Call(context.Background(), "listReconciliations", nil)
	require.True(t, resp.Success)
	assert.Equal(t, 1, resp.Result.(map[string]any)["count"])

	resp = reg.Call(context.Background(), "listReconciliations", []byte(`{"unresolved_only":false,"limit":"10"}`))
	require.True(t, resp.Success, "%+v", resp.Error)
	engine.AssertExpectations(t)
}
