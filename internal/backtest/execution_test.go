package backtest

import (
	"testing"

	"backcast/internal/market"
	"backcast/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buySignal(ts string) *strategy.Signal {
	return &strategy.Signal{Side: strategy.SideBuy, Timestamp: ts, Reason: "test"}
}

func sellSignal(ts string) *strategy.Signal {
	return &strategy.Signal{Side: strategy.SideSell, Timestamp: ts, Reason: "test"}
}

func barAt(ts string, close float64) market.Bar {
	return market.Bar{Timestamp: ts, Open: close, High: close, Low: close, Close: close, Volume: 1}
}

func TestExecuteSignal_PerOrderCapClampsDelta(t *testing.T) {
	state := &portfolioState{cash: 100000}
	limits := riskLimits{maxPositionPct: 0.5, perOrderCapPct: 0.1}

	fill := executeSignal(state, buySignal("2024-01-01"), barAt("2024-01-01", 100), limits, 0, 0, "TEST")
	require.NotNil(t, fill)
	// 目标 500 股，但单笔上限 floor(100000*0.1/100)=100
	assert.Equal(t, 100.0, fill.Quantity)
	assert.Equal(t, 100.0, state.qty)
}

func TestExecuteSignal_AffordabilityClampsBuy(t *testing.T) {
	state := &portfolioState{cash: 150}
	limits := riskLimits{maxPositionPct: 1.0, perOrderCapPct: 1.0}

	fill := executeSignal(state, buySignal("2024-01-01"), barAt("2024-01-01", 100), limits, 0, 0, "TEST")
	require.NotNil(t, fill)
	assert.Equal(t, 1.0, fill.Quantity, "只买得起一股")
	assert.Equal(t, 50.0, state.cash)
}

func TestExecuteSignal_NoCashNoFill(t *testing.T) {
	state := &portfolioState{cash: 50}
	limits := riskLimits{maxPositionPct: 1.0, perOrderCapPct: 1.0}

	fill := executeSignal(state, buySignal("2024-01-01"), barAt("2024-01-01", 100), limits, 0, 0, "TEST")
	assert.Nil(t, fill, "买不起一股时跳过")
	assert.Equal(t, 0, state.trades)
}

func TestExecuteSignal_SellNeverShorts(t *testing.T) {
	state := &portfolioState{cash: 0, qty: 10, avgCost: 100}
	limits := riskLimits{maxPositionPct: 1.0, perOrderCapPct: 1.0}

	fill := executeSignal(state, sellSignal("2024-01-01"), barAt("2024-01-01", 100), limits, 0, 0, "TEST")
	require.NotNil(t, fill)
	assert.Equal(t, 10.0, fill.Quantity)
	assert.Equal(t, 0.0, state.qty, "最多平到零，不允许做空")

	again := executeSignal(state, sellSignal("2024-01-02"), barAt("2024-01-02", 100), limits, 0, 0, "TEST")
	assert.Nil(t, again, "空仓再卖无操作")
}

func TestExecuteSignal_VWAPAverageCost(t *testing.T) {
	state := &portfolioState{cash: 100000}
	limits := riskLimits{maxPositionPct: 1.0, perOrderCapPct: 0.01}

	// 第一笔 10 股 @100
	fill := executeSignal(state, buySignal("2024-01-01"), barAt("2024-01-01", 100), limits, 0, 0, "TEST")
	require.NotNil(t, fill)
	require.Equal(t, 10.0, fill.Quantity)
	assert.Equal(t, 100.0, state.avgCost)

	// 加仓 @110：avgCost 按成交量加权
	fill = executeSignal(state, buySignal("2024-01-02"), barAt("2024-01-02", 110), limits, 0, 0, "TEST")
	require.NotNil(t, fill)
	wantAvg := (10*100 + fill.Quantity*110) / (10 + fill.Quantity)
	assert.InDelta(t, wantAvg, state.avgCost, 1e-9)
}

func TestExecuteSignal_BuyAtZeroPriceSkipped(t *testing.T) {
	state := &portfolioState{cash: 100000}
	limits := riskLimits{maxPositionPct: 1.0, perOrderCapPct: 1.0}
	assert.Nil(t, executeSignal(state, buySignal("2024-01-01"), barAt("2024-01-01", 0), limits, 0, 0, "TEST"))
}

func TestClosePosition_BypassesPerOrderCap(t *testing.T) {
	state := &portfolioState{cash: 0, qty: 1000, avgCost: 90}

	fill := closePosition(state, barAt("2024-01-10", 100), 0, 0, "TEST", "final_close")
	require.NotNil(t, fill)
	assert.Equal(t, 1000.0, fill.Quantity)
	assert.Equal(t, 10000.0, fill.PnL)
	assert.Equal(t, 100000.0, state.cash)
	assert.Equal(t, 0.0, state.qty)
	assert.Equal(t, 0.0, state.avgCost)
}

func TestRiskProfile_Floors(t *testing.T) {
	limits := RiskProfile{
		MaxDailyLossPct: 0.001,
		MaxPositionPct:  0.0,
		PerOrderCapPct:  0.001,
		GlobalDDKillPct: 0.0,
	}.limits()
	assert.Equal(t, 0.01, limits.maxDailyLossPct)
	assert.Equal(t, 0.05, limits.maxPositionPct)
	assert.Equal(t, 0.01, limits.perOrderCapPct)
	assert.Equal(t, 0.01, limits.globalDDKillPct)
}
