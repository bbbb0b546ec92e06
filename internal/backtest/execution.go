package backtest

import (
	"fmt"
	"math"

	"backcast/internal/market"
	"backcast/internal/strategy"
)

// portfolioState 由单次运行独占，只在执行步骤中变更。
type portfolioState struct {
	cash     float64
	qty      float64
	avgCost  float64
	realized float64

	totalFees float64
	trades    int
	wins      int
	losses    int

	lastLossTS string // 上一次亏损平仓的 bar 时间戳，冷却期起点
}

func (p *portfolioState) equity(price float64) float64 {
	return p.cash + p.qty*price
}

// executeSignal 对一个信号做目标仓位制的委托定量与成交结算。
// 返回 nil 表示裁剪后无需交易。费用按名义金额的 (fee+slippage) bps 收取，
// 开平两侧都收。
func executeSignal(state *portfolioState, sig *strategy.Signal, bar market.Bar, limits riskLimits, feeBps, slippageBps float64, symbol string) *Fill {
	price := bar.Close
	if price <= 0 {
		return nil
	}
	equity := state.equity(price) // 成交前权益，定量与记录共用同一值

	maxPositionQty := math.Floor(equity * limits.maxPositionPct / price)
	maxOrderQty := math.Max(1, math.Floor(equity*limits.perOrderCapPct/price))

	target := 0.0
	if sig.Side == strategy.SideBuy {
		target = maxPositionQty
	}
	delta := target - state.qty
	if delta > maxOrderQty {
		delta = maxOrderQty
	}
	if delta < -maxOrderQty {
		delta = -maxOrderQty
	}
	if delta < -state.qty {
		delta = -state.qty // 不允许做空
	}
	if delta > 0 {
		affordable := math.Floor(state.cash / price)
		if affordable <= 0 {
			return nil
		}
		if delta > affordable {
			delta = affordable
		}
	}
	if delta == 0 {
		return nil
	}

	fill := &Fill{
		Symbol:    symbol,
		Price:     price,
		Timestamp: bar.Timestamp,
		Reason:    sig.Reason,
	}
	if delta > 0 {
		notional := delta * price
		fees := notional * (feeBps + slippageBps) / 10000
		state.cash -= notional + fees
		state.avgCost = (state.avgCost*state.qty + notional) / (state.qty + delta)
		state.qty += delta
		state.totalFees += fees
		fill.Side = strategy.SideBuy
		fill.Quantity = delta
		fill.Fees = fees
	} else {
		sellQty := -delta
		notional := sellQty * price
		fees := notional * (feeBps + slippageBps) / 10000
		pnl := sellQty * (price - state.avgCost)
		state.cash += notional - fees
		state.qty -= sellQty
		if state.qty == 0 {
			state.avgCost = 0
		}
		state.realized += pnl
		state.totalFees += fees
		if pnl-fees >= 0 {
			state.wins++
		} else {
			state.losses++
			state.lastLossTS = bar.Timestamp
		}
		fill.Side = strategy.SideSell
		fill.Quantity = sellQty
		fill.PnL = pnl
		fill.Fees = fees
	}
	fill.ID = fmt.Sprintf("%s-%s-%s-%d", market.Slug(symbol), fill.Side, fill.Timestamp, state.trades)
	state.trades++
	return fill
}

// closePosition 终态清算：把剩余仓位一笔平掉，不受单笔上限约束。
func closePosition(state *portfolioState, bar market.Bar, feeBps, slippageBps float64, symbol, reason string) *Fill {
	if state.qty <= 0 || bar.Close <= 0 {
		return nil
	}
	qty := state.qty
	price := bar.Close
	notional := qty * price
	fees := notional * (feeBps + slippageBps) / 10000
	pnl := qty * (price - state.avgCost)
	state.cash += notional - fees
	state.qty = 0
	state.avgCost = 0
	state.realized += pnl
	state.totalFees += fees
	if pnl-fees >= 0 {
		state.wins++
	} else {
		state.losses++
		state.lastLossTS = bar.Timestamp
	}
	fill := &Fill{
		ID:        fmt.Sprintf("%s-%s-%s-%d", market.Slug(symbol), strategy.SideSell, bar.Timestamp, state.trades),
		Symbol:    symbol,
		Side:      strategy.SideSell,
		Quantity:  qty,
		Price:     price,
		Timestamp: bar.Timestamp,
		PnL:       pnl,
		Fees:      fees,
		Reason:    reason,
	}
	state.trades++
	return fill
}
