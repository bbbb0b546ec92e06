package backtest

import (
	"context"
	"fmt"
	"time"

	"backcast/internal/datasource"
	"backcast/internal/logger"
	"backcast/internal/market"
	"backcast/internal/strategy"
)

const defaultInitialCash = 100000

// Simulator 把历史 K 线按 Init→Loading→Running→Stopped 推演为
// 资金曲线与成交记录。单次运行严格串行，相同输入逐位可复现；
// 多个运行可并发，彼此只共享只读缓存。
type Simulator struct {
	registry *strategy.Registry
	resolver *datasource.Resolver
}

func NewSimulator(registry *strategy.Registry, resolver *datasource.Resolver) (*Simulator, error) {
	if registry == nil {
		return nil, fmt.Errorf("strategy registry 不能为空")
	}
	if resolver == nil {
		return nil, fmt.Errorf("data resolver 不能为空")
	}
	return &Simulator{registry: registry, resolver: resolver}, nil
}

// Run 对给定请求与风控画像执行一次完整回测。
// 风控触发（kill-switch、当日亏损线）不是错误，而是提前成功结束，
// 体现在 StoppedEarly/StopReason 与 diagnostics 里。
func (s *Simulator) Run(ctx context.Context, req RunRequest, risk RiskProfile) (*Result, error) {
	// Init：校验请求并实例化策略。
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	strat, _, err := s.registry.Create(req.Strategy, req.Params)
	if err != nil {
		return nil, err
	}
	limits := risk.limits()

	// Loading：经回退链解析主序列，空序列致命并指明期望的本地文件。
	bars, err := s.resolver.Resolve(ctx, datasource.Request{
		Source:    req.Source,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Start:     req.Start,
		End:       req.End,
		Adjusted:  req.Adjusted,
	})
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("数据集为空: %s %s [%s,%s]，期望本地文件 %s 或可用 vendor",
			req.Symbol, req.Timeframe, req.Start, req.End,
			s.resolver.LocalPathFor(req.Symbol, req.Timeframe))
	}

	// Running：逐 bar 回调策略、执行信号、记录权益并检查风控。
	sctx := strategy.Context{Symbol: req.Symbol}
	strat.OnInit(sctx)

	state := &portfolioState{cash: req.InitialCash}
	res := &Result{
		RunID:       req.RunID,
		EquityCurve: make([]EquityPoint, 0, len(bars)),
		Bars:        bars,
		Artifacts:   map[string]string{},
	}
	peak := req.InitialCash
	maxDrawdown := 0.0
	dailyLossFloor := req.InitialCash * (1 - limits.maxDailyLossPct)
	processed := 0

	var lastBar market.Bar
	for _, bar := range bars {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		sig := strat.OnBar(sctx, bar)
		if sig != nil && s.signalAllowed(state, sig, bar, limits, res) {
			if fill := executeSignal(state, sig, bar, limits, req.FeeBps, req.SlippageBps, req.Symbol); fill != nil {
				res.Fills = append(res.Fills, *fill)
			}
		}
		equity := state.equity(bar.Close)
		res.EquityCurve = append(res.EquityCurve, EquityPoint{Timestamp: bar.Timestamp, Equity: equity})
		lastBar = bar
		processed++

		if equity > peak {
			peak = equity
		}
		drawdown := 0.0
		if peak > 0 {
			drawdown = (peak - equity) / peak
		}
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
		if drawdown > limits.globalDDKillPct {
			res.StoppedEarly = true
			res.StopReason = "kill_switch"
			res.Diagnostics = append(res.Diagnostics,
				fmt.Sprintf("kill-switch: 回撤 %.2f%% 超过 %.2f%%（bar %s），后续 bar 不再处理",
					drawdown*100, limits.globalDDKillPct*100, bar.Timestamp))
			break
		}
		if equity < dailyLossFloor {
			res.StoppedEarly = true
			res.StopReason = "daily_loss"
			res.Diagnostics = append(res.Diagnostics,
				fmt.Sprintf("当日亏损线: 权益 %.2f 低于 %.2f（bar %s），后续 bar 不再处理",
					equity, dailyLossFloor, bar.Timestamp))
			break
		}
	}

	// Stopped：策略给出收尾卖出信号且仍有持仓时，按最后处理 bar 收盘价清算。
	if final := strat.OnStop(sctx); final != nil && final.Side == strategy.SideSell && state.qty > 0 {
		reason := final.Reason
		if reason == "" {
			reason = "final_close"
		}
		if fill := closePosition(state, lastBar, req.FeeBps, req.SlippageBps, req.Symbol, reason); fill != nil {
			res.Fills = append(res.Fills, *fill)
			// 最后一个权益点改写为清算后的值，曲线终点与终态一致。
			res.EquityCurve[len(res.EquityCurve)-1].Equity = state.equity(lastBar.Close)
		}
	}

	finalEquity := state.equity(lastBar.Close)
	res.Summary = buildSummary(req, state, finalEquity, maxDrawdown, processed, res.StoppedEarly)
	logger.Infof("[backtest] run %s 完成: %s %s bars=%d trades=%d final=%.2f",
		req.RunID, req.Symbol, req.Timeframe, processed, state.trades, finalEquity)
	return res, nil
}

// signalAllowed 对买入信号施加亏损冷却期；时间戳不可解析时放行。
func (s *Simulator) signalAllowed(state *portfolioState, sig *strategy.Signal, bar market.Bar, limits riskLimits, res *Result) bool {
	if sig.Side != strategy.SideBuy || limits.cooldownMinutes <= 0 || state.lastLossTS == "" {
		return true
	}
	lossAt, ok1 := parseBarTime(state.lastLossTS)
	barAt, ok2 := parseBarTime(bar.Timestamp)
	if !ok1 || !ok2 {
		return true
	}
	if barAt.Before(lossAt.Add(time.Duration(limits.cooldownMinutes) * time.Minute)) {
		res.Diagnostics = append(res.Diagnostics,
			fmt.Sprintf("冷却期内忽略买入信号（bar %s，上次亏损 %s）", bar.Timestamp, state.lastLossTS))
		return false
	}
	return true
}

func parseBarTime(ts string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func validateRequest(req *RunRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("symbol 不能为空")
	}
	if !datasource.SupportedTimeframe(req.Timeframe) {
		return fmt.Errorf("不支持的周期 %q（symbol=%s，可用: 1d/1h/15m/1m）", req.Timeframe, req.Symbol)
	}
	if req.Start == "" || req.End == "" {
		return fmt.Errorf("start/end 均为必填（symbol=%s start=%q end=%q）", req.Symbol, req.Start, req.End)
	}
	if req.End < req.Start {
		return fmt.Errorf("end 早于 start（symbol=%s start=%s end=%s）", req.Symbol, req.Start, req.End)
	}
	if req.Strategy == "" {
		return fmt.Errorf("strategy 不能为空（symbol=%s）", req.Symbol)
	}
	if req.InitialCash <= 0 {
		req.InitialCash = defaultInitialCash
	}
	if req.FeeBps < 0 {
		req.FeeBps = 0
	}
	if req.SlippageBps < 0 {
		req.SlippageBps = 0
	}
	return nil
}

func buildSummary(req RunRequest, state *portfolioState, finalEquity, maxDrawdown float64, processed int, stopped bool) map[string]float64 {
	winRate := 0.0
	closed := state.wins + state.losses
	if closed > 0 {
		winRate = float64(state.wins) / float64(closed)
	}
	stoppedVal := 0.0
	if stopped {
		stoppedVal = 1
	}
	return map[string]float64{
		"initial_cash":     req.InitialCash,
		"final_equity":     finalEquity,
		"total_return_pct": (finalEquity - req.InitialCash) / req.InitialCash,
		"max_drawdown_pct": maxDrawdown,
		"trades":           float64(state.trades),
		"wins":             float64(state.wins),
		"losses":           float64(state.losses),
		"win_rate":         winRate,
		"total_fees":       state.totalFees,
		"realized_pnl":     state.realized,
		"bars_processed":   float64(processed),
		"stopped_early":    stoppedVal,
	}
}
