package backtest

import (
	"backcast/internal/market"
)

const (
	RunStatusQueued     = "queued"
	RunStatusProcessing = "processing"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)

// RiskProfile 是每次运行注入的风控参数，比例均在 [0,1]。
type RiskProfile struct {
	MaxDailyLossPct float64 `json:"max_daily_loss_pct" mapstructure:"max_daily_loss_pct"`
	MaxPositionPct  float64 `json:"max_position_pct" mapstructure:"max_position_pct"`
	PerOrderCapPct  float64 `json:"per_order_cap_pct" mapstructure:"per_order_cap_pct"`
	GlobalDDKillPct float64 `json:"global_dd_kill_pct" mapstructure:"global_dd_kill_pct"`
	CooldownMinutes int     `json:"cooldown_minutes" mapstructure:"cooldown_minutes"`
}

// riskLimits 是应用下限后的实际运行约束。
type riskLimits struct {
	maxDailyLossPct float64
	maxPositionPct  float64
	perOrderCapPct  float64
	globalDDKillPct float64
	cooldownMinutes int
}

// limits 派生运行约束并施加下限，避免配置把仓位压到无法成交。
func (p RiskProfile) limits() riskLimits {
	return riskLimits{
		maxDailyLossPct: floorAt(p.MaxDailyLossPct, 0.01),
		maxPositionPct:  floorAt(p.MaxPositionPct, 0.05),
		perOrderCapPct:  floorAt(p.PerOrderCapPct, 0.01),
		globalDDKillPct: floorAt(p.GlobalDDKillPct, 0.01),
		cooldownMinutes: p.CooldownMinutes,
	}
}

func floorAt(v, floor float64) float64 {
	if v < floor {
		return floor
	}
	return v
}

// RunRequest 是一次回测的完整输入。RunID 可固定以便复算比对，
// 留空则由服务生成。
type RunRequest struct {
	RunID       string         `json:"run_id,omitempty"`
	Symbol      string         `json:"symbol" binding:"required"`
	Timeframe   string         `json:"timeframe" binding:"required"`
	Start       string         `json:"start" binding:"required"`
	End         string         `json:"end" binding:"required"`
	Source      string         `json:"source"`
	Adjusted    bool           `json:"adjusted"`
	Strategy    string         `json:"strategy" binding:"required"`
	Params      map[string]any `json:"params"`
	InitialCash float64        `json:"initial_cash"`
	FeeBps      float64        `json:"fee_bps"`
	SlippageBps float64        `json:"slippage_bps"`
	Seed        int64          `json:"seed"`
}

// Fill 是成交记录，写入后不可变；开仓 PnL 为 0，平仓 PnL 为已实现盈亏。
type Fill struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
	PnL       float64 `json:"pnl"`
	Fees      float64 `json:"fees"`
	Reason    string  `json:"reason"`
}

// EquityPoint 每根处理过的 bar 记录一次：equity = cash + qty*close。
type EquityPoint struct {
	Timestamp string  `json:"timestamp"`
	Equity    float64 `json:"equity"`
}

// Result 是一次运行的终态产出，生成后不再修改。
type Result struct {
	RunID        string             `json:"run_id"`
	Summary      map[string]float64 `json:"summary"`
	Artifacts    map[string]string  `json:"artifacts"`
	Diagnostics  []string           `json:"diagnostics"`
	EquityCurve  []EquityPoint      `json:"equity_curve"`
	Fills        []Fill             `json:"fills"`
	Bars         []market.Bar       `json:"-"`
	StoppedEarly bool               `json:"stopped_early"`
	StopReason   string             `json:"stop_reason,omitempty"`
}
