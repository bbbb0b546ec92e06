package strategy

import (
	"backcast/internal/market"

	talib "github.com/markcheno/go-talib"
)

// smaCrossState 集中保存跨 bar 状态，OnInit 整体归零。
type smaCrossState struct {
	closes   []float64
	prevDiff float64
	hasPrev  bool
	long     bool
}

type smaCross struct {
	fast, slow int
	state      smaCrossState
}

// SMACrossDefinition 双均线金叉/死叉策略。
func SMACrossDefinition() Definition {
	return Definition{
		Meta: Meta{
			Name:        "sma_cross",
			Description: "快慢均线交叉：金叉买入，死叉卖出",
			Version:     "1.0.0",
			Tags:        []string{"trend", "sma"},
		},
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"fast": map[string]any{"type": "integer", "minimum": 1},
				"slow": map[string]any{"type": "integer", "minimum": 2},
			},
			"additionalProperties": false,
		},
		New: func(params map[string]any) (Strategy, error) {
			fast := intParam(params, "fast", 5)
			slow := intParam(params, "slow", 20)
			if fast >= slow {
				fast, slow = 5, 20
			}
			return &smaCross{fast: fast, slow: slow}, nil
		},
	}
}

func (s *smaCross) OnInit(Context) { s.state = smaCrossState{} }

func (s *smaCross) OnBar(_ Context, bar market.Bar) *Signal {
	st := &s.state
	st.closes = append(st.closes, bar.Close)
	if len(st.closes) < s.slow {
		return nil
	}
	fastArr := talib.Sma(st.closes, s.fast)
	slowArr := talib.Sma(st.closes, s.slow)
	diff := fastArr[len(fastArr)-1] - slowArr[len(slowArr)-1]
	defer func() { st.prevDiff, st.hasPrev = diff, true }()
	if !st.hasPrev {
		return nil
	}
	if st.prevDiff <= 0 && diff > 0 && !st.long {
		st.long = true
		return &Signal{Side: SideBuy, Timestamp: bar.Timestamp, Reason: "golden_cross", Strength: diff}
	}
	if st.prevDiff >= 0 && diff < 0 && st.long {
		st.long = false
		return &Signal{Side: SideSell, Timestamp: bar.Timestamp, Reason: "death_cross", Strength: -diff}
	}
	return nil
}

func (s *smaCross) OnStop(Context) *Signal {
	if !s.state.long {
		return nil
	}
	s.state.long = false
	return &Signal{Side: SideSell, Reason: "final_close"}
}
