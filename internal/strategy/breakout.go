package strategy

import (
	"backcast/internal/market"

	talib "github.com/markcheno/go-talib"
)

type breakoutState struct {
	closes []float64
	long   bool
}

type breakout struct {
	lookback int
	state    breakoutState
}

// BreakoutDefinition 滚动区间突破策略。
func BreakoutDefinition() Definition {
	return Definition{
		Meta: Meta{
			Name:        "breakout",
			Description: "收盘突破前 N 根最高价买入，跌破前 N 根最低价卖出",
			Version:     "1.0.0",
			Tags:        []string{"momentum", "breakout"},
		},
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"lookback": map[string]any{"type": "integer", "minimum": 2},
			},
			"additionalProperties": false,
		},
		New: func(params map[string]any) (Strategy, error) {
			return &breakout{lookback: intParam(params, "lookback", 20)}, nil
		},
	}
}

func (s *breakout) OnInit(Context) { s.state = breakoutState{} }

func (s *breakout) OnBar(_ Context, bar market.Bar) *Signal {
	st := &s.state
	// 与当前 bar 比较的是不含它自身的前 lookback 根。
	if len(st.closes) >= s.lookback {
		highs := talib.Max(st.closes, s.lookback)
		lows := talib.Min(st.closes, s.lookback)
		priorHigh := highs[len(highs)-1]
		priorLow := lows[len(lows)-1]
		if bar.Close > priorHigh && !st.long {
			st.closes = append(st.closes, bar.Close)
			st.long = true
			return &Signal{Side: SideBuy, Timestamp: bar.Timestamp, Reason: "breakout_high", Strength: bar.Close - priorHigh}
		}
		if bar.Close < priorLow && st.long {
			st.closes = append(st.closes, bar.Close)
			st.long = false
			return &Signal{Side: SideSell, Timestamp: bar.Timestamp, Reason: "breakdown_low", Strength: priorLow - bar.Close}
		}
	}
	st.closes = append(st.closes, bar.Close)
	return nil
}

func (s *breakout) OnStop(Context) *Signal {
	if !s.state.long {
		return nil
	}
	s.state.long = false
	return &Signal{Side: SideSell, Reason: "final_close"}
}
