package strategy

import (
	"backcast/internal/market"

	talib "github.com/markcheno/go-talib"
)

type rsiReversionState struct {
	closes []float64
	long   bool
}

type rsiReversion struct {
	period               int
	oversold, overbought float64
	state                rsiReversionState
}

// RSIReversionDefinition 超卖买入、超买卖出的均值回归策略。
func RSIReversionDefinition() Definition {
	return Definition{
		Meta: Meta{
			Name:        "rsi_reversion",
			Description: "RSI 均值回归：跌破超卖线买入，突破超买线卖出",
			Version:     "1.0.0",
			Tags:        []string{"mean-reversion", "rsi"},
		},
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period":     map[string]any{"type": "integer", "minimum": 2},
				"oversold":   map[string]any{"type": "number", "minimum": 0, "maximum": 100},
				"overbought": map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			},
			"additionalProperties": false,
		},
		New: func(params map[string]any) (Strategy, error) {
			return &rsiReversion{
				period:     intParam(params, "period", 14),
				oversold:   floatParam(params, "oversold", 30),
				overbought: floatParam(params, "overbought", 70),
			}, nil
		},
	}
}

func (s *rsiReversion) OnInit(Context) { s.state = rsiReversionState{} }

func (s *rsiReversion) OnBar(_ Context, bar market.Bar) *Signal {
	st := &s.state
	st.closes = append(st.closes, bar.Close)
	if len(st.closes) <= s.period {
		return nil
	}
	series := talib.Rsi(st.closes, s.period)
	rsi := series[len(series)-1]
	if rsi < s.oversold && !st.long {
		st.long = true
		return &Signal{Side: SideBuy, Timestamp: bar.Timestamp, Reason: "rsi_oversold", Strength: s.oversold - rsi}
	}
	if rsi > s.overbought && st.long {
		st.long = false
		return &Signal{Side: SideSell, Timestamp: bar.Timestamp, Reason: "rsi_overbought", Strength: rsi - s.overbought}
	}
	return nil
}

func (s *rsiReversion) OnStop(Context) *Signal {
	if !s.state.long {
		return nil
	}
	s.state.long = false
	return &Signal{Side: SideSell, Reason: "final_close"}
}
