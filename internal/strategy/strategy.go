package strategy

import (
	"backcast/internal/market"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Signal 是策略在某根 K 线上的交易意图；Strength 可选，留给执行层参考。
type Signal struct {
	Side      string  `json:"side"`
	Timestamp string  `json:"timestamp"`
	Reason    string  `json:"reason"`
	Strength  float64 `json:"strength,omitempty"`
}

// Context 是策略回调携带的运行上下文。
type Context struct {
	Symbol string
}

// Strategy 是引擎消费的可插拔策略契约。实现要求：
// 全部跨 bar 状态放在显式字段里，OnInit 必须把状态重置为零值，
// 同一输入序列重放必须产生相同信号序列。
type Strategy interface {
	OnInit(ctx Context)
	OnBar(ctx Context, bar market.Bar) *Signal
	OnStop(ctx Context) *Signal
}

// Meta 是策略的人类可读元信息。
type Meta struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Version     string   `json:"version"`
	Tags        []string `json:"tags"`
}
