package market

// Bar 表示某个 symbol 在某周期上的一根 OHLCV K 线。
// Timestamp 为 ISO-8601 字符串（日线为 2006-01-02，分时为 RFC3339），
// 字典序即时间序，同一 (symbol, timeframe) 序列内唯一。
type Bar struct {
	Timestamp string  `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}
