package datasource

import (
	"context"
	"errors"

	"backcast/internal/market"
)

// 数据请求里可声明的来源。
const (
	SourceAuto    = "auto"
	SourceLocal   = "local"
	SourceTiingo  = "tiingo"
	SourcePolygon = "polygon"
)

var supportedTimeframes = map[string]struct{}{
	"1d": {}, "1h": {}, "15m": {}, "1m": {},
}

// SupportedTimeframe 判断周期是否在 DataRequest 支持集内。
func SupportedTimeframe(tf string) bool {
	_, ok := supportedTimeframes[tf]
	return ok
}

// Request 描述一次 K 线加载：来源、标的、周期、闭区间日期与复权标记。
type Request struct {
	Source    string `json:"source"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Adjusted  bool   `json:"adjusted"`
}

// Source 统一本地文件与远端 vendor 的加载行为，各实现自带缓存与重试策略。
type Source interface {
	LoadBars(ctx context.Context, req Request) ([]market.Bar, error)
	Name() string
}

// 错误分类：配置错误与数据可用性错误直接致命，限流/区间拒绝由各 source 本地恢复。
var (
	ErrVendorKeyMissing = errors.New("vendor api key 缺失")
	ErrSymbolNotFound   = errors.New("vendor 未收录该 symbol")
	ErrAuth             = errors.New("vendor 鉴权失败")
	ErrBadRequest       = errors.New("vendor 拒绝请求参数")
	ErrRateLimited      = errors.New("vendor 限流")
	ErrNoData           = errors.New("vendor 返回空数据集")
)
