package datasource

import (
	"context"
	"strings"

	"backcast/internal/logger"
	"backcast/internal/market"

	"golang.org/x/sync/singleflight"
)

// Resolver 按回退链解析一个 symbol 的 K 线：本地优先，命中即用；
// 否则按请求声明走指定 vendor，auto 先试 tiingo、失败落到 polygon。
// 两边都拿不到就返回空序列，空不空由引擎在 Loading 阶段裁决。
type Resolver struct {
	local   *LocalCSVSource
	vendors map[string]Source

	group singleflight.Group
}

func NewResolver(local *LocalCSVSource, vendors map[string]Source) *Resolver {
	vs := make(map[string]Source, len(vendors))
	for name, src := range vendors {
		vs[strings.ToLower(name)] = src
	}
	return &Resolver{local: local, vendors: vs}
}

// LocalPathFor 暴露本地数据文件路径，供「主序列为空」的致命错误提示。
func (r *Resolver) LocalPathFor(symbol, timeframe string) string {
	if r.local == nil {
		return ""
	}
	return r.local.PathFor(symbol, timeframe)
}

func (r *Resolver) Resolve(ctx context.Context, req Request) ([]market.Bar, error) {
	if r.local != nil {
		bars, err := r.local.LoadBars(ctx, req)
		if err == nil && len(bars) > 0 {
			return bars, nil
		}
		if err != nil {
			logger.Warnf("[datasource] 本地加载异常 %s %s: %v", req.Symbol, req.Timeframe, err)
		}
	}

	source := strings.ToLower(strings.TrimSpace(req.Source))
	switch source {
	case SourceLocal:
		return nil, nil
	case "", SourceAuto:
		bars, err := r.loadVendor(ctx, SourceTiingo, req)
		if err == nil && len(bars) > 0 {
			return bars, nil
		}
		if err != nil {
			logger.Warnf("[datasource] tiingo 失败，回退 polygon %s %s: %v", req.Symbol, req.Timeframe, err)
		}
		bars, err = r.loadVendor(ctx, SourcePolygon, req)
		if err != nil {
			logger.Warnf("[datasource] polygon 失败 %s %s: %v", req.Symbol, req.Timeframe, err)
			return nil, nil
		}
		return bars, nil
	default:
		bars, err := r.loadVendor(ctx, source, req)
		if err != nil {
			logger.Warnf("[datasource] %s 失败 %s %s: %v", source, req.Symbol, req.Timeframe, err)
			return nil, nil
		}
		return bars, nil
	}
}

// loadVendor 经 singleflight 合并并发的同键重建；丢竞争只是浪费工夫，
// 合并后连浪费也省掉。
func (r *Resolver) loadVendor(ctx context.Context, name string, req Request) ([]market.Bar, error) {
	src, ok := r.vendors[name]
	if !ok {
		logger.Warnf("[datasource] 未配置的数据源 %q（symbol=%s）", name, req.Symbol)
		return nil, nil
	}
	key := strings.Join([]string{name, market.Slug(req.Symbol), req.Timeframe, req.Start, req.End, boolKey(req.Adjusted)}, "|")
	v, err, _ := r.group.Do(key, func() (any, error) {
		return src.LoadBars(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	bars, _ := v.([]market.Bar)
	return bars, nil
}

func boolKey(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
