package datasource

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"backcast/internal/logger"
	"backcast/internal/market"

	"github.com/tidwall/gjson"
)

// PolygonConfig 配置聚合区间 vendor。
type PolygonConfig struct {
	BaseURL string
	Key     func() string
	TTL     time.Duration
}

// PolygonSource 单次请求拉全区间聚合 K 线，不分块；
// 失败按状态码映射为领域错误，空结果本身也是错误。
type PolygonSource struct {
	http    Getter
	cache   *BarCache
	baseURL string
	key     func() string
	ttl     time.Duration
}

func NewPolygonSource(cfg PolygonConfig, getter Getter, cache *BarCache) (*PolygonSource, error) {
	if getter == nil {
		return nil, fmt.Errorf("http getter 不能为空")
	}
	if cache == nil {
		return nil, fmt.Errorf("bar cache 不能为空")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.polygon.io"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Key == nil {
		cfg.Key = func() string { return "" }
	}
	return &PolygonSource{
		http:    getter,
		cache:   cache,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     cfg.Key,
		ttl:     cfg.TTL,
	}, nil
}

func (s *PolygonSource) Name() string { return SourcePolygon }

// timeframeSpan 把内部周期映射为 vendor 的 (multiplier, timespan)。
func timeframeSpan(tf string) (int, string, error) {
	switch tf {
	case "1m":
		return 1, "minute", nil
	case "15m":
		return 15, "minute", nil
	case "1h":
		return 1, "hour", nil
	case "1d":
		return 1, "day", nil
	default:
		return 0, "", fmt.Errorf("polygon 不支持周期 %q", tf)
	}
}

func (s *PolygonSource) LoadBars(ctx context.Context, req Request) ([]market.Bar, error) {
	key := strings.TrimSpace(s.key())
	if key == "" {
		return nil, fmt.Errorf("polygon %s %s: %w（设置 BACKCAST_POLYGON_KEY）", req.Symbol, req.Timeframe, ErrVendorKeyMissing)
	}
	if req.Start == "" || req.End == "" {
		return nil, fmt.Errorf("polygon %s: start/end 均为必填（start=%q end=%q）", req.Symbol, req.Start, req.End)
	}
	mult, span, err := timeframeSpan(req.Timeframe)
	if err != nil {
		return nil, err
	}

	cacheKey := s.cacheSource(req)
	if cached, ok := s.cache.Lookup(ctx, req.Symbol, req.Timeframe, cacheKey, ""); ok {
		return market.FilterRange(market.Sanitize(cached), req.Start, req.End), nil
	}

	resp, err := s.http.Get(ctx, s.requestURL(req, key, mult, span))
	if err != nil {
		return nil, fmt.Errorf("polygon %s %s [%s,%s] 请求失败: %w", req.Symbol, req.Timeframe, req.Start, req.End, err)
	}
	if err := classifyPolygonStatus(resp, req); err != nil {
		return nil, err
	}
	bars := parsePolygonBody(resp.Body, req.Timeframe)
	if len(bars) == 0 {
		// 与本地文件缺失不同：合法的历史区间 vendor 理应有数据。
		return nil, fmt.Errorf("polygon %s %s [%s,%s]: %w", req.Symbol, req.Timeframe, req.Start, req.End, ErrNoData)
	}
	bars = market.Sanitize(bars)
	if err := s.cache.Store(ctx, req.Symbol, req.Timeframe, cacheKey, "", s.ttl, bars); err != nil {
		logger.Debugf("[datasource] polygon 缓存写入失败 %s %s: %v", req.Symbol, req.Timeframe, err)
	}
	return market.FilterRange(bars, req.Start, req.End), nil
}

func (s *PolygonSource) requestURL(req Request, key string, mult int, span string) string {
	q := url.Values{}
	q.Set("adjusted", fmt.Sprintf("%t", req.Adjusted))
	q.Set("sort", "asc")
	q.Set("limit", "50000")
	q.Set("apiKey", key)
	return fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%s/%s?%s",
		s.baseURL, url.PathEscape(strings.ToUpper(req.Symbol)), mult, span,
		url.PathEscape(req.Start), url.PathEscape(req.End), q.Encode())
}

func (s *PolygonSource) cacheSource(req Request) string {
	adj := "raw"
	if req.Adjusted {
		adj = "adj"
	}
	return SourcePolygon + "|" + adj
}

func classifyPolygonStatus(resp Response, req Request) error {
	switch {
	case resp.Status == 404:
		return fmt.Errorf("polygon symbol %s: %w", req.Symbol, ErrSymbolNotFound)
	case resp.Status == 401 || resp.Status == 403:
		return fmt.Errorf("polygon: %w（状态码 %d，检查 API key 权限）", ErrAuth, resp.Status)
	case resp.Status == 400:
		msg := gjson.GetBytes(resp.Body, "error").String()
		return fmt.Errorf("polygon %s %s [%s,%s]: %w: %s",
			req.Symbol, req.Timeframe, req.Start, req.End, ErrBadRequest, msg)
	case resp.Status == 429:
		return fmt.Errorf("polygon %s: %w", req.Symbol, ErrRateLimited)
	case resp.Status >= 300:
		return fmt.Errorf("polygon %s %s: 返回状态码 %d", req.Symbol, req.Timeframe, resp.Status)
	}
	return nil
}

// parsePolygonBody 解析 results 数组；o/h/l/c/v 数值或数值字符串均接受。
func parsePolygonBody(body []byte, timeframe string) []market.Bar {
	results := gjson.GetBytes(body, "results")
	if !results.IsArray() {
		return nil
	}
	layout := "2006-01-02T15:04:05Z"
	if timeframe == "1d" {
		layout = dateLayout
	}
	var out []market.Bar
	results.ForEach(func(_, row gjson.Result) bool {
		ms := row.Get("t").Int()
		if ms <= 0 {
			return true
		}
		out = append(out, market.Bar{
			Timestamp: time.UnixMilli(ms).UTC().Format(layout),
			Open:      row.Get("o").Float(),
			High:      row.Get("h").Float(),
			Low:       row.Get("l").Float(),
			Close:     row.Get("c").Float(),
			Volume:    row.Get("v").Float(),
		})
		return true
	})
	return out
}
