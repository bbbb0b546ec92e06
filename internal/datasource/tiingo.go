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

const dateLayout = "2006-01-02"

// TiingoConfig 配置分块 EOD vendor。
type TiingoConfig struct {
	BaseURL   string
	Token     func() string // 拉取时解析，缺失在 fetch 时报错而非构造时
	ChunkDays int           // 单请求最大天数
	Delay     time.Duration // 相邻请求间隔，兼作 429 退避
	TTL       time.Duration // 缓存存活时长

	// 测试注入点；为空取真实时钟/休眠。
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

// TiingoSource 按固定天数窗口从最近到最远分块拉取，429 原样重试、
// 400 将 end 回退一天重试，其余非 2xx 直接失败。
type TiingoSource struct {
	http      Getter
	cache     *BarCache
	baseURL   string
	token     func() string
	chunkDays int
	delay     time.Duration
	ttl       time.Duration
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

func NewTiingoSource(cfg TiingoConfig, getter Getter, cache *BarCache) (*TiingoSource, error) {
	if getter == nil {
		return nil, fmt.Errorf("http getter 不能为空")
	}
	if cache == nil {
		return nil, fmt.Errorf("bar cache 不能为空")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tiingo.com"
	}
	if cfg.ChunkDays <= 0 {
		cfg.ChunkDays = 10
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 1100 * time.Millisecond
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepWithContext
	}
	return &TiingoSource{
		http:      getter,
		cache:     cache,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		chunkDays: cfg.ChunkDays,
		delay:     cfg.Delay,
		ttl:       cfg.TTL,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
	}, nil
}

func (s *TiingoSource) Name() string { return SourceTiingo }

func (s *TiingoSource) LoadBars(ctx context.Context, req Request) ([]market.Bar, error) {
	token := strings.TrimSpace(s.token())
	if token == "" {
		return nil, fmt.Errorf("tiingo %s %s: %w（设置 BACKCAST_TIINGO_TOKEN）", req.Symbol, req.Timeframe, ErrVendorKeyMissing)
	}
	if req.Symbol == "" || req.Start == "" {
		return nil, fmt.Errorf("tiingo 请求需要 symbol 与 start（symbol=%q start=%q）", req.Symbol, req.Start)
	}
	start, err := parseDate(req.Start)
	if err != nil {
		return nil, fmt.Errorf("tiingo %s: start 日期非法 %q: %w", req.Symbol, req.Start, err)
	}
	today := dateOf(s.now().UTC())
	end := today
	if req.End != "" {
		end, err = parseDate(req.End)
		if err != nil {
			return nil, fmt.Errorf("tiingo %s: end 日期非法 %q: %w", req.Symbol, req.End, err)
		}
	}
	if end.After(today) {
		end = today // 未来区间夹到当前时刻
	}
	if end.Before(start) {
		return nil, nil // 整段在未来，零网络调用
	}

	cacheKey := s.cacheSource(req, start, end)
	if cached, ok := s.cache.Lookup(ctx, req.Symbol, req.Timeframe, cacheKey, ""); ok {
		return market.FilterRange(market.Sanitize(cached), req.Start, req.End), nil
	}

	var all []market.Bar
	chunkEnd := end
	first := true
	for !chunkEnd.Before(start) {
		chunkStart := chunkEnd.AddDate(0, 0, -(s.chunkDays - 1))
		if chunkStart.Before(start) {
			chunkStart = start
		}
		if !first {
			if err := s.sleep(ctx, s.delay); err != nil {
				return nil, err
			}
		}
		first = false
		bars, err := s.fetchChunk(ctx, req, token, chunkStart, chunkEnd)
		if err != nil {
			return nil, err
		}
		all = append(all, bars...)
		chunkEnd = chunkStart.AddDate(0, 0, -1)
	}

	all = market.Sanitize(all)
	if err := s.cache.Store(ctx, req.Symbol, req.Timeframe, cacheKey, "", s.ttl, all); err != nil {
		logger.Debugf("[datasource] tiingo 缓存写入失败 %s %s: %v", req.Symbol, req.Timeframe, err)
	}
	return market.FilterRange(all, req.Start, req.End), nil
}

// fetchChunk 对单个窗口执行重试策略，窗口被 400 缩到空则视为无数据。
func (s *TiingoSource) fetchChunk(ctx context.Context, req Request, token string, start, end time.Time) ([]market.Bar, error) {
	for {
		resp, err := s.http.Get(ctx, s.chunkURL(req, token, start, end))
		if err != nil {
			return nil, fmt.Errorf("tiingo %s %s [%s,%s] 请求失败: %w",
				req.Symbol, req.Timeframe, start.Format(dateLayout), end.Format(dateLayout), err)
		}
		switch {
		case resp.Status == 429:
			logger.Warnf("[datasource] tiingo 限流 %s [%s,%s]，等待后重试", req.Symbol, start.Format(dateLayout), end.Format(dateLayout))
			if err := s.sleep(ctx, s.delay); err != nil {
				return nil, err
			}
		case resp.Status == 400:
			// vendor 认为区间尚不可用：end 回退一天，start 不动。
			end = end.AddDate(0, 0, -1)
			if end.Before(start) {
				return nil, nil
			}
		case resp.Status >= 300:
			return nil, fmt.Errorf("tiingo %s %s [%s,%s] 返回状态码 %d",
				req.Symbol, req.Timeframe, start.Format(dateLayout), end.Format(dateLayout), resp.Status)
		default:
			return parseTiingoBody(resp.Body, req), nil
		}
	}
}

func (s *TiingoSource) chunkURL(req Request, token string, start, end time.Time) string {
	q := url.Values{}
	q.Set("startDate", start.Format(dateLayout))
	q.Set("endDate", end.Format(dateLayout))
	q.Set("format", "json")
	q.Set("token", token)
	path := "/tiingo/daily/" + url.PathEscape(strings.ToLower(req.Symbol)) + "/prices"
	if req.Timeframe != "1d" {
		path = "/iex/" + url.PathEscape(strings.ToLower(req.Symbol)) + "/prices"
		q.Set("resampleFreq", tiingoResampleFreq(req.Timeframe))
	}
	return s.baseURL + path + "?" + q.Encode()
}

func tiingoResampleFreq(tf string) string {
	switch tf {
	case "1h":
		return "60min"
	case "15m":
		return "15min"
	default:
		return "1min"
	}
}

func (s *TiingoSource) cacheSource(req Request, start, end time.Time) string {
	adj := "raw"
	if req.Adjusted {
		adj = "adj"
	}
	return strings.Join([]string{SourceTiingo, adj, start.Format(dateLayout), end.Format(dateLayout)}, "|")
}

func parseTiingoBody(body []byte, req Request) []market.Bar {
	rows := gjson.ParseBytes(body)
	if !rows.IsArray() {
		return nil
	}
	var out []market.Bar
	rows.ForEach(func(_, row gjson.Result) bool {
		ts := normalizeTimestamp(row.Get("date").String(), req.Timeframe)
		if ts == "" {
			return true
		}
		b := market.Bar{
			Timestamp: ts,
			Open:      pickField(row, "open", "adjOpen", req.Adjusted),
			High:      pickField(row, "high", "adjHigh", req.Adjusted),
			Low:       pickField(row, "low", "adjLow", req.Adjusted),
			Close:     pickField(row, "close", "adjClose", req.Adjusted),
			Volume:    pickField(row, "volume", "adjVolume", req.Adjusted),
		}
		out = append(out, b)
		return true
	})
	return out
}

// pickField 在复权请求下优先取 adj 字段，缺失时回退原始值；
// 数值与数值字符串都接受。
func pickField(row gjson.Result, raw, adj string, adjusted bool) float64 {
	if adjusted {
		if v := row.Get(adj); v.Exists() {
			return v.Float()
		}
	}
	return row.Get(raw).Float()
}

func normalizeTimestamp(ts, timeframe string) string {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return ""
	}
	if timeframe == "1d" && len(ts) >= len(dateLayout) {
		return ts[:len(dateLayout)]
	}
	return ts
}

func parseDate(s string) (time.Time, error) {
	if len(s) >= len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
