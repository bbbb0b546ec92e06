package datasource

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptGetter 按调用顺序回放预置响应并记录请求 URL。
type scriptGetter struct {
	responses []Response
	errs      []error
	urls      []string
}

func (g *scriptGetter) Get(_ context.Context, rawURL string) (Response, error) {
	idx := len(g.urls)
	g.urls = append(g.urls, rawURL)
	if idx < len(g.errs) && g.errs[idx] != nil {
		return Response{}, g.errs[idx]
	}
	if idx < len(g.responses) {
		return g.responses[idx], nil
	}
	return Response{Status: 200, Body: []byte(`[]`)}, nil
}

func tiingoBody(dates ...string) []byte {
	out := "["
	for i, d := range dates {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"date":"%sT00:00:00.000Z","open":10,"high":11,"low":9,"close":10.5,"volume":1000,"adjClose":10.4}`, d)
	}
	return []byte(out + "]")
}

type tiingoHarness struct {
	src    *TiingoSource
	getter *scriptGetter
	sleeps []time.Duration
}

func newTiingoHarness(t *testing.T, getter *scriptGetter, mutate func(*TiingoConfig)) *tiingoHarness {
	t.Helper()
	h := &tiingoHarness{getter: getter}
	cfg := TiingoConfig{
		Token:     func() string { return "tok" },
		ChunkDays: 10,
		Delay:     1100 * time.Millisecond,
		Now:       func() time.Time { return time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC) },
		Sleep: func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	src, err := NewTiingoSource(cfg, getter, newTestCache(t))
	require.NoError(t, err)
	h.src = src
	return h
}

func TestTiingo_MissingTokenFails(t *testing.T) {
	h := newTiingoHarness(t, &scriptGetter{}, func(cfg *TiingoConfig) {
		cfg.Token = func() string { return "" }
	})
	_, err := h.src.LoadBars(context.Background(), Request{Symbol: "AAPL", Timeframe: "1d", Start: "2024-01-01"})
	require.ErrorIs(t, err, ErrVendorKeyMissing)
	assert.Empty(t, h.getter.urls, "缺 token 不应发出网络请求")
}

func TestTiingo_FutureRangeZeroCalls(t *testing.T) {
	h := newTiingoHarness(t, &scriptGetter{}, nil)
	bars, err := h.src.LoadBars(context.Background(), Request{Symbol: "AAPL", Timeframe: "1d", Start: "2030-01-01", End: "2030-02-01"})
	require.NoError(t, err)
	assert.Empty(t, bars)
	assert.Empty(t, h.getter.urls)
}

func TestTiingo_EndClampedToNow(t *testing.T) {
	getter := &scriptGetter{responses: []Response{{Status: 200, Body: tiingoBody("2024-06-14")}}}
	h := newTiingoHarness(t, getter, nil)

	_, err := h.src.LoadBars(context.Background(), Request{Symbol: "AAPL", Timeframe: "1d", Start: "2024-06-10", End: "2030-01-01"})
	require.NoError(t, err)
	require.Len(t, getter.urls, 1)
	u, err := url.Parse(getter.urls[0])
	require.NoError(t, err)
	assert.Equal(t, "2024-06-15", u.Query().Get("endDate"), "end 夹到当前日期")
	assert.Equal(t, "2024-06-10", u.Query().Get("startDate"))
}

func TestTiingo_ChunksNewestFirst(t *testing.T) {
	// 25 天窗口、10 天一块 → 3 块，从最近往最远推进。
	getter := &scriptGetter{responses: []Response{
		{Status: 200, Body: tiingoBody("2024-06-10")},
		{Status: 200, Body: tiingoBody("2024-05-30")},
		{Status: 200, Body: tiingoBody("2024-05-20")},
	}}
	h := newTiingoHarness(t, getter, nil)

	bars, err := h.src.LoadBars(context.Background(), Request{Symbol: "AAPL", Timeframe: "1d", Start: "2024-05-20", End: "2024-06-13"})
	require.NoError(t, err)
	require.Len(t, getter.urls, 3)

	var windows [][2]string
	for _, raw := range getter.urls {
		u, perr := url.Parse(raw)
		require.NoError(t, perr)
		windows = append(windows, [2]string{u.Query().Get("startDate"), u.Query().Get("endDate")})
	}
	assert.Equal(t, [2]string{"2024-06-04", "2024-06-13"}, windows[0])
	assert.Equal(t, [2]string{"2024-05-25", "2024-06-03"}, windows[1])
	assert.Equal(t, [2]string{"2024-05-20", "2024-05-24"}, windows[2])

	// 块间各睡一次（首块不睡）
	assert.Len(t, h.sleeps, 2)
	// 结果重新升序
	require.Len(t, bars, 3)
	assert.Equal(t, "2024-05-20", bars[0].Timestamp)
	assert.Equal(t, "2024-06-10", bars[2].Timestamp)
}

func TestTiingo_RateLimitRetriesSameChunk(t *testing.T) {
	getter := &scriptGetter{responses: []Response{
		{Status: 429},
		{Status: 200, Body: tiingoBody("2024-06-12")},
	}}
	h := newTiingoHarness(t, getter, nil)

	bars, err := h.src.LoadBars(context.Background(), Request{Symbol: "AAPL", Timeframe: "1d", Start: "2024-06-10", End: "2024-06-13"})
	require.NoError(t, err)
	require.Len(t, getter.urls, 2)
	assert.Equal(t, getter.urls[0], getter.urls[1], "429 后原窗口重试")
	assert.Len(t, h.sleeps, 1, "每次 429 恰好一次退避")
	require.Len(t, bars, 1)
}

func TestTiingo_BadRequestRetreatsEndOneDay(t *testing.T) {
	getter := &scriptGetter{responses: []Response{
		{Status: 400},
		{Status: 200, Body: tiingoBody("2024-06-11")},
	}}
	h := newTiingoHarness(t, getter, nil)

	bars, err := h.src.LoadBars(context.Background(), Request{Symbol: "AAPL", Timeframe: "1d", Start: "2024-06-10", End: "2024-06-13"})
	require.NoError(t, err)
	require.Len(t, getter.urls, 2)
	u1, _ := url.Parse(getter.urls[0])
	u2, _ := url.Parse(getter.urls[1])
	assert.Equal(t, "2024-06-13", u1.Query().Get("endDate"))
	assert.Equal(t, "2024-06-12", u2.Query().Get("endDate"), "400 将 end 回退一天")
	assert.Equal(t, u1.Query().Get("startDate"), u2.Query().Get("startDate"), "start 不动")
	require.Len(t, bars, 1)
}

func TestTiingo_BadRequestExhaustsWindow(t *testing.T) {
	// 窗口被 400 一路缩到空：该块视为无数据，不是错误。
	getter := &scriptGetter{responses: []Response{
		{Status: 400}, {Status: 400}, {Status: 400},
	}}
	h := newTiingoHarness(t, getter, nil)

	bars, err := h.src.LoadBars(context.Background(), Request{Symbol: "AAPL", Timeframe: "1d", Start: "2024-06-12", End: "2024-06-14"})
	require.NoError(t, err)
	assert.Empty(t, bars)
	assert.Len(t, getter.urls, 3)
}

func TestTiingo_ServerErrorIsFatal(t *testing.T) {
	getter := &scriptGetter{responses: []Response{{Status: 500}}}
	h := newTiingoHarness(t, getter, nil)

	_, err := h.src.LoadBars(context.Background(), Request{Symbol: "AAPL", Timeframe: "1d", Start: "2024-06-10", End: "2024-06-13"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "AAPL", "错误需携带请求上下文")
}

func TestTiingo_CacheHitSkipsNetwork(t *testing.T) {
	getter := &scriptGetter{responses: []Response{{Status: 200, Body: tiingoBody("2024-06-12")}}}
	h := newTiingoHarness(t, getter, nil)
	req := Request{Symbol: "AAPL", Timeframe: "1d", Start: "2024-06-10", End: "2024-06-13"}

	_, err := h.src.LoadBars(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, getter.urls, 1)

	bars, err := h.src.LoadBars(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, getter.urls, 1, "第二次命中 TTL 缓存")
	require.Len(t, bars, 1)
}

func TestTiingo_AdjustedPrefersAdjFields(t *testing.T) {
	getter := &scriptGetter{responses: []Response{{Status: 200, Body: tiingoBody("2024-06-12")}}}
	h := newTiingoHarness(t, getter, nil)

	bars, err := h.src.LoadBars(context.Background(), Request{Symbol: "AAPL", Timeframe: "1d", Start: "2024-06-10", End: "2024-06-13", Adjusted: true})
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 10.4, bars[0].Close, "复权请求取 adjClose")
	assert.Equal(t, 10.0, bars[0].Open, "缺 adjOpen 回退原始值")
}

func TestTiingo_IntradayUsesResampleFreq(t *testing.T) {
	getter := &scriptGetter{responses: []Response{{Status: 200, Body: []byte(`[]`)}}}
	h := newTiingoHarness(t, getter, nil)

	_, err := h.src.LoadBars(context.Background(), Request{Symbol: "AAPL", Timeframe: "1h", Start: "2024-06-12", End: "2024-06-13"})
	require.NoError(t, err)
	require.Len(t, getter.urls, 1)
	u, _ := url.Parse(getter.urls[0])
	assert.Contains(t, u.Path, "/iex/aapl/prices")
	assert.Equal(t, "60min", u.Query().Get("resampleFreq"))
}
