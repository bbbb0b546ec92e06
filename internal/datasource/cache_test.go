package datasource

import (
	"context"
	"testing"
	"time"

	"backcast/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *BarCache {
	t.Helper()
	c, err := NewBarCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sampleBars() []market.Bar {
	return []market.Bar{
		{Timestamp: "2024-01-01", Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
		{Timestamp: "2024-01-02", Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 120},
	}
}

func TestBarCache_StoreLookupRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "AAPL", "1d", "local", "mtime-1", 0, sampleBars()))

	got, ok := c.Lookup(ctx, "AAPL", "1d", "local", "mtime-1")
	require.True(t, ok)
	assert.Equal(t, sampleBars(), got)
}

func TestBarCache_KeyMismatchIsMiss(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "AAPL", "1d", "local", "mtime-1", 0, sampleBars()))

	_, ok := c.Lookup(ctx, "AAPL", "1d", "local", "mtime-2")
	assert.False(t, ok, "validity key 变化应视为 miss")
}

func TestBarCache_TTLExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	require.NoError(t, c.Store(ctx, "AAPL", "1d", "tiingo|adj|2024-01-01|2024-01-31", "", 30*time.Minute, sampleBars()))

	// TTL 内命中
	c.now = func() time.Time { return base.Add(29 * time.Minute) }
	_, ok := c.Lookup(ctx, "AAPL", "1d", "tiingo|adj|2024-01-01|2024-01-31", "")
	assert.True(t, ok)

	// TTL 过后 miss
	c.now = func() time.Time { return base.Add(31 * time.Minute) }
	_, ok = c.Lookup(ctx, "AAPL", "1d", "tiingo|adj|2024-01-01|2024-01-31", "")
	assert.False(t, ok)
}

func TestBarCache_SourcesIsolated(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "AAPL", "1d", "local", "k", 0, sampleBars()))

	_, ok := c.Lookup(ctx, "AAPL", "1d", "polygon|adj", "")
	assert.False(t, ok, "不同 source 的条目互不可见")
}

func TestBarCache_StoreOverwrites(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "AAPL", "1d", "local", "k1", 0, sampleBars()))
	replacement := []market.Bar{{Timestamp: "2024-02-01", Open: 3, High: 3, Low: 3, Close: 3, Volume: 1}}
	require.NoError(t, c.Store(ctx, "AAPL", "1d", "local", "k2", 0, replacement))

	got, ok := c.Lookup(ctx, "AAPL", "1d", "local", "k2")
	require.True(t, ok)
	assert.Equal(t, replacement, got)
}

func TestBarCache_Invalidate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "AAPL", "1d", "local", "k", 0, sampleBars()))
	c.Invalidate(ctx, "AAPL", "1d", "local")

	_, ok := c.Lookup(ctx, "AAPL", "1d", "local", "k")
	assert.False(t, ok)
}
