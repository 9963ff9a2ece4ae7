package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
)

// baseMs anchors fixture event timestamps to the fake clock used throughout
// this file: TTL eviction now keys off EventTimestampMs (not insertion
// time), so a fixture timestamp near the Unix epoch would already be older
// than any TTL window measured against a 2023 fake clock.
const baseMs = 1700000000000

func rec(exchange string, ts int64) canonical.Record {
	return canonical.Record{Exchange: exchange, Symbol: "BTC/USDT", Type: canonical.TypeTrade, EventTimestampMs: baseMs + ts}
}

func TestPut_EvictsOldestBeyondMaxEntries(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	c := New(Config{MaxEntriesPerKey: 5, TTL: time.Hour, CleanupInterval: time.Hour}, clk)
	defer c.Close()

	key := Key("binance", "BTC/USDT", canonical.TypeTrade)
	for i := 0; i < 8; i++ {
		c.Put(key, rec("binance", int64(1000+i)))
	}

	got := c.Get(key, GetOptions{})
	require.Len(t, got, 5)
	// newest-first; oldest 3 of the 8 inserted were evicted.
	require.Equal(t, int64(baseMs+1007), got[0].EventTimestampMs)
	require.Equal(t, int64(baseMs+1003), got[4].EventTimestampMs)
}

func TestGet_NewestFirstOrdering(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	c := New(Config{TTL: time.Hour, CleanupInterval: time.Hour}, clk)
	defer c.Close()

	key := Key("binance", "BTC/USDT", canonical.TypeTrade)
	c.Put(key, rec("binance", 100))
	c.Put(key, rec("binance", 200))
	c.Put(key, rec("binance", 300))

	got := c.Get(key, GetOptions{})
	require.Equal(t, []int64{baseMs + 300, baseMs + 200, baseMs + 100}, []int64{got[0].EventTimestampMs, got[1].EventTimestampMs, got[2].EventTimestampMs})
}

func TestGet_LazyTTLEviction(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	c := New(Config{TTL: 10 * time.Second, CleanupInterval: time.Hour}, clk)
	defer c.Close()

	key := Key("binance", "BTC/USDT", canonical.TypeTrade)
	c.Put(key, rec("binance", 1))

	clk.Advance(20 * time.Second)
	require.False(t, c.Has(key))
	require.Empty(t, c.Get(key, GetOptions{}))
}

func TestLatest_ReturnsMostRecentOnly(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	c := New(Config{TTL: time.Hour, CleanupInterval: time.Hour}, clk)
	defer c.Close()

	key := Key("binance", "BTC/USDT", canonical.TypeTrade)
	c.Put(key, rec("binance", 1))
	c.Put(key, rec("binance", 2))

	latest, ok := c.Latest(key)
	require.True(t, ok)
	require.Equal(t, int64(baseMs+2), latest.EventTimestampMs)
}

func TestDeleteAndClear(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	c := New(Config{TTL: time.Hour, CleanupInterval: time.Hour}, clk)
	defer c.Close()

	k1 := Key("binance", "BTC/USDT", canonical.TypeTrade)
	k2 := Key("kraken", "ETH/USDT", canonical.TypeTrade)
	c.Put(k1, rec("binance", 1))
	c.Put(k2, rec("kraken", 1))

	c.Delete(k1)
	require.False(t, c.Has(k1))
	require.True(t, c.Has(k2))

	c.Clear()
	require.Empty(t, c.Keys())
}

func TestHealthy_FalseWhenOverMemoryCap(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	c := New(Config{TTL: time.Hour, CleanupInterval: time.Hour, MemoryCapBytes: 100}, clk)
	defer c.Close()

	key := Key("binance", "BTC/USDT", canonical.TypeTrade)
	for i := 0; i < 10; i++ {
		c.Put(key, rec("binance", int64(i)))
	}
	require.False(t, c.Healthy())
}
