package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meteo-x/marketfeed/internal/adapter"
	"github.com/meteo-x/marketfeed/internal/cache"
	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/connection"
	"github.com/meteo-x/marketfeed/internal/router"
	"github.com/meteo-x/marketfeed/internal/wsconn"
)

func newTestSurface(t *testing.T) (*Surface, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	dialer := wsconn.NewFakeDialer()
	rtr := router.New(clk)
	c := cache.New(cache.Config{}, clk)
	t.Cleanup(c.Close)

	rtr.Register(router.ChannelConfig{Name: "cache"}, c.Sink())

	f := adapter.New(adapter.Config{
		Exchange:                "binance",
		BaseURL:                 "wss://stream.example.com",
		MaxStreamsPerConnection: 5,
		ConnectionConfig: connection.Config{
			HeartbeatTimeout: 3 * time.Second,
			DebounceInterval: 5 * time.Millisecond,
		},
	}, dialer, clk, rtr)

	s := New(map[string]*adapter.Facade{"binance": f}, rtr, c, nil, clk)
	return s, clk
}

func TestAddSubscription_CreatesSubscriptionVisibleInList(t *testing.T) {
	s, _ := newTestSurface(t)

	res := s.AddSubscription(context.Background(), "binance", "BTC/USDT", []canonical.Type{canonical.TypeTrade})
	require.True(t, res.Success)

	rows := s.Subscriptions(SubscriptionFilter{Exchange: "binance"})
	require.Len(t, rows, 1)
	require.Equal(t, "BTC/USDT", rows[0].Symbol)
}

func TestAddSubscription_UnknownExchangeFails(t *testing.T) {
	s, _ := newTestSurface(t)
	res := s.AddSubscription(context.Background(), "nope", "BTC/USDT", []canonical.Type{canonical.TypeTrade})
	require.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
}

func TestRemoveSubscription_RemovesMatchingSymbol(t *testing.T) {
	s, _ := newTestSurface(t)
	s.AddSubscription(context.Background(), "binance", "BTC/USDT", []canonical.Type{canonical.TypeTrade})

	res := s.RemoveSubscription(context.Background(), "binance", "BTC/USDT")
	require.True(t, res.Success)
	require.Empty(t, s.Subscriptions(SubscriptionFilter{Exchange: "binance"}))
}

func TestTogglePublication_NoPublisherConfiguredFails(t *testing.T) {
	s, _ := newTestSurface(t)
	res := s.TogglePublication(context.Background(), false, "maintenance")
	require.False(t, res.Success)
}

func TestStats_AggregatesAdapterRouterCache(t *testing.T) {
	s, _ := newTestSurface(t)
	s.AddSubscription(context.Background(), "binance", "BTC/USDT", []canonical.Type{canonical.TypeTrade})

	stats := s.Stats()
	require.Contains(t, stats.Adapters, "binance")
	require.Contains(t, stats.Router, "cache")
}

func TestSubscribeFeed_ReceivesSnapshotOnTick(t *testing.T) {
	s, clk := newTestSurface(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go s.RunFeed(ctx, time.Second)

	require.Eventually(t, func() bool {
		clk.Advance(time.Second)
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
