package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/connection"
	"github.com/meteo-x/marketfeed/internal/router"
	"github.com/meteo-x/marketfeed/internal/wsconn"
)

func newTestFacade(t *testing.T) (*Facade, *wsconn.FakeDialer, *router.Router) {
	t.Helper()
	dialer := wsconn.NewFakeDialer()
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	rtr := router.New(clk)
	f := New(Config{
		Exchange:                "binance",
		BaseURL:                 "wss://stream.example.com",
		MaxStreamsPerConnection: 2,
		ConnectionConfig: connection.Config{
			HeartbeatTimeout: 3 * time.Second,
			DebounceInterval: 5 * time.Millisecond,
		},
	}, dialer, clk, rtr)
	return f, dialer, rtr
}

func TestStreamName_MatchesExchangeConvention(t *testing.T) {
	require.Equal(t, "btcusdt@trade", StreamName("BTC/USDT", canonical.TypeTrade))
	require.Equal(t, "btcusdt@kline_1m", StreamName("BTC/USDT", canonical.TypeKline1m))
	require.Equal(t, "btcusdt@depth", StreamName("BTC/USDT", canonical.TypeDepth))
}

func TestSubscribe_AssignsConnectionAndRoutesMessages(t *testing.T) {
	f, dialer, rtr := newTestFacade(t)

	delivered := make(chan canonical.Record, 10)
	rtr.Register(router.ChannelConfig{Name: "test", Capacity: 10}, func(rec canonical.Record) router.Result {
		delivered <- rec
		return router.Result{Success: true}
	})

	res := f.Subscribe([]string{"BTC/USDT"}, []canonical.Type{canonical.TypeTrade})
	require.Len(t, res.Succeeded, 1)
	connID := res.Succeeded[0].ConnectionID
	require.NotEmpty(t, connID)

	url := "wss://stream.example.com/stream?streams=btcusdt@trade"
	// The stream reaches the socket once the CM's debounce interval passes.
	var conn *wsconn.FakeConn
	require.Eventually(t, func() bool {
		conn = dialer.ConnFor(url)
		return conn != nil
	}, time.Second, time.Millisecond)

	conn.Push([]byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000000,"s":"BTCUSDT","t":1,"p":"100.0","q":"1.0","T":1700000000000,"m":false}}`))

	select {
	case rec := <-delivered:
		require.Equal(t, canonical.TypeTrade, rec.Type)
		require.Equal(t, "BTC/USDT", rec.Symbol)
	case <-time.After(time.Second):
		t.Fatal("record was not routed within timeout")
	}
}

func TestAssignConnection_ReusesSpareCapacityBeforeOpeningNew(t *testing.T) {
	f, _, _ := newTestFacade(t)

	id1, err := f.AssignConnection("a@trade")
	require.NoError(t, err)
	id2, err := f.AssignConnection("b@trade")
	require.NoError(t, err)
	require.Equal(t, id1, id2) // second stream fits under MaxStreamsPerConnection=2

	require.NoError(t, f.AddStream(id1, "a@trade"))
	require.NoError(t, f.AddStream(id1, "b@trade"))

	f.mu.RLock()
	cm := f.conns[id1]
	f.mu.RUnlock()
	require.Eventually(t, func() bool {
		return len(cm.ActiveStreams()) == 2
	}, time.Second, time.Millisecond)

	id3, err := f.AssignConnection("c@trade")
	require.NoError(t, err)
	require.NotEqual(t, id1, id3) // first connection now full, a new one opens
}
