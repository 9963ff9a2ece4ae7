package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/errs"
)

type fakePool struct {
	nextConn   string
	assignErr  error
	addErr     map[string]error // connID -> error
	removeErr  map[string]error
	streams    map[string]map[string]bool // connID -> streamName set
	assignCalls int
}

func newFakePool(defaultConn string) *fakePool {
	return &fakePool{
		nextConn: defaultConn,
		addErr:   make(map[string]error),
		removeErr: make(map[string]error),
		streams:  make(map[string]map[string]bool),
	}
}

func (p *fakePool) AssignConnection(streamName string) (string, error) {
	p.assignCalls++
	if p.assignErr != nil {
		return "", p.assignErr
	}
	return p.nextConn, nil
}

func (p *fakePool) AddStream(connID, streamName string) error {
	if err := p.addErr[connID]; err != nil {
		return err
	}
	if p.streams[connID] == nil {
		p.streams[connID] = make(map[string]bool)
	}
	p.streams[connID][streamName] = true
	return nil
}

func (p *fakePool) RemoveStream(connID, streamName string) error {
	if err := p.removeErr[connID]; err != nil {
		return err
	}
	delete(p.streams[connID], streamName)
	return nil
}

func newTestManager(pool ConnectionPool) *Manager {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	return New(Config{}, pool, clk)
}

func TestSubscribe_SucceedsAndIsIdempotent(t *testing.T) {
	pool := newFakePool("conn-1")
	m := newTestManager(pool)

	req := Request{Exchange: "binance", Symbol: "BTCUSDT", Type: canonical.TypeTrade, StreamName: "btcusdt@trade"}
	res := m.Subscribe([]Request{req})
	require.Len(t, res.Succeeded, 1)
	require.Equal(t, "conn-1", res.Succeeded[0].ConnectionID)
	require.Equal(t, StatusActive, res.Succeeded[0].Status)

	res2 := m.Subscribe([]Request{req})
	require.Len(t, res2.Existing, 1)
	require.Empty(t, res2.Succeeded)
}

func TestSubscribe_InvalidSymbolRejected(t *testing.T) {
	pool := newFakePool("conn-1")
	m := newTestManager(pool)

	req := Request{Exchange: "binance", Symbol: "btc-usdt", Type: canonical.TypeTrade, StreamName: "x"}
	res := m.Subscribe([]Request{req})
	require.Len(t, res.Failed, 1)
	require.True(t, errs.Is(res.Failed[0].Err, errs.KindValidation))
}

func TestSubscribe_DisabledTypeRejected(t *testing.T) {
	pool := newFakePool("conn-1")
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	m := New(Config{DisabledTypes: map[canonical.Type]bool{canonical.TypeDepth: true}}, pool, clk)

	req := Request{Exchange: "binance", Symbol: "BTCUSDT", Type: canonical.TypeDepth, StreamName: "btcusdt@depth"}
	res := m.Subscribe([]Request{req})
	require.Len(t, res.Failed, 1)
}

func TestUnsubscribeThenSubscribe_RoundTripIsIdentity(t *testing.T) {
	pool := newFakePool("conn-1")
	m := newTestManager(pool)

	req := Request{Exchange: "binance", Symbol: "BTCUSDT", Type: canonical.TypeTrade, StreamName: "btcusdt@trade"}
	res := m.Subscribe([]Request{req})
	id := res.Succeeded[0].ID

	unres := m.Unsubscribe([]string{id})
	require.Len(t, unres.Succeeded, 1)
	require.Empty(t, m.Get(Filter{}))

	res2 := m.Subscribe([]Request{req})
	require.Len(t, res2.Succeeded, 1)
	require.Equal(t, id, res2.Succeeded[0].ID) // IDs are deterministic from (exchange, symbol, type)
}

func TestMigrate_MovesActiveStreamsAndRoundTripsToIdentity(t *testing.T) {
	pool := newFakePool("conn-A")
	m := newTestManager(pool)

	req := Request{Exchange: "binance", Symbol: "BTCUSDT", Type: canonical.TypeTrade, StreamName: "btcusdt@trade"}
	m.Subscribe([]Request{req})

	err := m.Migrate("conn-A", "conn-B")
	require.NoError(t, err)
	subs := m.Get(Filter{ConnectionID: "conn-B"})
	require.Len(t, subs, 1)
	require.Equal(t, StatusActive, subs[0].Status)

	err = m.Migrate("conn-B", "conn-A")
	require.NoError(t, err)
	require.Len(t, m.Get(Filter{ConnectionID: "conn-A"}), 1)
}

func TestMigrate_RollsBackOnTargetFailure(t *testing.T) {
	pool := newFakePool("conn-A")
	m := newTestManager(pool)

	req := Request{Exchange: "binance", Symbol: "BTCUSDT", Type: canonical.TypeTrade, StreamName: "btcusdt@trade"}
	m.Subscribe([]Request{req})

	pool.addErr["conn-B"] = errs.New(errs.KindTransport, nil)
	err := m.Migrate("conn-A", "conn-B")
	require.Error(t, err)

	subs := m.Get(Filter{})
	require.Len(t, subs, 1)
	require.Equal(t, "conn-A", subs[0].ConnectionID)
	require.Equal(t, StatusActive, subs[0].Status)
}

func TestHandleStreamData_IncrementsCountersAndRate(t *testing.T) {
	pool := newFakePool("conn-1")
	m := newTestManager(pool)

	req := Request{Exchange: "binance", Symbol: "BTCUSDT", Type: canonical.TypeTrade, StreamName: "btcusdt@trade"}
	m.Subscribe([]Request{req})

	m.HandleStreamData("btcusdt@trade", "conn-1")
	m.HandleStreamData("btcusdt@trade", "conn-1")
	m.HandleStreamError("btcusdt@trade", "conn-1")

	subs := m.Get(Filter{})
	require.Equal(t, int64(2), subs[0].MessageCount)
	require.Equal(t, int64(1), subs[0].ErrorCount)

	snap := m.Stats()
	require.Equal(t, 1, snap.TotalByStatus[StatusActive])
	require.Greater(t, snap.MessageRatePerSec, 0.0)
}

func TestSubscribe_CapacityExhausted(t *testing.T) {
	pool := newFakePool("conn-1")
	pool.assignErr = errs.New(errs.KindCapacityExhausted, nil)
	m := newTestManager(pool)

	req := Request{Exchange: "binance", Symbol: "BTCUSDT", Type: canonical.TypeTrade, StreamName: "btcusdt@trade"}
	res := m.Subscribe([]Request{req})
	require.Empty(t, res.Succeeded)
	require.Len(t, res.Failed, 1)
	require.True(t, errs.Is(res.Failed[0].Err, errs.KindCapacityExhausted))

	subs := m.Get(Filter{Status: StatusPending})
	require.Len(t, subs, 1)
}
