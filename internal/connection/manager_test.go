package connection

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/errs"
	"github.com/meteo-x/marketfeed/internal/wsconn"
)

func newTestManager(t *testing.T, streams []string) (*Manager, *wsconn.FakeDialer, *clock.Fake) {
	t.Helper()
	dialer := wsconn.NewFakeDialer()
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	m := New(Config{
		BaseURL:          "wss://stream.example.com",
		Streams:          streams,
		HeartbeatTimeout: 3 * time.Second,
		DebounceInterval: 10 * time.Millisecond,
		Backoff: BackoffConfig{
			Initial:    100 * time.Millisecond,
			Multiplier: 2,
			MaxDelay:   2 * time.Second,
			MaxRetries: 3,
		},
	}, dialer, clk)
	return m, dialer, clk
}

// TestConnect_DialsCombinedStreamURL covers spec §4.2's combined-stream URL
// construction on initial connect.
func TestConnect_DialsCombinedStreamURL(t *testing.T) {
	m, dialer, _ := newTestManager(t, []string{"btcusdt@trade", "ethusdt@trade"})
	defer m.Destroy()

	err := m.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateConnected, m.State())

	conn := dialer.ConnFor(BuildURL("wss://stream.example.com", []string{"btcusdt@trade", "ethusdt@trade"}))
	require.NotNil(t, conn)
	require.ElementsMatch(t, []string{"btcusdt@trade", "ethusdt@trade"}, m.ActiveStreams())
}

// TestHeartbeat_ReplyIsByteExact covers spec §8: a server ping must be
// answered with a pong carrying the identical payload, before the heartbeat
// timeout.
func TestHeartbeat_ReplyIsByteExact(t *testing.T) {
	for _, n := range []int{0, 1, 16, 125} {
		m, dialer, _ := newTestManager(t, []string{"btcusdt@trade"})
		require.NoError(t, m.Connect(context.Background()))

		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte('a' + i%26)
		}
		conn := dialer.ConnFor(BuildURL("wss://stream.example.com", []string{"btcusdt@trade"}))
		require.NoError(t, conn.PushPing(payload))

		require.Equal(t, payload, conn.LastSentPong())
		m.Destroy()
	}
}

// TestReconnect_PreservesActiveStreams covers Scenario D: a forced
// reconnect re-dials with the same stream set and leaves it unchanged.
func TestReconnect_PreservesActiveStreams(t *testing.T) {
	m, _, _ := newTestManager(t, []string{"btcusdt@trade"})
	defer m.Destroy()
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.AddStream("ethusdt@trade"))
	time.Sleep(50 * time.Millisecond) // debounce convergence

	require.NoError(t, m.Reconnect())
	require.ElementsMatch(t, []string{"btcusdt@trade", "ethusdt@trade"}, m.ActiveStreams())
	require.Equal(t, StateConnected, m.State())
}

// TestStreamMutation_ConvergesAfterDebounce covers Scenario C: rapid
// add/remove calls within one debounce window leave the active set equal to
// the final intent set once the debounce interval has passed.
func TestStreamMutation_ConvergesAfterDebounce(t *testing.T) {
	m, _, _ := newTestManager(t, []string{"btcusdt@trade"})
	defer m.Destroy()
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.AddStream("ethusdt@trade"))
	require.NoError(t, m.AddStream("bnbusdt@trade"))
	require.NoError(t, m.RemoveStream("ethusdt@trade"))

	time.Sleep(50 * time.Millisecond)
	require.ElementsMatch(t, []string{"btcusdt@trade", "bnbusdt@trade"}, m.ActiveStreams())
}

// TestBackoffSchedule_BoundedByConfig covers spec §8's reconnect-delay
// bound: the n-th delay lies within
// [min(initial*multiplier^(n-1), max_delay), max_delay].
func TestBackoffSchedule_BoundedByConfig(t *testing.T) {
	cfg := BackoffConfig{Initial: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 1 * time.Second, MaxRetries: 10}
	b := NewBackoff(cfg)
	for n := 1; n <= 6; n++ {
		delay, attempt := b.NextDelay()
		require.Equal(t, n, attempt)
		require.LessOrEqual(t, delay, cfg.MaxDelay)
		lower := time.Duration(math.Min(float64(cfg.Initial)*math.Pow(cfg.Multiplier, float64(n-1)), float64(cfg.MaxDelay)))
		require.GreaterOrEqual(t, delay, lower)
	}
	require.False(t, b.Exhausted())
}

// TestReadError_TriggersBackoffReconnect covers the failure path: a read
// error on the socket schedules a reconnect after the backoff delay rather
// than tearing the Manager down.
func TestReadError_TriggersBackoffReconnect(t *testing.T) {
	m, dialer, clk := newTestManager(t, []string{"btcusdt@trade"})
	defer m.Destroy()
	require.NoError(t, m.Connect(context.Background()))

	conn := dialer.ConnFor(BuildURL("wss://stream.example.com", []string{"btcusdt@trade"}))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return m.State() == StateReconnecting || m.State() == StateConnected
	}, time.Second, time.Millisecond)

	clk.Advance(200 * time.Millisecond)

	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, time.Second, time.Millisecond)
}

// TestReadError_ExhaustsRetriesToTerminalError covers spec §8's "N
// consecutive connect failures -> reconnect_attempts == N": with
// max_retries of 1, a read error followed by one failed redial must reach
// the terminal error state rather than retrying forever or stopping silently.
func TestReadError_ExhaustsRetriesToTerminalError(t *testing.T) {
	dialer := wsconn.NewFakeDialer()
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	m := New(Config{
		BaseURL:          "wss://stream.example.com",
		Streams:          []string{"btcusdt@trade"},
		HeartbeatTimeout: 3 * time.Second,
		DebounceInterval: 10 * time.Millisecond,
		Backoff: BackoffConfig{
			Initial:    10 * time.Millisecond,
			Multiplier: 1,
			MaxDelay:   10 * time.Millisecond,
			MaxRetries: 1,
		},
	}, dialer, clk)
	defer m.Destroy()
	require.NoError(t, m.Connect(context.Background()))

	conn := dialer.ConnFor(BuildURL("wss://stream.example.com", []string{"btcusdt@trade"}))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return m.State() == StateReconnecting
	}, time.Second, time.Millisecond)

	dialer.DialErr = fmt.Errorf("dial refused")
	clk.Advance(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		return m.State() == StateError
	}, time.Second, time.Millisecond)
	require.Equal(t, int64(1), m.Metrics().ReconnectAttempts)
}

// TestHeartbeat_StaleConnectionForcesReconnect covers spec §4.2: if no
// frame of any kind arrives within heartbeat_timeout, the CM must force a
// reconnect rather than rely solely on a read error, since a half-open
// socket can stop delivering frames without ever erroring.
func TestHeartbeat_StaleConnectionForcesReconnect(t *testing.T) {
	m, _, clk := newTestManager(t, []string{"btcusdt@trade"})
	defer m.Destroy()
	require.NoError(t, m.Connect(context.Background()))

	events := m.Events()

	clk.Advance(4 * time.Second) // exceeds the 3s heartbeat_timeout with no frames

	var sawStaleError bool
	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			if ev.Kind == EventError && ev.ErrKind == errs.KindHeartbeatTimeout {
				sawStaleError = true
			}
		default:
		}
		return sawStaleError
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, time.Second, time.Millisecond)
}
