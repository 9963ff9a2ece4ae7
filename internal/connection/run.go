package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/meteo-x/marketfeed/internal/errs"
	"github.com/meteo-x/marketfeed/internal/wsconn"
)

type readerMsg struct {
	data []byte
	err  error
}

// run is the Manager's single long-lived task: it owns the socket, the
// reader goroutine that feeds it, and every state transition. No other
// goroutine ever mutates activeStreams, conn, or state directly (spec §5).
func (m *Manager) run(ctx context.Context, connected chan<- error) {
	defer close(m.done)

	debounce := time.NewTimer(m.cfg.DebounceInterval)
	if !debounce.Stop() {
		<-debounce.C
	}
	debouncePending := false

	heartbeat := m.clock.NewTicker(m.cfg.HeartbeatTimeout / 3)
	defer heartbeat.Stop()

	readerCh := make(chan readerMsg, 256)
	var readerGen int64

	err := m.dialAndSwap(ctx, readerCh, &readerGen)
	connected <- err
	if err != nil {
		m.setState(StateIdle, StateError)
	}

	for {
		select {
		case <-ctx.Done():
			m.closeConn()
			m.setState(m.State(), StateDisconnected)
			return

		case cmd := <-m.commandCh:
			switch cmd.kind {
			case cmdAddStream:
				m.mu.Lock()
				if _, ok := m.intent[cmd.name]; !ok {
					m.intent[cmd.name] = struct{}{}
					debouncePending = true
				}
				m.mu.Unlock()
				cmd.reply <- nil
			case cmdRemoveStream:
				m.mu.Lock()
				if _, ok := m.intent[cmd.name]; ok {
					delete(m.intent, cmd.name)
					debouncePending = true
				}
				m.mu.Unlock()
				cmd.reply <- nil
			case cmdSend:
				cmd.reply <- m.writeNow(ctx, wsconn.TextMessage, cmd.data)
			case cmdReconnect:
				cmd.reply <- m.forceReconnect(ctx, readerCh, &readerGen)
			}
			if debouncePending {
				debounce.Reset(m.cfg.DebounceInterval)
				debouncePending = false
			}

		case <-debounce.C:
			if m.streamSetChanged() {
				if err := m.forceReconnect(ctx, readerCh, &readerGen); err != nil {
					m.emit(Event{Kind: EventError, ErrKind: errs.KindTransport, Err: err})
				}
			}

		case <-heartbeat.C():
			if m.State() == StateConnected {
				if m.frameStale() {
					m.emit(Event{Kind: EventError, ErrKind: errs.KindHeartbeatTimeout, Err: fmt.Errorf("no frame received within heartbeat_timeout")})
					if err := m.forceReconnect(ctx, readerCh, &readerGen); err != nil {
						m.emit(Event{Kind: EventError, ErrKind: errs.KindTransport, Err: err})
					}
					continue
				}
				if err := m.sendPing(); err != nil {
					m.emit(Event{Kind: EventError, ErrKind: errs.KindHeartbeatTimeout, Err: err})
				}
			}

		case rm := <-readerCh:
			m.touchFrame()
			if rm.err != nil {
				m.handleReadError(ctx, readerCh, &readerGen, rm.err)
				continue
			}
			name := extractStreamName(rm.data)
			m.mu.Lock()
			m.metrics.MessagesRecv++
			m.metrics.BytesRecv += int64(len(rm.data))
			m.mu.Unlock()
			if m.reg != nil {
				m.reg.MessagesReceived.WithLabelValues(m.exchange, m.id).Inc()
				m.reg.BytesReceived.WithLabelValues(m.exchange, m.id).Add(float64(len(rm.data)))
			}
			select {
			case m.rawOut <- RawMessage{ConnID: m.id, StreamName: name, Data: rm.data}:
			default:
				m.emit(Event{Kind: EventError, ErrKind: errs.KindCapacityExhausted, Err: fmt.Errorf("raw message buffer full")})
			}
		}
	}
}

func (m *Manager) streamSetChanged() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.intent) != len(m.activeStreams) {
		return true
	}
	for s := range m.intent {
		if _, ok := m.activeStreams[s]; !ok {
			return true
		}
	}
	return false
}

// dialAndSwap dials using the current intent set and, on success, spawns a
// fresh reader goroutine and marks those streams active.
func (m *Manager) dialAndSwap(ctx context.Context, readerCh chan<- readerMsg, gen *int64) error {
	prev := m.State()
	m.setState(prev, StateConnecting)

	m.mu.RLock()
	streams := make([]string, 0, len(m.intent))
	for s := range m.intent {
		streams = append(streams, s)
	}
	m.mu.RUnlock()
	sort.Strings(streams)

	url := BuildURL(m.cfg.BaseURL, streams)
	conn, err := m.dialer.Dial(ctx, url)
	if err != nil {
		m.setState(StateConnecting, StateError)
		return errs.Wrap(errs.KindTransport, err, map[string]any{"conn_id": m.id, "url": url})
	}

	myGen := atomic.AddInt64(gen, 1)
	conn.SetPingHandler(m.onServerPing(conn))
	conn.SetPongHandler(m.onServerPong())

	m.mu.Lock()
	m.conn = conn
	m.activeStreams = make(map[string]struct{}, len(streams))
	for _, s := range streams {
		m.activeStreams[s] = struct{}{}
	}
	m.mu.Unlock()

	go readLoop(conn, readerCh, myGen, gen)

	m.backoff.Reset()
	m.touchFrame()
	m.setState(StateConnecting, StateConnected)
	return nil
}

// touchFrame records that a frame of any kind (data, ping, or pong) just
// arrived, resetting the heartbeat staleness clock (spec §4.2).
func (m *Manager) touchFrame() {
	m.lastFrameAt.Store(m.clock.Now().UnixNano())
}

// frameStale reports whether no frame of any kind has arrived within
// HeartbeatTimeout, in which case the CM must force a reconnect rather than
// rely solely on a read error (a half-open socket may stop delivering
// frames without ever erroring).
func (m *Manager) frameStale() bool {
	last := m.lastFrameAt.Load()
	if last == 0 {
		return false
	}
	return time.Duration(m.clock.Now().UnixNano()-last) > m.cfg.HeartbeatTimeout
}

func readLoop(conn wsconn.Conn, out chan<- readerMsg, myGen int64, current *int64) {
	for {
		_, data, err := conn.ReadMessage()
		if atomic.LoadInt64(current) != myGen {
			return // superseded by a reconnect; stop feeding a stale channel
		}
		out <- readerMsg{data: data, err: err}
		if err != nil {
			return
		}
	}
}

func (m *Manager) closeConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) forceReconnect(ctx context.Context, readerCh chan<- readerMsg, gen *int64) error {
	from := m.State()
	m.setState(from, StateReconnecting)
	m.emit(Event{Kind: EventReconnecting})
	m.closeConn()

	m.mu.Lock()
	m.metrics.ReconnectAttempts++
	m.mu.Unlock()
	if m.reg != nil {
		m.reg.ReconnectTotal.WithLabelValues(m.exchange, m.id).Inc()
	}

	if err := m.dialAndSwap(ctx, readerCh, gen); err != nil {
		return err
	}
	m.emit(Event{Kind: EventReconnected})
	return nil
}

// handleReadError drives the full reconnect loop after a read failure: it
// keeps redialing with the backoff schedule until a dial succeeds or the
// schedule is exhausted (spec §4.2 "bounded by max_retries, on breach
// transition to terminal error"; spec §8 "N consecutive connect failures ->
// reconnect_attempts == N"). A single failed dial no longer strands the
// connection in StateError with the reader goroutine gone and nothing left
// to redrive it.
func (m *Manager) handleReadError(ctx context.Context, readerCh chan<- readerMsg, gen *int64, readErr error) {
	m.emit(Event{Kind: EventError, ErrKind: errs.KindTransport, Err: readErr})
	m.setState(m.State(), StateReconnecting)
	m.closeConn()

	for {
		delay, attempt := m.backoff.NextDelay()
		m.emit(Event{Kind: EventReconnecting, Attempt: attempt})

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(delay):
		}

		m.mu.Lock()
		m.metrics.ReconnectAttempts++
		m.mu.Unlock()
		if m.reg != nil {
			m.reg.ReconnectTotal.WithLabelValues(m.exchange, m.id).Inc()
		}

		if err := m.dialAndSwap(ctx, readerCh, gen); err != nil {
			m.emit(Event{Kind: EventError, ErrKind: errs.KindTransport, Err: err})
			if m.backoff.Exhausted() {
				m.setState(m.State(), StateError)
				return
			}
			continue
		}
		m.emit(Event{Kind: EventReconnected, Attempt: attempt})
		return
	}
}

func (m *Manager) writeNow(ctx context.Context, messageType int, data []byte) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return errs.Wrap(errs.KindTimeout, err, map[string]any{"conn_id": m.id})
	}
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return m.errorf(errs.KindTransport, "not connected")
	}
	if err := conn.WriteMessage(messageType, data); err != nil {
		return errs.Wrap(errs.KindTransport, err, map[string]any{"conn_id": m.id})
	}
	m.mu.Lock()
	m.metrics.BytesSent += int64(len(data))
	m.mu.Unlock()
	return nil
}

// onServerPing replies to the exchange's ping with a byte-exact pong before
// the heartbeat timeout, and records activity for the health check.
func (m *Manager) onServerPing(conn wsconn.Conn) func(string) error {
	return func(payload string) error {
		m.touchFrame()
		m.mu.Lock()
		m.metrics.LastPingTs = m.clock.Now().UnixMilli()
		m.mu.Unlock()
		return conn.WriteControl(wsconn.PongMessage, []byte(payload), m.clock.Now().Add(5*time.Second))
	}
}

var pingEpoch atomic.Int64

// sendPing issues a self-initiated keepalive ping carrying a monotonic
// sequence number so the matching pong can be timed for RTT.
func (m *Manager) sendPing() error {
	seq := pingEpoch.Add(1)
	m.pendingPing.Store(seq)
	m.pendingPingAt.Store(m.clock.Now().UnixNano())

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return m.errorf(errs.KindTransport, "not connected")
	}
	payload := fmt.Sprintf("%d", seq)
	return conn.WriteControl(wsconn.PingMessage, []byte(payload), m.clock.Now().Add(5*time.Second))
}

// onServerPong measures RTT against the most recently sent self-initiated
// ping. Pongs that don't match a pending ping (e.g. stale/duplicate) are
// ignored rather than treated as errors.
func (m *Manager) onServerPong() func(string) error {
	return func(payload string) error {
		m.touchFrame()
		var seq int64
		if _, err := fmt.Sscanf(payload, "%d", &seq); err != nil {
			return nil
		}
		if seq != m.pendingPing.Load() {
			return nil
		}
		sentAt := m.pendingPingAt.Load()
		if sentAt == 0 {
			return nil
		}
		rtt := time.Duration(m.clock.Now().UnixNano() - sentAt)
		m.mu.Lock()
		m.metrics.RTT = rtt
		m.mu.Unlock()
		if m.reg != nil {
			m.reg.HeartbeatRTT.WithLabelValues(m.exchange, m.id).Observe(float64(rtt.Milliseconds()))
		}
		return nil
	}
}

type streamEnvelope struct {
	Stream string `json:"stream"`
}

// extractStreamName reads only the "stream" key of a combined-stream
// envelope without fully decoding the payload, so the CM can route
// RawMessages without depending on the Parser.
func extractStreamName(data []byte) string {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Stream
}
