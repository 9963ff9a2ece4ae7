package wsconn

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by FakeConn.ReadMessage after Close.
var ErrClosed = errors.New("wsconn: connection closed")

// FakeDialer hands out FakeConns keyed by the URL they were dialed with, so
// tests can inject messages and simulate drops without a real socket.
type FakeDialer struct {
	mu    sync.Mutex
	conns map[string]*FakeConn
	// DialErr, if set, is returned instead of a connection for the next Dial.
	DialErr error
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{conns: make(map[string]*FakeConn)}
}

func (d *FakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		err := d.DialErr
		d.DialErr = nil
		return nil, err
	}
	conn := newFakeConn(url)
	d.conns[url] = conn
	return conn, nil
}

// ConnFor returns the most recently dialed FakeConn for url, if any.
func (d *FakeDialer) ConnFor(url string) *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[url]
}

// FakeConn is an in-memory stand-in for *websocket.Conn.
type FakeConn struct {
	url string

	mu     sync.Mutex
	inbox  chan []byte
	closed bool

	pingHandler func(string) error
	pongHandler func(string) error

	Sent []sentFrame
}

type sentFrame struct {
	Type int
	Data []byte
}

func newFakeConn(url string) *FakeConn {
	return &FakeConn{url: url, inbox: make(chan []byte, 64)}
}

// Push injects a message as if it arrived from the server.
func (c *FakeConn) Push(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.inbox <- data
}

// PushPing injects a server ping frame, invoking the registered handler
// synchronously the way gorilla/websocket's control-frame dispatch does.
func (c *FakeConn) PushPing(payload []byte) error {
	c.mu.Lock()
	h := c.pingHandler
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(string(payload))
}

func (c *FakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.inbox
	if !ok {
		return 0, nil, ErrClosed
	}
	return TextMessage, msg, nil
}

func (c *FakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.Sent = append(c.Sent, sentFrame{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

func (c *FakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	return c.WriteMessage(messageType, data)
}

func (c *FakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongHandler = h
}

func (c *FakeConn) SetPingHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingHandler = h
}

func (c *FakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.inbox)
	return nil
}

// LastSentPong returns the payload of the most recent outbound pong frame,
// or nil if none was sent.
func (c *FakeConn) LastSentPong() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.Sent) - 1; i >= 0; i-- {
		if c.Sent[i].Type == PongMessage {
			return c.Sent[i].Data
		}
	}
	return nil
}
