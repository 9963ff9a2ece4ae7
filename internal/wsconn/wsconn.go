// Package wsconn wraps gorilla/websocket behind a small interface so the
// Connection Manager can be driven by a fake transport in tests (spec §9's
// design note on an injectable WebSocket transport).
package wsconn

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the Connection Manager needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetPingHandler(h func(appData string) error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn to a URL. Production code uses GorillaDialer; tests
// substitute a fake that hands back an in-memory Conn.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaDialer is the production Dialer backed by gorilla/websocket.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

const (
	TextMessage = websocket.TextMessage
	PingMessage = websocket.PingMessage
	PongMessage = websocket.PongMessage
)
