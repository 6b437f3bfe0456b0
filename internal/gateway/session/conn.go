package session

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// Conn is one live socket to the hub. Tests substitute fakes.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a Conn to the given WebSocket URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

type wsConn struct {
	ws *websocket.Conn
}

// DialWebSocket is the production Dialer.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(1024 * 1024)
	return &wsConn{ws: ws}, nil
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected binary frame")
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
