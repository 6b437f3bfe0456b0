package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agentim/agentim/internal/hub/connreg"
	"github.com/agentim/agentim/internal/hub/protocol"
	"github.com/agentim/agentim/internal/metrics"
)

// WebSocket close codes.
const (
	wsCloseUnauthorized   = 4001
	wsCloseInvalidRequest = 4002
)

// authDeadline is how long a freshly accepted socket has to send its
// auth frame before being dropped.
const authDeadline = 10 * time.Second

// readLimit is the WebSocket read cap. It sits above the protocol frame
// cap so an oversize frame is still readable and can be answered with a
// proper error frame instead of an abrupt close.
const readLimit = protocol.MaxFrameSize + 4096

// ClientHandler serves client connections over WebSocket.
//
// Protocol:
//  1. Client opens a WebSocket and sends client:auth as a text frame
//     within 10 seconds.
//  2. Frames flow in both directions as JSON text frames; the inbound
//     set is the client frame types.
//  3. The server closes with 1000 on shutdown.
func (b *Broker) ClientHandler(shutdownCh <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown(shutdownCh) {
			http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Debug("ws/client: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()
		conn.SetReadLimit(readLimit)

		metrics.ClientConnectionsActive.Inc()
		defer metrics.ClientConnectionsActive.Dec()

		p := newPeer(conn, "client")
		defer p.close()

		c := connreg.NewClient(p)
		defer b.ClientClosed(c)

		b.readLoop(r.Context(), conn, func(ctx context.Context, frameType string, data []byte) error {
			return b.DispatchClient(ctx, c, frameType, data)
		}, func() bool { return c.UserID != "" })
	})
}

// GatewayHandler serves gateway connections over WebSocket. Same wire
// shape as ClientHandler with the gateway frame set; agent state is
// cascaded when the socket drops.
func (b *Broker) GatewayHandler(shutdownCh <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown(shutdownCh) {
			http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Debug("ws/gateway: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()
		conn.SetReadLimit(readLimit)

		metrics.GatewayConnectionsActive.Inc()
		defer metrics.GatewayConnectionsActive.Dec()

		p := newPeer(conn, "gateway")
		defer p.close()

		g := connreg.NewGateway(p)
		defer b.GatewayClosed(context.WithoutCancel(r.Context()), g)

		b.readLoop(r.Context(), conn, func(ctx context.Context, frameType string, data []byte) error {
			return b.DispatchGateway(ctx, g, frameType, data)
		}, func() bool { return g.UserID != "" })
	})
}

// readLoop reads frames until the socket drops, the dispatcher asks for
// a close, or the unauthenticated deadline passes.
func (b *Broker) readLoop(
	ctx context.Context,
	conn *websocket.Conn,
	dispatch func(ctx context.Context, frameType string, data []byte) error,
	authenticated func() bool,
) {
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if !authenticated() {
			readCtx, cancel = context.WithTimeout(ctx, authDeadline)
		}
		typ, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			slog.Debug("ws read ended", "error", err)
			return
		}
		if typ != websocket.MessageText {
			_ = conn.Close(websocket.StatusCode(wsCloseInvalidRequest), "expected text frames")
			return
		}

		frameType, err := protocol.Sniff(data)
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			// Report and keep the connection; the sender may behave on
			// the next frame.
			errFrame, _ := protocol.Encode(protocol.ServerError{
				Type:    protocol.TypeServerError,
				Code:    protocol.CodeMessageTooLarge,
				Message: "frame exceeds 64KiB",
			})
			metrics.FrameErrorsTotal.WithLabelValues(protocol.CodeMessageTooLarge).Inc()
			_ = conn.Write(ctx, websocket.MessageText, errFrame)
			continue
		}
		if err != nil {
			_ = conn.Close(websocket.StatusCode(wsCloseInvalidRequest), "malformed frame")
			return
		}

		if err := dispatch(ctx, frameType, data); err != nil {
			if errors.Is(err, errCloseConnection) {
				_ = conn.Close(websocket.StatusCode(wsCloseUnauthorized), "")
				return
			}
			slog.Debug("dispatch failed", "type", frameType, "error", err)
			return
		}
	}
}

func shuttingDown(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
