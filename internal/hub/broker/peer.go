package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// outboundQueueSize is the per-connection send buffer. A peer that
// cannot drain this many frames is considered stuck and loses frames
// rather than stalling the hub.
const outboundQueueSize = 256

// writeTimeout bounds a single frame write to a peer.
const writeTimeout = 10 * time.Second

var errPeerClosed = errors.New("peer closed")

// peer owns the write side of one WebSocket connection. All sends go
// through a buffered channel drained by a single writer goroutine, so
// Send never blocks on the network and is safe from any goroutine.
type peer struct {
	conn  *websocket.Conn
	out   chan []byte
	stop  chan struct{}
	done  chan struct{}
	label string
}

func newPeer(conn *websocket.Conn, label string) *peer {
	p := &peer{
		conn:  conn,
		out:   make(chan []byte, outboundQueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		label: label,
	}
	go p.writeLoop()
	return p
}

// Send enqueues a frame. A full queue drops the frame and reports an
// error so callers can count it; the connection itself is left to the
// read loop's liveness handling.
func (p *peer) Send(data []byte) error {
	select {
	case <-p.stop:
		return errPeerClosed
	default:
	}

	select {
	case p.out <- data:
		return nil
	default:
		slog.Warn("outbound queue full, dropping frame", "peer", p.label)
		return errors.New("outbound queue full")
	}
}

// close stops the writer. Safe to call more than once is not required;
// callers invoke it exactly once from the read loop's defer.
func (p *peer) close() {
	close(p.stop)
	<-p.done
}

func (p *peer) writeLoop() {
	defer close(p.done)

	for {
		select {
		case <-p.stop:
			return
		case data := <-p.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := p.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("peer write failed", "peer", p.label, "error", err)
				return
			}
		}
	}
}
