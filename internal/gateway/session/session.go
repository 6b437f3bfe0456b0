// Package session maintains the gateway's connection to the hub:
// authentication with one-shot token refresh, reconnection with
// backoff, agent registration, and relaying turns between the hub and
// the local adapters.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/agentim/agentim/internal/gateway/adapter"
	"github.com/agentim/agentim/internal/hub/protocol"
)

// Terminal session failures. Run returns these instead of reconnecting.
var (
	ErrAuthRejected     = errors.New("hub rejected gateway credentials")
	ErrProtocolMismatch = errors.New("hub speaks an incompatible protocol version")
)

// mismatchExitDelay gives the hub's close frame time to land before a
// protocol-mismatch exit.
const mismatchExitDelay = 2 * time.Second

const (
	pingInterval = 30 * time.Second
	maxQueued    = 256
)

// RefreshFn exchanges a refresh token for a new token pair.
type RefreshFn func(ctx context.Context, refreshToken string) (access, refresh string, err error)

// Options configures a Session.
type Options struct {
	ServerURL string
	GatewayID string
	Token     string
	// RefreshToken enables the one-shot re-auth on token expiry.
	RefreshToken string
	// Ephemeral gateways exit once their last agent is removed.
	Ephemeral bool
	Version   string

	Manager *adapter.Manager
	// Dial defaults to DialWebSocket.
	Dial Dialer
	// Refresh is called at most once per connection when auth fails.
	Refresh RefreshFn
	// OnTokenRefresh persists a refreshed token pair.
	OnTokenRefresh func(access, refresh string)
	// OnAuthenticated fires after the hub accepts the handshake.
	OnAuthenticated func(isReconnect bool)
}

// Session is the long-running hub connection loop.
type Session struct {
	opts Options

	mu            sync.Mutex
	connID        uint64
	conn          Conn
	authenticated bool
	hasRefreshed  bool
	refreshing    bool
	token         string
	refreshToken  string
	queue         [][]byte
	noReconnect   bool
	fatal         error

	// roomContexts caches hub-pushed room state for prompt assembly.
	roomContexts map[string]protocol.ServerRoomContext

	permMu   sync.Mutex
	permWait map[string]chan string

	exitOnce sync.Once
	exitCh   chan struct{}
}

func New(opts Options) *Session {
	if opts.Dial == nil {
		opts.Dial = DialWebSocket
	}
	s := &Session{
		opts:         opts,
		token:        opts.Token,
		refreshToken: opts.RefreshToken,
		roomContexts: make(map[string]protocol.ServerRoomContext),
		permWait:     make(map[string]chan string),
		exitCh:       make(chan struct{}),
	}
	if opts.Ephemeral {
		opts.Manager.OnEmpty = s.requestExit
	}
	return s
}

// requestExit ends Run. The active connection is closed so the read
// loop unblocks; Run then sees the exit request instead of
// reconnecting.
func (s *Session) requestExit() {
	s.exitOnce.Do(func() { close(s.exitCh) })
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Run connects and reconnects until the context ends, a terminal
// failure occurs, or an ephemeral session runs out of agents. The
// returned error is nil for a clean exit.
func (s *Session) Run(ctx context.Context) error {
	bo := newDefaultBackoff()
	for {
		start := time.Now()
		err := s.runConn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-s.exitCh:
			slog.Info("all agents removed, exiting")
			return nil
		default:
		}

		s.mu.Lock()
		fatal := s.fatal
		noReconnect := s.noReconnect
		s.mu.Unlock()
		if fatal != nil {
			return fatal
		}
		if noReconnect {
			return err
		}

		if time.Since(start) >= resetThreshold {
			bo.Reset()
		}
		interval := bo.NextBackOff()
		slog.Warn("disconnected from hub, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// runConn owns one socket: dial, authenticate, read until it drops.
func (s *Session) runConn(ctx context.Context) error {
	conn, err := s.opts.Dial(ctx, s.opts.ServerURL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.connID++
	id := s.connID
	s.conn = conn
	s.authenticated = false
	s.hasRefreshed = false
	s.refreshing = false
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		if s.connID == id {
			s.conn = nil
			s.authenticated = false
		}
		s.mu.Unlock()
	}()

	if err := s.sendAuth(ctx, conn); err != nil {
		return err
	}

	go s.pingLoop(ctx, conn)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := s.handleFrame(ctx, id, data); err != nil {
			return err
		}
	}
}

func (s *Session) sendAuth(ctx context.Context, conn Conn) error {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	hostname, _ := os.Hostname()
	frame, err := protocol.Encode(protocol.GatewayAuth{
		Type:            protocol.TypeGatewayAuth,
		Token:           token,
		GatewayID:       s.opts.GatewayID,
		ProtocolVersion: protocol.Version,
		DeviceInfo: protocol.DeviceInfo{
			Hostname: hostname,
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			Version:  s.opts.Version,
		},
		Ephemeral: s.opts.Ephemeral,
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, frame)
}

func (s *Session) pingLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

// Send writes a frame, queueing it while unauthenticated. Queued
// frames flush in order once the hub accepts the handshake.
func (s *Session) Send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if !s.authenticated || s.conn == nil {
		if len(s.queue) >= maxQueued {
			s.mu.Unlock()
			return fmt.Errorf("send queue full")
		}
		s.queue = append(s.queue, data)
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.mu.Unlock()
	return conn.Write(context.Background(), data)
}

func (s *Session) handleFrame(ctx context.Context, connID uint64, data []byte) error {
	typ, err := protocol.Sniff(data)
	if err != nil {
		slog.Warn("unreadable frame from hub", "error", err)
		return nil
	}

	switch typ {
	case protocol.TypeServerGatewayAuthResult:
		var f protocol.ServerGatewayAuthResult
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		return s.handleAuthResult(ctx, connID, f)

	case protocol.TypeServerError:
		var f protocol.ServerError
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		return s.handleServerError(f)

	case protocol.TypeServerRoomContext:
		var f protocol.ServerRoomContext
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		s.mu.Lock()
		s.roomContexts[f.RoomID] = f
		s.mu.Unlock()

	case protocol.TypeServerSendToAgent:
		var f protocol.ServerSendToAgent
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		go s.runTurn(ctx, f)

	case protocol.TypeServerStopAgent:
		var f protocol.ServerStopAgent
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		if a, ok := s.opts.Manager.Get(f.AgentID); ok {
			slog.Info("stopping agent turn", "agent_id", f.AgentID)
			a.Stop()
		}

	case protocol.TypeServerRemoveAgent:
		var f protocol.ServerRemoveAgent
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		// The unregister frame goes out before the removal: on an
		// ephemeral gateway removing the last agent closes the socket.
		if _, ok := s.opts.Manager.Get(f.AgentID); ok {
			_ = s.Send(protocol.GatewayUnregisterAgent{
				Type:    protocol.TypeGatewayUnregisterAgent,
				AgentID: f.AgentID,
			})
			s.opts.Manager.Remove(f.AgentID)
		}

	case protocol.TypeServerPermissionResp:
		var f protocol.ServerPermissionResponse
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		s.resolvePermission(f.RequestID, f.Decision)

	case protocol.TypeServerAgentCommand:
		var f protocol.ServerAgentCommand
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		s.handleAgentCommand(f)

	case protocol.TypeServerQueryAgentInfo:
		var f protocol.ServerQueryAgentInfo
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		if a, ok := s.opts.Manager.Get(f.AgentID); ok {
			_ = s.Send(protocol.GatewayRegisterAgent{
				Type:  protocol.TypeGatewayRegisterAgent,
				Agent: a.Info(),
			})
		}

	case protocol.TypeServerSpawnAgent:
		var f protocol.ServerSpawnAgent
		if err := protocol.Decode(data, &f); err != nil {
			return err
		}
		s.handleSpawnAgent(f)

	default:
		slog.Warn("unhandled hub frame", "type", typ)
	}
	return nil
}

func (s *Session) handleAuthResult(ctx context.Context, connID uint64, f protocol.ServerGatewayAuthResult) error {
	if f.OK {
		s.mu.Lock()
		s.authenticated = true
		queued := s.queue
		s.queue = nil
		conn := s.conn
		s.mu.Unlock()

		slog.Info("authenticated with hub", "gateway_id", s.opts.GatewayID)
		for _, data := range queued {
			if err := conn.Write(ctx, data); err != nil {
				return err
			}
		}
		s.registerAgents()
		if s.opts.OnAuthenticated != nil {
			s.opts.OnAuthenticated(s.opts.Manager.Count() > 0)
		}
		return nil
	}

	s.mu.Lock()
	canRefresh := !s.hasRefreshed && !s.refreshing && s.refreshToken != "" && s.opts.Refresh != nil
	if canRefresh {
		s.refreshing = true
	}
	refreshToken := s.refreshToken
	s.mu.Unlock()

	if !canRefresh {
		slog.Error("hub rejected credentials", "reason", f.Reason)
		s.setFatal(ErrAuthRejected)
		return ErrAuthRejected
	}

	slog.Info("access token rejected, attempting refresh")
	go s.refreshAndReauth(ctx, connID, refreshToken)
	return nil
}

// refreshAndReauth runs the one-shot token refresh. The connection id
// captured at dispatch time guards against authenticating a socket
// that was replaced while the refresh was in flight.
func (s *Session) refreshAndReauth(ctx context.Context, connID uint64, refreshToken string) {
	access, refresh, err := s.opts.Refresh(ctx, refreshToken)

	s.mu.Lock()
	if s.connID != connID {
		s.mu.Unlock()
		return
	}
	s.refreshing = false
	s.hasRefreshed = true
	if err == nil {
		s.token = access
		s.refreshToken = refresh
	}
	conn := s.conn
	s.mu.Unlock()

	if err != nil {
		slog.Error("token refresh failed", "error", err)
		s.setFatal(ErrAuthRejected)
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if s.opts.OnTokenRefresh != nil {
		s.opts.OnTokenRefresh(access, refresh)
	}
	if conn != nil {
		if err := s.sendAuth(ctx, conn); err != nil {
			slog.Error("re-auth after refresh failed", "error", err)
			_ = conn.Close()
		}
	}
}

func (s *Session) handleServerError(f protocol.ServerError) error {
	if f.Code == protocol.CodeProtocolVersionMismatch {
		slog.Error("protocol version mismatch, upgrade this gateway", "message", f.Message)
		s.setFatal(ErrProtocolMismatch)
		time.Sleep(mismatchExitDelay)
		return ErrProtocolMismatch
	}
	slog.Warn("error from hub", "code", f.Code, "message", f.Message)
	return nil
}

func (s *Session) setFatal(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.noReconnect = true
	s.mu.Unlock()
}

// registerAgents announces every local adapter, used on first auth and
// again after every reconnect.
func (s *Session) registerAgents() {
	for _, info := range s.opts.Manager.List() {
		_ = s.Send(protocol.GatewayRegisterAgent{
			Type:  protocol.TypeGatewayRegisterAgent,
			Agent: info,
		})
	}
}

func (s *Session) handleAgentCommand(f protocol.ServerAgentCommand) {
	a, ok := s.opts.Manager.Get(f.AgentID)
	if !ok {
		return
	}
	switch f.Command {
	case "stop":
		a.Stop()
	default:
		slog.Warn("unknown agent command", "agent_id", f.AgentID, "command", f.Command)
	}
}

func (s *Session) handleSpawnAgent(f protocol.ServerSpawnAgent) {
	a, err := adapter.New(adapter.Settings{
		ID:        f.Agent.ID,
		Name:      f.Agent.Name,
		AgentType: f.Agent.AgentType,
		WorkDir:   f.Agent.WorkDir,
	})
	if err != nil {
		slog.Error("cannot spawn agent", "agent_type", f.Agent.AgentType, "error", err)
		return
	}
	s.opts.Manager.Register(a)
	_ = s.Send(protocol.GatewayRegisterAgent{
		Type:  protocol.TypeGatewayRegisterAgent,
		Agent: a.Info(),
	})
}

// RequestPermission asks the hub for a tool-use approval and blocks
// until a decision, expiry, or context end. Returns the decision
// string ("allow" or "deny").
func (s *Session) RequestPermission(ctx context.Context, req protocol.GatewayPermissionRequest) (string, error) {
	req.Type = protocol.TypeGatewayPermissionRequest
	ch := make(chan string, 1)
	s.permMu.Lock()
	s.permWait[req.RequestID] = ch
	s.permMu.Unlock()
	defer func() {
		s.permMu.Lock()
		delete(s.permWait, req.RequestID)
		s.permMu.Unlock()
	}()

	if err := s.Send(req); err != nil {
		return "", err
	}
	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) resolvePermission(requestID, decision string) {
	s.permMu.Lock()
	ch, ok := s.permWait[requestID]
	delete(s.permWait, requestID)
	s.permMu.Unlock()
	if ok {
		ch <- decision
	}
}
