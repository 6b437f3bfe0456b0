// Package broker routes frames between client sockets, gateway sockets,
// and the persistence layer. It owns the room fan-out, the agent turn
// lifecycle, and the pending-permission flow.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentim/agentim/internal/hub/auth"
	"github.com/agentim/agentim/internal/hub/connreg"
	"github.com/agentim/agentim/internal/hub/id"
	"github.com/agentim/agentim/internal/hub/permstore"
	"github.com/agentim/agentim/internal/hub/protocol"
	"github.com/agentim/agentim/internal/hub/store"
	"github.com/agentim/agentim/internal/metrics"
)

// Store is the persistence surface the broker depends on.
type Store interface {
	Room(ctx context.Context, roomID string) (store.Room, error)
	IsMember(ctx context.Context, roomID, memberID string) (bool, error)
	RoomMembers(ctx context.Context, roomID string) ([]protocol.RoomMember, error)
	RoomsForMember(ctx context.Context, memberID string) ([]string, error)
	AppendMessage(ctx context.Context, msg *protocol.Message) error
	RecentMessages(ctx context.Context, roomID string, limit int) ([]protocol.Message, error)
	UpsertAgent(ctx context.Context, a store.Agent) error
	SetAgentOnline(ctx context.Context, agentID string, online bool) error
	UpdateAgentStatus(ctx context.Context, agentID, status string) error
}

// errCloseConnection signals the read loop to drop the socket after the
// current frame was handled (failed auth, protocol mismatch).
var errCloseConnection = errors.New("close connection")

// Broker wires the connection registry, the store, the verifier, and
// the permission store together.
type Broker struct {
	reg      *connreg.Registry
	store    Store
	verifier *auth.Verifier
	perms    *permstore.Store
	turns    *turnTracker

	stop chan struct{}
	done chan struct{}
}

// New creates a Broker and starts its turn sweeper.
func New(reg *connreg.Registry, st Store, verifier *auth.Verifier, perms *permstore.Store) *Broker {
	b := &Broker{
		reg:      reg,
		store:    st,
		verifier: verifier,
		perms:    perms,
		turns:    newTurnTracker(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Close stops the turn sweeper.
func (b *Broker) Close() {
	close(b.stop)
	<-b.done
}

// DispatchClient routes one inbound client frame. A returned
// errCloseConnection tells the read loop to drop the socket.
func (b *Broker) DispatchClient(ctx context.Context, c *connreg.Client, frameType string, data []byte) error {
	metrics.FramesTotal.WithLabelValues("client_in", frameType).Inc()

	if frameType != protocol.TypeClientAuth && c.UserID == "" {
		b.sendError(c.Conn, protocol.CodeUnauthenticated, "authenticate first")
		return errCloseConnection
	}

	switch frameType {
	case protocol.TypeClientAuth:
		return b.handleClientAuth(ctx, c, data)
	case protocol.TypeClientJoinRoom:
		return b.handleJoinRoom(ctx, c, data)
	case protocol.TypeClientLeaveRoom:
		return b.handleLeaveRoom(ctx, c, data)
	case protocol.TypeClientSendMessage:
		return b.handleSendMessage(ctx, c, data)
	case protocol.TypeClientStopGeneration:
		return b.handleStopGeneration(ctx, c, data)
	case protocol.TypeClientPermissionResponse:
		return b.handlePermissionResponse(ctx, c, data)
	case protocol.TypeClientGetHistory:
		return b.handleGetHistory(ctx, c, data)
	default:
		b.sendError(c.Conn, protocol.CodeUnknownType, fmt.Sprintf("unknown frame type %q", frameType))
		return nil
	}
}

// DispatchGateway routes one inbound gateway frame.
func (b *Broker) DispatchGateway(ctx context.Context, g *connreg.Gateway, frameType string, data []byte) error {
	metrics.FramesTotal.WithLabelValues("gateway_in", frameType).Inc()

	if frameType != protocol.TypeGatewayAuth && g.UserID == "" {
		b.sendError(g.Conn, protocol.CodeUnauthenticated, "authenticate first")
		return errCloseConnection
	}

	switch frameType {
	case protocol.TypeGatewayAuth:
		return b.handleGatewayAuth(ctx, g, data)
	case protocol.TypeGatewayRegisterAgent:
		return b.handleRegisterAgent(ctx, g, data)
	case protocol.TypeGatewayUnregisterAgent:
		return b.handleUnregisterAgent(ctx, g, data)
	case protocol.TypeGatewayAgentStatus:
		return b.handleAgentStatus(ctx, g, data)
	case protocol.TypeGatewayMessageChunk:
		return b.handleMessageChunk(ctx, g, data)
	case protocol.TypeGatewayMessageComplete:
		return b.handleMessageComplete(ctx, g, data)
	case protocol.TypeGatewayTurnFailed:
		return b.handleTurnFailed(ctx, g, data)
	case protocol.TypeGatewayPermissionRequest:
		return b.handlePermissionRequest(ctx, g, data)
	default:
		b.sendError(g.Conn, protocol.CodeUnknownType, fmt.Sprintf("unknown frame type %q", frameType))
		return nil
	}
}

// ClientClosed releases a client socket's registry state.
func (b *Broker) ClientClosed(c *connreg.Client) {
	b.reg.RemoveClient(c)
}

// GatewayClosed releases a gateway socket: its agents are marked
// offline and their in-flight turns failed toward the rooms.
func (b *Broker) GatewayClosed(ctx context.Context, g *connreg.Gateway) {
	agents := b.reg.RemoveGateway(g)
	for _, agentID := range agents {
		if err := b.store.SetAgentOnline(ctx, agentID, false); err != nil {
			slog.Warn("mark agent offline failed", "agent_id", agentID, "error", err)
		}
		metrics.OnlineAgents.Dec()

		for _, rm := range b.turns.failAgent(agentID) {
			roomID, messageID := rm[0], rm[1]
			metrics.AgentTurnsTotal.WithLabelValues("failed").Inc()
			b.failTurnToRoom(ctx, roomID, agentID, messageID, "Agent disconnected")
		}
	}
}

// Client frame handlers.

func (b *Broker) handleClientAuth(ctx context.Context, c *connreg.Client, data []byte) error {
	var frame protocol.ClientAuth
	if err := protocol.Decode(data, &frame); err != nil {
		b.sendError(c.Conn, protocol.CodeInternal, "malformed auth frame")
		return errCloseConnection
	}

	claims, err := b.verifier.VerifyAccess(ctx, frame.Token)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("client").Inc()
		b.send(c.Conn, protocol.ServerAuthResult{
			Type: protocol.TypeServerAuthResult, OK: false, Reason: authFailureReason(err),
		})
		return errCloseConnection
	}

	if err := b.reg.BindClient(c, claims.UserID, claims.Username); err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("client_cap").Inc()
		b.sendError(c.Conn, protocol.CodeTooManyConnections, err.Error())
		return errCloseConnection
	}

	b.send(c.Conn, protocol.ServerAuthResult{
		Type: protocol.TypeServerAuthResult, OK: true, UserID: claims.UserID,
	})
	return nil
}

func (b *Broker) handleJoinRoom(ctx context.Context, c *connreg.Client, data []byte) error {
	var frame protocol.ClientJoinRoom
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}

	ok, err := b.store.IsMember(ctx, frame.RoomID, c.UserID)
	if err != nil {
		b.sendError(c.Conn, protocol.CodeInternal, "membership lookup failed")
		return nil
	}
	if !ok {
		b.sendError(c.Conn, protocol.CodeForbidden, "not a member of this room")
		return nil
	}
	b.reg.JoinRoom(c, frame.RoomID)
	return nil
}

func (b *Broker) handleLeaveRoom(_ context.Context, c *connreg.Client, data []byte) error {
	var frame protocol.ClientLeaveRoom
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}
	b.reg.LeaveRoom(c, frame.RoomID)
	return nil
}

func (b *Broker) handleSendMessage(ctx context.Context, c *connreg.Client, data []byte) error {
	var frame protocol.ClientSendMessage
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}

	member, err := b.store.IsMember(ctx, frame.RoomID, c.UserID)
	if err != nil {
		b.sendError(c.Conn, protocol.CodeInternal, "membership lookup failed")
		return nil
	}
	if !member {
		b.sendError(c.Conn, protocol.CodeForbidden, "not a member of this room")
		return nil
	}
	room, err := b.store.Room(ctx, frame.RoomID)
	if err != nil {
		b.sendError(c.Conn, protocol.CodeInternal, "room lookup failed")
		return nil
	}

	msg := protocol.Message{
		RoomID:     frame.RoomID,
		SenderID:   c.UserID,
		SenderName: c.Username,
		SenderType: store.MemberUser,
		Content:    frame.Content,
	}
	if err := b.store.AppendMessage(ctx, &msg); err != nil {
		slog.Error("persist message failed", "room_id", frame.RoomID, "error", err)
		b.sendError(c.Conn, protocol.CodeInternal, "message not persisted")
		return nil
	}

	// The sending socket already rendered its own message; it only gets
	// the echo in broadcast mode.
	skip := c
	if room.BroadcastMode {
		skip = nil
	}
	b.fanoutExcept(frame.RoomID, protocol.TypeServerNewMessage, protocol.ServerNewMessage{
		Type: protocol.TypeServerNewMessage, Message: msg,
	}, skip)
	b.routeToAgents(ctx, room, frame, msg)
	return nil
}

// routeToAgents forwards a user message to the room's agents: everyone
// in broadcast mode, otherwise only the mentioned ones.
func (b *Broker) routeToAgents(ctx context.Context, room store.Room, frame protocol.ClientSendMessage, msg protocol.Message) {
	members, err := b.store.RoomMembers(ctx, frame.RoomID)
	if err != nil {
		slog.Warn("member lookup failed during routing", "room_id", frame.RoomID, "error", err)
		return
	}

	mentioned := make(map[string]bool, len(frame.Mentions))
	for _, m := range frame.Mentions {
		mentioned[m] = true
	}

	for _, m := range members {
		if m.MemberType != store.MemberAgent {
			continue
		}
		if !room.BroadcastMode && !mentioned[m.MemberID] && !mentioned[m.MemberName] {
			continue
		}
		g, _, ok := b.reg.GatewayForAgent(m.MemberID)
		if !ok {
			slog.Debug("mentioned agent offline", "agent_id", m.MemberID, "room_id", frame.RoomID)
			continue
		}
		b.send(g.Conn, protocol.ServerSendToAgent{
			Type:       protocol.TypeServerSendToAgent,
			AgentID:    m.MemberID,
			RoomID:     frame.RoomID,
			MessageID:  msg.ID,
			Content:    frame.Content,
			SenderName: msg.SenderName,
		})
	}
}

func (b *Broker) handleStopGeneration(ctx context.Context, c *connreg.Client, data []byte) error {
	var frame protocol.ClientStopGeneration
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}

	member, err := b.store.IsMember(ctx, frame.RoomID, c.UserID)
	if err != nil || !member {
		b.sendError(c.Conn, protocol.CodeForbidden, "not a member of this room")
		return nil
	}

	g, _, ok := b.reg.GatewayForAgent(frame.AgentID)
	if !ok {
		return nil
	}
	b.send(g.Conn, protocol.ServerStopAgent{
		Type: protocol.TypeServerStopAgent, AgentID: frame.AgentID, RoomID: frame.RoomID,
	})
	return nil
}

func (b *Broker) handlePermissionResponse(ctx context.Context, c *connreg.Client, data []byte) error {
	var frame protocol.ClientPermissionResponse
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}
	if frame.Decision != "allow" && frame.Decision != "deny" {
		b.sendError(c.Conn, protocol.CodeInternal, "decision must be allow or deny")
		return nil
	}

	pending, ok := b.perms.Get(frame.RequestID)
	if !ok {
		// Already resolved or expired.
		return nil
	}

	member, err := b.store.IsMember(ctx, pending.RoomID, c.UserID)
	if err != nil || !member {
		b.sendError(c.Conn, protocol.CodeForbidden, "not a member of this room")
		return nil
	}

	// Clear wins the race against expiry; only the winner forwards.
	if !b.perms.Clear(frame.RequestID) {
		return nil
	}
	b.forwardPermissionDecision(pending, frame.Decision)
	return nil
}

func (b *Broker) handleGetHistory(ctx context.Context, c *connreg.Client, data []byte) error {
	var frame protocol.ClientGetHistory
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}

	member, err := b.store.IsMember(ctx, frame.RoomID, c.UserID)
	if err != nil || !member {
		b.sendError(c.Conn, protocol.CodeForbidden, "not a member of this room")
		return nil
	}

	msgs, err := b.store.RecentMessages(ctx, frame.RoomID, frame.Limit)
	if err != nil {
		b.sendError(c.Conn, protocol.CodeInternal, "history lookup failed")
		return nil
	}
	b.send(c.Conn, protocol.ServerHistory{
		Type: protocol.TypeServerHistory, RoomID: frame.RoomID, Messages: msgs,
	})
	return nil
}

// Gateway frame handlers.

func (b *Broker) handleGatewayAuth(ctx context.Context, g *connreg.Gateway, data []byte) error {
	var frame protocol.GatewayAuth
	if err := protocol.Decode(data, &frame); err != nil {
		b.sendError(g.Conn, protocol.CodeInternal, "malformed auth frame")
		return errCloseConnection
	}

	if frame.ProtocolVersion != protocol.Version {
		metrics.AuthFailuresTotal.WithLabelValues("gateway_version").Inc()
		b.sendError(g.Conn, protocol.CodeProtocolVersionMismatch,
			fmt.Sprintf("hub speaks protocol %d, gateway sent %d", protocol.Version, frame.ProtocolVersion))
		return errCloseConnection
	}

	claims, err := b.verifier.VerifyAccess(ctx, frame.Token)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("gateway").Inc()
		b.send(g.Conn, protocol.ServerGatewayAuthResult{
			Type: protocol.TypeServerGatewayAuthResult, OK: false, Reason: authFailureReason(err),
		})
		return errCloseConnection
	}

	if err := b.reg.BindGateway(g, claims.UserID, frame.GatewayID, frame.Ephemeral); err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("gateway_cap").Inc()
		b.sendError(g.Conn, protocol.CodeTooManyConnections, err.Error())
		return errCloseConnection
	}

	slog.Info("gateway authenticated",
		"gateway_id", frame.GatewayID,
		"user_id", claims.UserID,
		"hostname", frame.DeviceInfo.Hostname,
		"ephemeral", frame.Ephemeral)
	b.send(g.Conn, protocol.ServerGatewayAuthResult{
		Type: protocol.TypeServerGatewayAuthResult, OK: true,
	})
	return nil
}

func (b *Broker) handleRegisterAgent(ctx context.Context, g *connreg.Gateway, data []byte) error {
	var frame protocol.GatewayRegisterAgent
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}
	if frame.Agent.ID == "" {
		frame.Agent.ID = id.Generate()
	}

	if err := b.reg.RegisterAgent(g, frame.Agent); err != nil {
		b.sendError(g.Conn, protocol.CodeForbidden, err.Error())
		return nil
	}

	if err := b.store.UpsertAgent(ctx, store.Agent{
		ID:          frame.Agent.ID,
		Name:        frame.Agent.Name,
		AgentType:   frame.Agent.AgentType,
		WorkDir:     frame.Agent.WorkDir,
		OwnerUserID: g.UserID,
		GatewayID:   g.GatewayID,
		Online:      true,
		Status:      "idle",
	}); err != nil {
		slog.Error("persist agent failed", "agent_id", frame.Agent.ID, "error", err)
	}
	metrics.OnlineAgents.Inc()

	// Push room context for every room the agent belongs to so the
	// gateway can seed adapter sessions.
	b.sendRoomContexts(ctx, g, frame.Agent.ID)
	return nil
}

func (b *Broker) sendRoomContexts(ctx context.Context, g *connreg.Gateway, agentID string) {
	roomIDs, err := b.store.RoomsForMember(ctx, agentID)
	if err != nil {
		slog.Warn("room lookup for agent failed", "agent_id", agentID, "error", err)
		return
	}
	for _, roomID := range roomIDs {
		room, err := b.store.Room(ctx, roomID)
		if err != nil {
			continue
		}
		members, err := b.store.RoomMembers(ctx, roomID)
		if err != nil {
			continue
		}
		b.send(g.Conn, protocol.ServerRoomContext{
			Type:         protocol.TypeServerRoomContext,
			RoomID:       roomID,
			SystemPrompt: room.SystemPrompt,
			Members:      members,
		})
	}
}

func (b *Broker) handleUnregisterAgent(ctx context.Context, g *connreg.Gateway, data []byte) error {
	var frame protocol.GatewayUnregisterAgent
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}
	if !b.reg.UnregisterAgent(g, frame.AgentID) {
		return nil
	}
	if err := b.store.SetAgentOnline(ctx, frame.AgentID, false); err != nil {
		slog.Warn("mark agent offline failed", "agent_id", frame.AgentID, "error", err)
	}
	metrics.OnlineAgents.Dec()
	return nil
}

func (b *Broker) handleAgentStatus(ctx context.Context, g *connreg.Gateway, data []byte) error {
	var frame protocol.GatewayAgentStatus
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}
	if _, _, ok := b.reg.GatewayForAgent(frame.AgentID); !ok {
		return nil
	}
	if err := b.store.UpdateAgentStatus(ctx, frame.AgentID, frame.Status); err != nil {
		slog.Warn("update agent status failed", "agent_id", frame.AgentID, "error", err)
	}
	return nil
}

func (b *Broker) handleMessageChunk(_ context.Context, g *connreg.Gateway, data []byte) error {
	var frame protocol.GatewayMessageChunk
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}

	if err := protocol.CheckNestedLimits(frame.Chunk.Metadata, 0); err != nil {
		b.sendError(g.Conn, protocol.CodeMessageTooLarge, err.Error())
		return nil
	}

	if !b.turns.observeChunk(frame.RoomID, frame.AgentID, frame.MessageID) {
		// Late chunk, or a second concurrent turn for this agent.
		return nil
	}

	b.fanout(frame.RoomID, protocol.TypeServerMessageChunk, protocol.ServerMessageChunk{
		Type:      protocol.TypeServerMessageChunk,
		RoomID:    frame.RoomID,
		AgentID:   frame.AgentID,
		MessageID: frame.MessageID,
		Chunk:     frame.Chunk,
	})
	return nil
}

func (b *Broker) handleMessageComplete(ctx context.Context, g *connreg.Gateway, data []byte) error {
	var frame protocol.GatewayMessageComplete
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}

	if !b.turns.finish(frame.RoomID, frame.AgentID, frame.MessageID, false) {
		return nil
	}
	metrics.AgentTurnsTotal.WithLabelValues("ok").Inc()

	_, info, _ := b.reg.GatewayForAgent(frame.AgentID)
	msg := protocol.Message{
		ID:         frame.MessageID,
		RoomID:     frame.RoomID,
		SenderID:   frame.AgentID,
		SenderName: info.Name,
		SenderType: store.MemberAgent,
		Content:    frame.FullContent,
	}
	if err := b.store.AppendMessage(ctx, &msg); err != nil {
		slog.Error("persist agent message failed", "agent_id", frame.AgentID, "error", err)
	}

	b.fanout(frame.RoomID, protocol.TypeServerMessageComplete, protocol.ServerMessageComplete{
		Type: protocol.TypeServerMessageComplete, Message: msg,
	})
	return nil
}

func (b *Broker) handleTurnFailed(ctx context.Context, g *connreg.Gateway, data []byte) error {
	var frame protocol.GatewayTurnFailed
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}

	if !b.turns.finish(frame.RoomID, frame.AgentID, frame.MessageID, true) {
		return nil
	}
	metrics.AgentTurnsTotal.WithLabelValues("failed").Inc()
	b.failTurnToRoom(ctx, frame.RoomID, frame.AgentID, frame.MessageID, frame.Error)
	return nil
}

// failTurnToRoom tells the room a turn ended in error: an error chunk
// followed by a completed message carrying the error text.
func (b *Broker) failTurnToRoom(ctx context.Context, roomID, agentID, messageID, errText string) {
	b.fanout(roomID, protocol.TypeServerMessageChunk, protocol.ServerMessageChunk{
		Type:      protocol.TypeServerMessageChunk,
		RoomID:    roomID,
		AgentID:   agentID,
		MessageID: messageID,
		Chunk:     protocol.Chunk{Type: protocol.ChunkError, Content: errText},
	})

	_, info, _ := b.reg.GatewayForAgent(agentID)
	msg := protocol.Message{
		ID:         messageID,
		RoomID:     roomID,
		SenderID:   agentID,
		SenderName: info.Name,
		SenderType: store.MemberAgent,
		Content:    errText,
	}
	if err := b.store.AppendMessage(ctx, &msg); err != nil {
		slog.Warn("persist failed turn message failed", "agent_id", agentID, "error", err)
	}
	b.fanout(roomID, protocol.TypeServerMessageComplete, protocol.ServerMessageComplete{
		Type: protocol.TypeServerMessageComplete, Message: msg,
	})
}

func (b *Broker) handlePermissionRequest(_ context.Context, g *connreg.Gateway, data []byte) error {
	var frame protocol.GatewayPermissionRequest
	if err := protocol.Decode(data, &frame); err != nil {
		return nil
	}
	metrics.PermissionRequestsTotal.Inc()

	pending := permstore.Pending{
		RequestID:   frame.RequestID,
		AgentID:     frame.AgentID,
		RoomID:      frame.RoomID,
		ToolName:    frame.ToolName,
		Description: frame.Description,
		ExpiresAt:   time.UnixMilli(frame.ExpiresAtMs),
	}
	err := b.perms.Add(pending, func(p permstore.Pending) {
		// Nobody answered in time: deny toward the agent.
		b.forwardPermissionDecision(p, "deny")
	})
	if errors.Is(err, permstore.ErrFull) {
		b.sendError(g.Conn, protocol.CodePermissionStoreFull, "too many pending permission requests")
		b.forwardPermissionDecision(pending, "deny")
		return nil
	}
	if err != nil {
		b.sendError(g.Conn, protocol.CodeInternal, "permission request not recorded")
		return nil
	}

	b.fanout(frame.RoomID, protocol.TypeServerPermissionRequest, protocol.ServerPermissionRequest{
		Type:        protocol.TypeServerPermissionRequest,
		RequestID:   frame.RequestID,
		AgentID:     frame.AgentID,
		RoomID:      frame.RoomID,
		ToolName:    frame.ToolName,
		Description: frame.Description,
		ExpiresAtMs: frame.ExpiresAtMs,
	})
	return nil
}

func (b *Broker) forwardPermissionDecision(p permstore.Pending, decision string) {
	g, _, ok := b.reg.GatewayForAgent(p.AgentID)
	if !ok {
		slog.Debug("permission decision for offline agent dropped",
			"request_id", p.RequestID, "agent_id", p.AgentID)
		return
	}
	b.send(g.Conn, protocol.ServerPermissionResponse{
		Type:      protocol.TypeServerPermissionResp,
		RequestID: p.RequestID,
		AgentID:   p.AgentID,
		Decision:  decision,
	})
}

// Plumbing.

// fanout delivers a frame to every socket subscribed to the room. The
// frame is encoded once; sends happen on a snapshot outside the lock.
func (b *Broker) fanout(roomID, frameType string, frame any) {
	b.fanoutExcept(roomID, frameType, frame, nil)
}

// fanoutExcept is fanout minus one socket, used to suppress the echo
// of a client's own message.
func (b *Broker) fanoutExcept(roomID, frameType string, frame any, skip *connreg.Client) {
	data, err := protocol.Encode(frame)
	if err != nil {
		slog.Error("encode fanout frame failed", "type", frameType, "error", err)
		return
	}
	for _, c := range b.reg.RoomSnapshot(roomID) {
		if c == skip {
			continue
		}
		if err := c.Conn.Send(data); err != nil {
			slog.Debug("fanout send failed", "room_id", roomID, "error", err)
			continue
		}
		metrics.FanoutSendsTotal.Inc()
	}
	metrics.FramesTotal.WithLabelValues("client_out", frameType).Inc()
}

func (b *Broker) send(s connreg.Sender, frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		slog.Error("encode frame failed", "error", err)
		return
	}
	_ = s.Send(data)
}

func (b *Broker) sendError(s connreg.Sender, code, message string) {
	metrics.FrameErrorsTotal.WithLabelValues(code).Inc()
	b.send(s, protocol.ServerError{Type: protocol.TypeServerError, Code: code, Message: message})
}

// authFailureReason maps verifier errors to wire reasons without
// leaking parser detail. Expired and revoked are distinguished so the
// gateway can pick between refresh and re-login.
func authFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpired):
		return "token expired"
	case errors.Is(err, auth.ErrRevoked):
		return "token revoked"
	default:
		return "invalid token"
	}
}

func (b *Broker) sweepLoop() {
	defer close(b.done)

	ticker := time.NewTicker(turnSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			for _, t := range b.turns.sweep() {
				agentID, roomID, messageID := t[0], t[1], t[2]
				metrics.AgentTurnsTotal.WithLabelValues("idle").Inc()
				b.failTurnToRoom(context.Background(), roomID, agentID, messageID,
					"Agent stopped responding")
			}
			metrics.StreamingTurnsActive.Set(float64(b.turns.len()))
		}
	}
}
