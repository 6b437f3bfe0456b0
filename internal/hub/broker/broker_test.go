package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentim/agentim/internal/hub/auth"
	"github.com/agentim/agentim/internal/hub/connreg"
	"github.com/agentim/agentim/internal/hub/db"
	"github.com/agentim/agentim/internal/hub/permstore"
	"github.com/agentim/agentim/internal/hub/protocol"
	"github.com/agentim/agentim/internal/hub/store"
)

var testSecret = []byte("broker-test-secret")

// fakeConn records every frame sent to a peer.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

// ofType returns the raw frames whose type tag matches.
func (f *fakeConn) ofType(frameType string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, frame := range f.frames {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(frame, &env) == nil && env.Type == frameType {
			out = append(out, frame)
		}
	}
	return out
}

func (f *fakeConn) count(frameType string) int { return len(f.ofType(frameType)) }

func (f *fakeConn) last(t *testing.T, frameType string, v any) {
	t.Helper()
	frames := f.ofType(frameType)
	require.NotEmpty(t, frames, "no %s frame recorded", frameType)
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], v))
}

type fixture struct {
	broker *Broker
	reg    *connreg.Registry
	store  *store.Store
	perms  *permstore.Store
	roomID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(conn))
	st := store.New(conn)

	reg := connreg.New(connreg.Limits{})
	perms := permstore.New()
	t.Cleanup(perms.Close)

	verifier := auth.NewVerifier(testSecret, nil, nil)
	b := New(reg, st, verifier, perms)
	t.Cleanup(b.Close)

	roomID, err := st.CreateRoom(context.Background(), "dev", "Work on the repo.", false)
	require.NoError(t, err)

	return &fixture{broker: b, reg: reg, store: st, perms: perms, roomID: roomID}
}

func (fx *fixture) addMember(t *testing.T, memberID, memberType, name string) {
	t.Helper()
	require.NoError(t, fx.store.AddMember(context.Background(), fx.roomID, protocol.RoomMember{
		MemberID: memberID, MemberType: memberType, MemberName: name, Role: "member",
	}))
}

// client binds a fake client socket as userID and joins the fixture room.
func (fx *fixture) client(t *testing.T, userID, username string) (*connreg.Client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	c := connreg.NewClient(conn)
	require.NoError(t, fx.reg.BindClient(c, userID, username))
	fx.reg.JoinRoom(c, fx.roomID)
	return c, conn
}

// gateway binds a fake gateway socket and registers an agent on it.
func (fx *fixture) gateway(t *testing.T, userID, agentID, agentName string) (*connreg.Gateway, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	g := connreg.NewGateway(conn)
	require.NoError(t, fx.reg.BindGateway(g, userID, "gw-"+userID, false))
	require.NoError(t, fx.reg.RegisterAgent(g, protocol.AgentInfo{
		ID: agentID, Name: agentName, AgentType: "claude",
	}))
	return g, conn
}

func mintAccess(t *testing.T, userID, username string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      userID,
		"username": username,
		"type":     "access",
		"iss":      auth.Issuer,
		"aud":      auth.Audience,
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := protocol.Encode(v)
	require.NoError(t, err)
	return data
}

func TestClientAuth(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	conn := &fakeConn{}
	c := connreg.NewClient(conn)

	frame := encode(t, protocol.ClientAuth{Type: protocol.TypeClientAuth, Token: mintAccess(t, "u1", "alice")})
	require.NoError(t, fx.broker.DispatchClient(ctx, c, protocol.TypeClientAuth, frame))

	var result protocol.ServerAuthResult
	conn.last(t, protocol.TypeServerAuthResult, &result)
	assert.True(t, result.OK)
	assert.Equal(t, "u1", result.UserID)
	assert.Equal(t, "u1", c.UserID)
}

func TestClientAuthBadTokenCloses(t *testing.T) {
	fx := newFixture(t)

	conn := &fakeConn{}
	c := connreg.NewClient(conn)

	frame := encode(t, protocol.ClientAuth{Type: protocol.TypeClientAuth, Token: "garbage"})
	err := fx.broker.DispatchClient(context.Background(), c, protocol.TypeClientAuth, frame)
	assert.ErrorIs(t, err, errCloseConnection)

	var result protocol.ServerAuthResult
	conn.last(t, protocol.TypeServerAuthResult, &result)
	assert.False(t, result.OK)
	assert.Empty(t, c.UserID)
}

func TestUnauthenticatedFrameCloses(t *testing.T) {
	fx := newFixture(t)

	conn := &fakeConn{}
	c := connreg.NewClient(conn)

	frame := encode(t, protocol.ClientJoinRoom{Type: protocol.TypeClientJoinRoom, RoomID: fx.roomID})
	err := fx.broker.DispatchClient(context.Background(), c, protocol.TypeClientJoinRoom, frame)
	assert.ErrorIs(t, err, errCloseConnection)
}

func TestJoinRoomRequiresMembership(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")

	conn := &fakeConn{}
	c := connreg.NewClient(conn)
	require.NoError(t, fx.reg.BindClient(c, "u2", "mallory"))

	frame := encode(t, protocol.ClientJoinRoom{Type: protocol.TypeClientJoinRoom, RoomID: fx.roomID})
	require.NoError(t, fx.broker.DispatchClient(ctx, c, protocol.TypeClientJoinRoom, frame))

	var errFrame protocol.ServerError
	conn.last(t, protocol.TypeServerError, &errFrame)
	assert.Equal(t, protocol.CodeForbidden, errFrame.Code)
	assert.Empty(t, fx.reg.RoomSnapshot(fx.roomID))
}

func TestSendMessagePersistsAndFansOut(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")
	fx.addMember(t, "u2", store.MemberUser, "bob")
	fx.addMember(t, "agent-1", store.MemberAgent, "claude")

	c, aliceConn := fx.client(t, "u1", "alice")
	_, bobConn := fx.client(t, "u2", "bob")
	_, gwConn := fx.gateway(t, "u1", "agent-1", "claude")
	frame := encode(t, protocol.ClientSendMessage{
		Type: protocol.TypeClientSendMessage, RoomID: fx.roomID,
		Content: "hey @claude fix the tests", Mentions: []string{"claude"},
	})
	require.NoError(t, fx.broker.DispatchClient(ctx, c, protocol.TypeClientSendMessage, frame))

	// Every other room subscriber got the message; the sending socket
	// already rendered it locally and gets no echo.
	var got protocol.ServerNewMessage
	bobConn.last(t, protocol.TypeServerNewMessage, &got)
	assert.Equal(t, "hey @claude fix the tests", got.Message.Content)
	assert.Equal(t, "alice", got.Message.SenderName)
	assert.NotEmpty(t, got.Message.ID)
	assert.Equal(t, 0, aliceConn.count(protocol.TypeServerNewMessage))

	// The mentioned agent's gateway got the routed copy.
	var routed protocol.ServerSendToAgent
	gwConn.last(t, protocol.TypeServerSendToAgent, &routed)
	assert.Equal(t, "agent-1", routed.AgentID)
	assert.Equal(t, got.Message.ID, routed.MessageID)

	// And it was persisted.
	msgs, err := fx.store.RecentMessages(ctx, fx.roomID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, got.Message.ID, msgs[0].ID)
}

func TestSendMessageUnmentionedAgentNotRouted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")
	fx.addMember(t, "agent-1", store.MemberAgent, "claude")

	_, gwConn := fx.gateway(t, "u1", "agent-1", "claude")
	c, _ := fx.client(t, "u1", "alice")

	frame := encode(t, protocol.ClientSendMessage{
		Type: protocol.TypeClientSendMessage, RoomID: fx.roomID, Content: "just thinking out loud",
	})
	require.NoError(t, fx.broker.DispatchClient(ctx, c, protocol.TypeClientSendMessage, frame))

	assert.Equal(t, 0, gwConn.count(protocol.TypeServerSendToAgent))
}

func TestBroadcastModeRoutesAllAgents(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	broadcastRoom, err := fx.store.CreateRoom(ctx, "war-room", "", true)
	require.NoError(t, err)
	for _, m := range []protocol.RoomMember{
		{MemberID: "u1", MemberType: store.MemberUser, MemberName: "alice"},
		{MemberID: "agent-1", MemberType: store.MemberAgent, MemberName: "claude"},
		{MemberID: "agent-2", MemberType: store.MemberAgent, MemberName: "codex"},
	} {
		require.NoError(t, fx.store.AddMember(ctx, broadcastRoom, m))
	}

	_, gw1Conn := fx.gateway(t, "u1", "agent-1", "claude")
	_, gw2Conn := fx.gateway(t, "u2", "agent-2", "codex")

	senderConn := &fakeConn{}
	c := connreg.NewClient(senderConn)
	require.NoError(t, fx.reg.BindClient(c, "u1", "alice"))
	fx.reg.JoinRoom(c, broadcastRoom)
	frame := encode(t, protocol.ClientSendMessage{
		Type: protocol.TypeClientSendMessage, RoomID: broadcastRoom, Content: "status?",
	})
	require.NoError(t, fx.broker.DispatchClient(ctx, c, protocol.TypeClientSendMessage, frame))

	assert.Equal(t, 1, gw1Conn.count(protocol.TypeServerSendToAgent))
	assert.Equal(t, 1, gw2Conn.count(protocol.TypeServerSendToAgent))

	// Broadcast mode echoes the message back to the sending socket.
	assert.Equal(t, 1, senderConn.count(protocol.TypeServerNewMessage))
}

func TestSendMessageNonMemberForbidden(t *testing.T) {
	fx := newFixture(t)

	c, conn := fx.client(t, "intruder", "mallory")
	frame := encode(t, protocol.ClientSendMessage{
		Type: protocol.TypeClientSendMessage, RoomID: fx.roomID, Content: "let me in",
	})
	require.NoError(t, fx.broker.DispatchClient(context.Background(), c, protocol.TypeClientSendMessage, frame))

	var errFrame protocol.ServerError
	conn.last(t, protocol.TypeServerError, &errFrame)
	assert.Equal(t, protocol.CodeForbidden, errFrame.Code)

	msgs, err := fx.store.RecentMessages(context.Background(), fx.roomID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestTurnLifecycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")
	fx.addMember(t, "agent-1", store.MemberAgent, "claude")

	_, clientConn := fx.client(t, "u1", "alice")
	g, _ := fx.gateway(t, "u1", "agent-1", "claude")

	chunk := encode(t, protocol.GatewayMessageChunk{
		Type: protocol.TypeGatewayMessageChunk, RoomID: fx.roomID,
		AgentID: "agent-1", MessageID: "m1",
		Chunk: protocol.Chunk{Type: protocol.ChunkText, Content: "Working on"},
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayMessageChunk, chunk))
	assert.Equal(t, 1, clientConn.count(protocol.TypeServerMessageChunk))

	complete := encode(t, protocol.GatewayMessageComplete{
		Type: protocol.TypeGatewayMessageComplete, RoomID: fx.roomID,
		AgentID: "agent-1", MessageID: "m1", FullContent: "Working on it.",
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayMessageComplete, complete))

	var done protocol.ServerMessageComplete
	clientConn.last(t, protocol.TypeServerMessageComplete, &done)
	assert.Equal(t, "Working on it.", done.Message.Content)
	assert.Equal(t, "claude", done.Message.SenderName)

	// Late chunk after the terminal transition is dropped.
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayMessageChunk, chunk))
	assert.Equal(t, 1, clientConn.count(protocol.TypeServerMessageChunk))

	// Duplicate complete is dropped too.
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayMessageComplete, complete))
	assert.Equal(t, 1, clientConn.count(protocol.TypeServerMessageComplete))

	msgs, err := fx.store.RecentMessages(ctx, fx.roomID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MemberAgent, msgs[0].SenderType)
}

func TestConcurrentTurnForSameAgentRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")
	fx.addMember(t, "agent-1", store.MemberAgent, "claude")

	_, clientConn := fx.client(t, "u1", "alice")
	g, _ := fx.gateway(t, "u1", "agent-1", "claude")

	first := encode(t, protocol.GatewayMessageChunk{
		Type: protocol.TypeGatewayMessageChunk, RoomID: fx.roomID,
		AgentID: "agent-1", MessageID: "m1",
		Chunk: protocol.Chunk{Type: protocol.ChunkText, Content: "on it"},
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayMessageChunk, first))
	assert.Equal(t, 1, clientConn.count(protocol.TypeServerMessageChunk))

	// A second message streaming from the same agent into the same room
	// while the first turn is live never reaches the room.
	second := encode(t, protocol.GatewayMessageChunk{
		Type: protocol.TypeGatewayMessageChunk, RoomID: fx.roomID,
		AgentID: "agent-1", MessageID: "m2",
		Chunk: protocol.Chunk{Type: protocol.ChunkText, Content: "also on it"},
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayMessageChunk, second))
	assert.Equal(t, 1, clientConn.count(protocol.TypeServerMessageChunk))

	// The first turn still completes normally.
	complete := encode(t, protocol.GatewayMessageComplete{
		Type: protocol.TypeGatewayMessageComplete, RoomID: fx.roomID,
		AgentID: "agent-1", MessageID: "m1", FullContent: "done",
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayMessageComplete, complete))
	assert.Equal(t, 1, clientConn.count(protocol.TypeServerMessageComplete))
}

func TestTurnFailedReachesRoom(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")

	_, clientConn := fx.client(t, "u1", "alice")
	g, _ := fx.gateway(t, "u1", "agent-1", "claude")

	failed := encode(t, protocol.GatewayTurnFailed{
		Type: protocol.TypeGatewayTurnFailed, RoomID: fx.roomID,
		AgentID: "agent-1", MessageID: "m1", Error: "Command not found: claude",
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayTurnFailed, failed))

	var chunk protocol.ServerMessageChunk
	clientConn.last(t, protocol.TypeServerMessageChunk, &chunk)
	assert.Equal(t, protocol.ChunkError, chunk.Chunk.Type)
	assert.Contains(t, chunk.Chunk.Content, "Command not found")
	assert.Equal(t, 1, clientConn.count(protocol.TypeServerMessageComplete))
}

func TestOversizeChunkMetadataRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")
	_, clientConn := fx.client(t, "u1", "alice")
	g, gwConn := fx.gateway(t, "u1", "agent-1", "claude")

	deep := make([]byte, 0, 80)
	for i := 0; i < protocol.DefaultMaxNestingDepth+1; i++ {
		deep = append(deep, '[')
	}
	for i := 0; i < protocol.DefaultMaxNestingDepth+1; i++ {
		deep = append(deep, ']')
	}
	chunk := encode(t, protocol.GatewayMessageChunk{
		Type: protocol.TypeGatewayMessageChunk, RoomID: fx.roomID,
		AgentID: "agent-1", MessageID: "m1",
		Chunk: protocol.Chunk{Type: protocol.ChunkToolUse, Metadata: json.RawMessage(deep)},
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayMessageChunk, chunk))

	var errFrame protocol.ServerError
	gwConn.last(t, protocol.TypeServerError, &errFrame)
	assert.Equal(t, protocol.CodeMessageTooLarge, errFrame.Code)
	assert.Equal(t, 0, clientConn.count(protocol.TypeServerMessageChunk))
}

func TestPermissionFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")

	c, clientConn := fx.client(t, "u1", "alice")
	g, gwConn := fx.gateway(t, "u1", "agent-1", "claude")

	req := encode(t, protocol.GatewayPermissionRequest{
		Type: protocol.TypeGatewayPermissionRequest, RequestID: "perm-1",
		AgentID: "agent-1", RoomID: fx.roomID, ToolName: "Bash",
		Description: "rm -rf node_modules",
		ExpiresAtMs: time.Now().Add(time.Minute).UnixMilli(),
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayPermissionRequest, req))

	var asked protocol.ServerPermissionRequest
	clientConn.last(t, protocol.TypeServerPermissionRequest, &asked)
	assert.Equal(t, "perm-1", asked.RequestID)
	assert.Equal(t, "Bash", asked.ToolName)

	resp := encode(t, protocol.ClientPermissionResponse{
		Type: protocol.TypeClientPermissionResponse, RequestID: "perm-1", Decision: "allow",
	})
	require.NoError(t, fx.broker.DispatchClient(ctx, c, protocol.TypeClientPermissionResponse, resp))

	var decision protocol.ServerPermissionResponse
	gwConn.last(t, protocol.TypeServerPermissionResp, &decision)
	assert.Equal(t, "allow", decision.Decision)

	// A second answer is a no-op: the request is already resolved.
	require.NoError(t, fx.broker.DispatchClient(ctx, c, protocol.TypeClientPermissionResponse, resp))
	assert.Equal(t, 1, gwConn.count(protocol.TypeServerPermissionResp))
	assert.Equal(t, 0, fx.perms.Len())
}

func TestPermissionResponseNonMemberForbidden(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")

	g, gwConn := fx.gateway(t, "u1", "agent-1", "claude")
	req := encode(t, protocol.GatewayPermissionRequest{
		Type: protocol.TypeGatewayPermissionRequest, RequestID: "perm-1",
		AgentID: "agent-1", RoomID: fx.roomID, ToolName: "Bash",
		ExpiresAtMs: time.Now().Add(time.Minute).UnixMilli(),
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayPermissionRequest, req))

	outsider, outsiderConn := fx.client(t, "mallory", "mallory")
	resp := encode(t, protocol.ClientPermissionResponse{
		Type: protocol.TypeClientPermissionResponse, RequestID: "perm-1", Decision: "allow",
	})
	require.NoError(t, fx.broker.DispatchClient(ctx, outsider, protocol.TypeClientPermissionResponse, resp))

	var errFrame protocol.ServerError
	outsiderConn.last(t, protocol.TypeServerError, &errFrame)
	assert.Equal(t, protocol.CodeForbidden, errFrame.Code)
	assert.Equal(t, 0, gwConn.count(protocol.TypeServerPermissionResp))
	assert.Equal(t, 1, fx.perms.Len())
}

func TestPermissionExpiryDenies(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	g, gwConn := fx.gateway(t, "u1", "agent-1", "claude")
	req := encode(t, protocol.GatewayPermissionRequest{
		Type: protocol.TypeGatewayPermissionRequest, RequestID: "perm-1",
		AgentID: "agent-1", RoomID: fx.roomID, ToolName: "Bash",
		ExpiresAtMs: time.Now().Add(30 * time.Millisecond).UnixMilli(),
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayPermissionRequest, req))

	require.Eventually(t, func() bool {
		return gwConn.count(protocol.TypeServerPermissionResp) == 1
	}, time.Second, 10*time.Millisecond)

	var decision protocol.ServerPermissionResponse
	gwConn.last(t, protocol.TypeServerPermissionResp, &decision)
	assert.Equal(t, "deny", decision.Decision)
}

func TestStopGenerationRouted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")

	c, _ := fx.client(t, "u1", "alice")
	_, gwConn := fx.gateway(t, "u1", "agent-1", "claude")

	frame := encode(t, protocol.ClientStopGeneration{
		Type: protocol.TypeClientStopGeneration, RoomID: fx.roomID, AgentID: "agent-1",
	})
	require.NoError(t, fx.broker.DispatchClient(ctx, c, protocol.TypeClientStopGeneration, frame))

	var stop protocol.ServerStopAgent
	gwConn.last(t, protocol.TypeServerStopAgent, &stop)
	assert.Equal(t, "agent-1", stop.AgentID)
}

func TestGetHistory(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")

	for i := 0; i < 3; i++ {
		msg := protocol.Message{
			RoomID: fx.roomID, SenderID: "u1", SenderName: "alice",
			SenderType: store.MemberUser, Content: "msg",
		}
		require.NoError(t, fx.store.AppendMessage(ctx, &msg))
	}

	c, conn := fx.client(t, "u1", "alice")
	frame := encode(t, protocol.ClientGetHistory{
		Type: protocol.TypeClientGetHistory, RoomID: fx.roomID, Limit: 2,
	})
	require.NoError(t, fx.broker.DispatchClient(ctx, c, protocol.TypeClientGetHistory, frame))

	var history protocol.ServerHistory
	conn.last(t, protocol.TypeServerHistory, &history)
	assert.Len(t, history.Messages, 2)
}

func TestGatewayAuthVersionMismatch(t *testing.T) {
	fx := newFixture(t)

	conn := &fakeConn{}
	g := connreg.NewGateway(conn)
	frame := encode(t, protocol.GatewayAuth{
		Type: protocol.TypeGatewayAuth, Token: mintAccess(t, "u1", "alice"),
		GatewayID: "gw-1", ProtocolVersion: protocol.Version + 1,
	})
	err := fx.broker.DispatchGateway(context.Background(), g, protocol.TypeGatewayAuth, frame)
	assert.ErrorIs(t, err, errCloseConnection)

	var errFrame protocol.ServerError
	conn.last(t, protocol.TypeServerError, &errFrame)
	assert.Equal(t, protocol.CodeProtocolVersionMismatch, errFrame.Code)
	assert.Empty(t, g.UserID)
}

func TestGatewayAuthAndRegister(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "agent-1", store.MemberAgent, "claude")

	conn := &fakeConn{}
	g := connreg.NewGateway(conn)
	authFrame := encode(t, protocol.GatewayAuth{
		Type: protocol.TypeGatewayAuth, Token: mintAccess(t, "u1", "alice"),
		GatewayID: "gw-1", ProtocolVersion: protocol.Version,
		DeviceInfo: protocol.DeviceInfo{Hostname: "devbox", OS: "linux"},
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayAuth, authFrame))

	var result protocol.ServerGatewayAuthResult
	conn.last(t, protocol.TypeServerGatewayAuthResult, &result)
	require.True(t, result.OK)

	reg := encode(t, protocol.GatewayRegisterAgent{
		Type:  protocol.TypeGatewayRegisterAgent,
		Agent: protocol.AgentInfo{ID: "agent-1", Name: "claude", AgentType: "claude", WorkDir: "/srv/proj"},
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayRegisterAgent, reg))

	// Persisted online and room context pushed for its room.
	agent, err := fx.store.Agent(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Online)
	assert.Equal(t, "u1", agent.OwnerUserID)

	var roomCtx protocol.ServerRoomContext
	conn.last(t, protocol.TypeServerRoomContext, &roomCtx)
	assert.Equal(t, fx.roomID, roomCtx.RoomID)
	assert.Equal(t, "Work on the repo.", roomCtx.SystemPrompt)
}

func TestGatewayClosedCascade(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addMember(t, "u1", store.MemberUser, "alice")

	_, clientConn := fx.client(t, "u1", "alice")
	g, _ := fx.gateway(t, "u1", "agent-1", "claude")
	require.NoError(t, fx.store.UpsertAgent(ctx, store.Agent{
		ID: "agent-1", Name: "claude", AgentType: "claude",
		OwnerUserID: "u1", GatewayID: "gw-u1", Online: true, Status: "working",
	}))

	// An in-flight streaming turn.
	chunk := encode(t, protocol.GatewayMessageChunk{
		Type: protocol.TypeGatewayMessageChunk, RoomID: fx.roomID,
		AgentID: "agent-1", MessageID: "m1",
		Chunk: protocol.Chunk{Type: protocol.ChunkText, Content: "partial"},
	})
	require.NoError(t, fx.broker.DispatchGateway(ctx, g, protocol.TypeGatewayMessageChunk, chunk))

	fx.broker.GatewayClosed(ctx, g)

	agent, err := fx.store.Agent(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, agent.Online)

	// The room saw the turn fail.
	var errChunk protocol.ServerMessageChunk
	clientConn.last(t, protocol.TypeServerMessageChunk, &errChunk)
	assert.Equal(t, protocol.ChunkError, errChunk.Chunk.Type)
	assert.Equal(t, 1, clientConn.count(protocol.TypeServerMessageComplete))

	_, _, ok := fx.reg.GatewayForAgent("agent-1")
	assert.False(t, ok)
}
