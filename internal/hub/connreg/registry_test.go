package connreg

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentim/agentim/internal/hub/protocol"
)

type nopSender struct{}

func (nopSender) Send([]byte) error { return nil }

func TestBindClientPerUserCap(t *testing.T) {
	r := New(Limits{MaxClientsPerUser: 2})

	c1 := NewClient(nopSender{})
	c2 := NewClient(nopSender{})
	c3 := NewClient(nopSender{})

	require.NoError(t, r.BindClient(c1, "u1", "alice"))
	require.NoError(t, r.BindClient(c2, "u1", "alice"))
	assert.ErrorIs(t, r.BindClient(c3, "u1", "alice"), ErrTooManyConnections)

	assert.Equal(t, 2, r.OnlineCount("u1"))

	// A different user is unaffected.
	require.NoError(t, r.BindClient(c3, "u2", "bob"))
	assert.Equal(t, 1, r.OnlineCount("u2"))
}

func TestBindClientRebindSameSocket(t *testing.T) {
	r := New(Limits{MaxClientsPerUser: 1})

	c := NewClient(nopSender{})
	require.NoError(t, r.BindClient(c, "u1", "alice"))

	// Re-auth on the same socket with the same user does not count twice.
	require.NoError(t, r.BindClient(c, "u1", "alice"))
	assert.Equal(t, 1, r.OnlineCount("u1"))
	assert.Equal(t, 1, r.ClientCount())
}

func TestBindClientRejectedRebindKeepsOldBinding(t *testing.T) {
	r := New(Limits{MaxClientsPerUser: 1})

	occupied := NewClient(nopSender{})
	require.NoError(t, r.BindClient(occupied, "u2", "bob"))

	c := NewClient(nopSender{})
	require.NoError(t, r.BindClient(c, "u1", "alice"))

	// Rebinding to a full user fails and must not disturb either count.
	require.ErrorIs(t, r.BindClient(c, "u2", "bob"), ErrTooManyConnections)
	assert.Equal(t, 1, r.OnlineCount("u1"))
	assert.Equal(t, 1, r.OnlineCount("u2"))
	assert.Equal(t, "u1", c.UserID)
}

func TestBindClientRebindDifferentUser(t *testing.T) {
	r := New(Limits{})

	c := NewClient(nopSender{})
	require.NoError(t, r.BindClient(c, "u1", "alice"))
	require.NoError(t, r.BindClient(c, "u2", "bob"))

	assert.Equal(t, 0, r.OnlineCount("u1"))
	assert.Equal(t, 1, r.OnlineCount("u2"))
	assert.Equal(t, 1, r.ClientCount())
}

func TestBindClientServerCap(t *testing.T) {
	r := New(Limits{MaxClients: 2})

	for i := 0; i < 2; i++ {
		c := NewClient(nopSender{})
		require.NoError(t, r.BindClient(c, fmt.Sprintf("u%d", i), "user"))
	}
	c := NewClient(nopSender{})
	assert.ErrorIs(t, r.BindClient(c, "u9", "user"), ErrServerFull)
}

func TestRemoveClientCleansRooms(t *testing.T) {
	r := New(Limits{})

	c := NewClient(nopSender{})
	require.NoError(t, r.BindClient(c, "u1", "alice"))
	r.JoinRoom(c, "room-a")
	r.JoinRoom(c, "room-b")
	require.Len(t, r.RoomSnapshot("room-a"), 1)

	r.RemoveClient(c)

	assert.Empty(t, r.RoomSnapshot("room-a"))
	assert.Empty(t, r.RoomSnapshot("room-b"))
	assert.Equal(t, 0, r.OnlineCount("u1"))
	assert.Equal(t, 0, r.ClientCount())

	// Double remove is a no-op.
	r.RemoveClient(c)
	assert.Equal(t, 0, r.ClientCount())
}

func TestJoinLeaveRoomReverseIndex(t *testing.T) {
	r := New(Limits{})

	c1 := NewClient(nopSender{})
	c2 := NewClient(nopSender{})
	require.NoError(t, r.BindClient(c1, "u1", "alice"))
	require.NoError(t, r.BindClient(c2, "u2", "bob"))

	r.JoinRoom(c1, "room-a")
	r.JoinRoom(c2, "room-a")
	assert.Len(t, r.RoomSnapshot("room-a"), 2)

	r.LeaveRoom(c1, "room-a")
	snap := r.RoomSnapshot("room-a")
	require.Len(t, snap, 1)
	assert.Same(t, c2, snap[0])
	assert.Empty(t, r.JoinedRooms(c1))
}

func TestJoinRoomUnregisteredClient(t *testing.T) {
	r := New(Limits{})
	c := NewClient(nopSender{})

	// Joining before binding must not leak into the reverse index.
	r.JoinRoom(c, "room-a")
	assert.Empty(t, r.RoomSnapshot("room-a"))
}

func TestEvictUserFromRoom(t *testing.T) {
	r := New(Limits{})

	c1 := NewClient(nopSender{})
	c2 := NewClient(nopSender{})
	c3 := NewClient(nopSender{})
	require.NoError(t, r.BindClient(c1, "u1", "alice"))
	require.NoError(t, r.BindClient(c2, "u1", "alice"))
	require.NoError(t, r.BindClient(c3, "u2", "bob"))
	r.JoinRoom(c1, "room-a")
	r.JoinRoom(c2, "room-a")
	r.JoinRoom(c3, "room-a")

	evicted := r.EvictUserFromRoom("u1", "room-a")
	assert.Len(t, evicted, 2)

	snap := r.RoomSnapshot("room-a")
	require.Len(t, snap, 1)
	assert.Same(t, c3, snap[0])
}

func TestGatewayCapAndCascade(t *testing.T) {
	r := New(Limits{MaxGatewaysPerUser: 1})

	g1 := NewGateway(nopSender{})
	require.NoError(t, r.BindGateway(g1, "u1", "gw-1", false))

	g2 := NewGateway(nopSender{})
	assert.ErrorIs(t, r.BindGateway(g2, "u1", "gw-2", false), ErrTooManyGateways)

	require.NoError(t, r.RegisterAgent(g1, protocol.AgentInfo{ID: "a1", Name: "claude", AgentType: "claude"}))
	require.NoError(t, r.RegisterAgent(g1, protocol.AgentInfo{ID: "a2", Name: "codex", AgentType: "codex"}))

	gw, info, ok := r.GatewayForAgent("a1")
	require.True(t, ok)
	assert.Same(t, g1, gw)
	assert.Equal(t, "claude", info.Name)

	agents := r.RemoveGateway(g1)
	assert.ElementsMatch(t, []string{"a1", "a2"}, agents)
	assert.Equal(t, 0, r.GatewayCount("u1"))

	_, _, ok = r.GatewayForAgent("a1")
	assert.False(t, ok)

	// Slot freed: a new gateway can bind.
	require.NoError(t, r.BindGateway(g2, "u1", "gw-2", false))
}

func TestRegisterAgentConflict(t *testing.T) {
	r := New(Limits{})

	g1 := NewGateway(nopSender{})
	g2 := NewGateway(nopSender{})
	require.NoError(t, r.BindGateway(g1, "u1", "gw-1", false))
	require.NoError(t, r.BindGateway(g2, "u1", "gw-2", false))

	require.NoError(t, r.RegisterAgent(g1, protocol.AgentInfo{ID: "a1"}))
	assert.ErrorIs(t, r.RegisterAgent(g2, protocol.AgentInfo{ID: "a1"}), ErrAgentTaken)

	// Re-registration by the owner updates info in place.
	require.NoError(t, r.RegisterAgent(g1, protocol.AgentInfo{ID: "a1", Name: "renamed"}))
	_, info, ok := r.GatewayForAgent("a1")
	require.True(t, ok)
	assert.Equal(t, "renamed", info.Name)
}

func TestUnregisterAgent(t *testing.T) {
	r := New(Limits{})

	g := NewGateway(nopSender{})
	require.NoError(t, r.BindGateway(g, "u1", "gw-1", false))
	require.NoError(t, r.RegisterAgent(g, protocol.AgentInfo{ID: "a1"}))

	assert.True(t, r.UnregisterAgent(g, "a1"))
	assert.False(t, r.UnregisterAgent(g, "a1"))
	_, _, ok := r.GatewayForAgent("a1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.AgentCount(g))
}
