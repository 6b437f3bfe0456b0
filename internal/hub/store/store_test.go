package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentim/agentim/internal/hub/db"
	"github.com/agentim/agentim/internal/hub/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(conn))
	return New(conn)
}

func TestRoomLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	roomID, err := s.CreateRoom(ctx, "project-x", "You are helping with project X.", true)
	require.NoError(t, err)
	require.NotEmpty(t, roomID)

	room, err := s.Room(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "project-x", room.Name)
	assert.True(t, room.BroadcastMode)
	assert.NotEmpty(t, room.CreatedAt)

	_, err = s.Room(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteRoom(ctx, roomID))
	assert.ErrorIs(t, s.DeleteRoom(ctx, roomID), ErrNotFound)
}

func TestMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	roomID, err := s.CreateRoom(ctx, "room", "", false)
	require.NoError(t, err)

	require.NoError(t, s.AddMember(ctx, roomID, protocol.RoomMember{
		MemberID: "u1", MemberType: MemberUser, MemberName: "alice", Role: "owner",
	}))
	require.NoError(t, s.AddMember(ctx, roomID, protocol.RoomMember{
		MemberID: "a1", MemberType: MemberAgent, MemberName: "claude", Role: "member",
	}))

	ok, err := s.IsMember(ctx, roomID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsMember(ctx, roomID, "stranger")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := s.RoomMembers(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	// Re-adding updates in place.
	require.NoError(t, s.AddMember(ctx, roomID, protocol.RoomMember{
		MemberID: "u1", MemberType: MemberUser, MemberName: "alice-renamed", Role: "member",
	}))
	members, err = s.RoomMembers(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	rooms, err := s.RoomsForMember(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{roomID}, rooms)

	require.NoError(t, s.RemoveMember(ctx, roomID, "a1"))
	assert.ErrorIs(t, s.RemoveMember(ctx, roomID, "a1"), ErrNotFound)
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	roomID, err := s.CreateRoom(ctx, "room", "", false)
	require.NoError(t, err)

	long := strings.Repeat("compressible content ", 500)
	for i := 0; i < 5; i++ {
		msg := protocol.Message{
			RoomID:     roomID,
			SenderID:   "u1",
			SenderName: "alice",
			SenderType: MemberUser,
			Content:    fmt.Sprintf("message %d %s", i, long),
			CreatedAt:  fmt.Sprintf("2026-08-24T10:00:0%d.000Z", i),
		}
		require.NoError(t, s.AppendMessage(ctx, &msg))
		assert.NotEmpty(t, msg.ID)
	}

	msgs, err := s.RecentMessages(ctx, roomID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// Chronological order, newest window.
	assert.True(t, strings.HasPrefix(msgs[0].Content, "message 2"))
	assert.True(t, strings.HasPrefix(msgs[2].Content, "message 4"))
	assert.Equal(t, "alice", msgs[0].SenderName)

	// Content survives the compression round trip intact.
	assert.Contains(t, msgs[0].Content, long)
}

func TestRecentMessagesEmptyRoom(t *testing.T) {
	s := newTestStore(t)

	msgs, err := s.RecentMessages(context.Background(), "no-such-room", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAgentRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := Agent{
		ID: "a1", Name: "claude", AgentType: "claude", WorkDir: "/srv/proj",
		OwnerUserID: "u1", GatewayID: "gw-1", Online: true, Status: "idle",
	}
	require.NoError(t, s.UpsertAgent(ctx, agent))

	got, err := s.Agent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.Name)
	assert.True(t, got.Online)

	require.NoError(t, s.SetAgentOnline(ctx, "a1", false))
	require.NoError(t, s.UpdateAgentStatus(ctx, "a1", "working"))

	got, err = s.Agent(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, got.Online)
	assert.Equal(t, "working", got.Status)

	// Re-registration refreshes the record.
	agent.WorkDir = "/srv/other"
	require.NoError(t, s.UpsertAgent(ctx, agent))
	got, err = s.Agent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "/srv/other", got.WorkDir)

	agents, err := s.AgentsForOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, agents, 1)

	_, err = s.Agent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
