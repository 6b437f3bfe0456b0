// Package store is the hub's persistence layer: rooms, memberships,
// chat history, and agent records. Message content is compressed with
// zstd before hitting the messages table and transparently decompressed
// on read.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentim/agentim/internal/hub/id"
	"github.com/agentim/agentim/internal/hub/msgcodec"
	"github.com/agentim/agentim/internal/hub/protocol"
	"github.com/agentim/agentim/internal/util/timefmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Member types stored in room_members and messages.
const (
	MemberUser  = "user"
	MemberAgent = "agent"
)

// Room is a persisted chat room.
type Room struct {
	ID            string
	Name          string
	SystemPrompt  string
	BroadcastMode bool
	CreatedAt     string
	UpdatedAt     string
}

// Agent is a persisted agent record. Online state is maintained by the
// broker as gateways connect and disconnect.
type Agent struct {
	ID          string
	Name        string
	AgentType   string
	WorkDir     string
	OwnerUserID string
	GatewayID   string
	Online      bool
	Status      string
}

// Store wraps the SQLite handle with typed queries.
type Store struct {
	db *sql.DB
}

// New creates a Store over an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRoom inserts a room and returns its generated id.
func (s *Store) CreateRoom(ctx context.Context, name, systemPrompt string, broadcastMode bool) (string, error) {
	roomID := id.Generate()
	now := timefmt.Format(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, system_prompt, broadcast_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		roomID, name, systemPrompt, boolToInt(broadcastMode), now, now)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return roomID, nil
}

// Room fetches a room by id.
func (s *Store) Room(ctx context.Context, roomID string) (Room, error) {
	var r Room
	var broadcast int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, system_prompt, broadcast_mode, created_at, updated_at
		FROM rooms WHERE id = ?`, roomID).
		Scan(&r.ID, &r.Name, &r.SystemPrompt, &broadcast, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	r.BroadcastMode = broadcast != 0
	return r, nil
}

// DeleteRoom removes a room; members and messages cascade.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMember inserts or updates a room membership.
func (s *Store) AddMember(ctx context.Context, roomID string, m protocol.RoomMember) error {
	now := timefmt.Format(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, member_id, member_type, member_name, role, joined_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, member_id) DO UPDATE SET
			member_name = excluded.member_name,
			role = excluded.role`,
		roomID, m.MemberID, m.MemberType, m.MemberName, m.Role, now)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember deletes a room membership.
func (s *Store) RemoveMember(ctx context.Context, roomID, memberID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM room_members WHERE room_id = ? AND member_id = ?`, roomID, memberID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RoomMembers lists a room's membership.
func (s *Store) RoomMembers(ctx context.Context, roomID string) ([]protocol.RoomMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id, member_type, member_name, role
		FROM room_members WHERE room_id = ? ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []protocol.RoomMember
	for rows.Next() {
		var m protocol.RoomMember
		if err := rows.Scan(&m.MemberID, &m.MemberType, &m.MemberName, &m.Role); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// IsMember reports whether memberID belongs to the room.
func (s *Store) IsMember(ctx context.Context, roomID, memberID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM room_members WHERE room_id = ? AND member_id = ?`,
		roomID, memberID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// RoomsForMember lists room ids the member belongs to.
func (s *Store) RoomsForMember(ctx context.Context, memberID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id FROM room_members WHERE member_id = ?`, memberID)
	if err != nil {
		return nil, fmt.Errorf("list rooms for member: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("scan room id: %w", err)
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

// AppendMessage persists a message, compressing its content. The
// message's ID and CreatedAt are filled in when empty.
func (s *Store) AppendMessage(ctx context.Context, msg *protocol.Message) error {
	if msg.ID == "" {
		msg.ID = id.Generate()
	}
	if msg.CreatedAt == "" {
		msg.CreatedAt = timefmt.Format(time.Now())
	}

	content, compression := msgcodec.Compress([]byte(msg.Content))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, sender_name, sender_type, content, content_compression, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, msg.SenderType,
		content, compression, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns the most recent limit messages of a room in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, sender_name, sender_type, content, content_compression, created_at
		FROM messages WHERE room_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []protocol.Message
	for rows.Next() {
		var m protocol.Message
		var content []byte
		var compression string
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.SenderType,
			&content, &compression, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		decoded, err := msgcodec.Decompress(content, compression)
		if err != nil {
			return nil, fmt.Errorf("decode message %s: %w", m.ID, err)
		}
		m.Content = string(decoded)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UpsertAgent inserts or refreshes an agent record at registration time.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	now := timefmt.Format(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, agent_type, work_dir, owner_user_id, gateway_id, online, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			agent_type = excluded.agent_type,
			work_dir = excluded.work_dir,
			gateway_id = excluded.gateway_id,
			online = excluded.online,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, a.AgentType, a.WorkDir, a.OwnerUserID, a.GatewayID,
		boolToInt(a.Online), a.Status, now, now)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// Agent fetches an agent record by id.
func (s *Store) Agent(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	var online int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, agent_type, work_dir, owner_user_id, gateway_id, online, status
		FROM agents WHERE id = ?`, agentID).
		Scan(&a.ID, &a.Name, &a.AgentType, &a.WorkDir, &a.OwnerUserID, &a.GatewayID, &online, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	a.Online = online != 0
	return a, nil
}

// SetAgentOnline flips an agent's online flag.
func (s *Store) SetAgentOnline(ctx context.Context, agentID string, online bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET online = ?, updated_at = ? WHERE id = ?`,
		boolToInt(online), timefmt.Format(time.Now()), agentID)
	if err != nil {
		return fmt.Errorf("set agent online: %w", err)
	}
	return nil
}

// UpdateAgentStatus records an agent's reported status string.
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		status, timefmt.Format(time.Now()), agentID)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

// AgentsForOwner lists an owner's agents.
func (s *Store) AgentsForOwner(ctx context.Context, ownerUserID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, agent_type, work_dir, owner_user_id, gateway_id, online, status
		FROM agents WHERE owner_user_id = ? ORDER BY name`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var online int
		if err := rows.Scan(&a.ID, &a.Name, &a.AgentType, &a.WorkDir, &a.OwnerUserID,
			&a.GatewayID, &online, &a.Status); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Online = online != 0
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
