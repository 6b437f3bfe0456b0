package protocol

import "encoding/json"

// ChunkType tags a streamed agent output chunk.
type ChunkType string

// Chunk kinds emitted by adapters.
const (
	ChunkText       ChunkType = "text"
	ChunkThinking   ChunkType = "thinking"
	ChunkToolUse    ChunkType = "tool_use"
	ChunkToolResult ChunkType = "tool_result"
	ChunkError      ChunkType = "error"
)

// Chunk is one streamed piece of an agent's reply.
type Chunk struct {
	Type     ChunkType       `json:"type"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Message is a chat message as delivered to clients and persisted by
// the hub's store collaborator.
type Message struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	SenderType string `json:"senderType"` // "user" or "agent"
	Content    string `json:"content"`
	CreatedAt  string `json:"createdAt"`
}

// AgentInfo describes an agent registered by a gateway.
type AgentInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AgentType string `json:"agentType"` // claude, codex, gemini, cursor, cli
	WorkDir   string `json:"workDir,omitempty"`
}

// DeviceInfo describes the machine a gateway runs on.
type DeviceInfo struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
}

// RoomMember is one entry of a room's membership list.
type RoomMember struct {
	MemberID   string `json:"memberId"`
	MemberType string `json:"memberType"` // "user" or "agent"
	MemberName string `json:"memberName"`
	Role       string `json:"role"`
}

// Client to server envelopes.

type ClientAuth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type ClientJoinRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type ClientLeaveRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type ClientSendMessage struct {
	Type     string   `json:"type"`
	RoomID   string   `json:"roomId"`
	Content  string   `json:"content"`
	Mentions []string `json:"mentions"`
}

type ClientStopGeneration struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	AgentID string `json:"agentId"`
}

type ClientPermissionResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"` // "allow" or "deny"
}

type ClientGetHistory struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Limit  int    `json:"limit"`
}

// Gateway to server envelopes.

type GatewayAuth struct {
	Type            string     `json:"type"`
	Token           string     `json:"token"`
	GatewayID       string     `json:"gatewayId"`
	ProtocolVersion int        `json:"protocolVersion"`
	DeviceInfo      DeviceInfo `json:"deviceInfo"`
	Ephemeral       bool       `json:"ephemeral,omitempty"`
}

type GatewayRegisterAgent struct {
	Type  string    `json:"type"`
	Agent AgentInfo `json:"agent"`
}

type GatewayUnregisterAgent struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type GatewayAgentStatus struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

type GatewayMessageChunk struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
	Chunk     Chunk  `json:"chunk"`
}

type GatewayMessageComplete struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	AgentID     string `json:"agentId"`
	MessageID   string `json:"messageId"`
	FullContent string `json:"fullContent"`
}

type GatewayTurnFailed struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

type GatewayPermissionRequest struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId"`
	AgentID     string `json:"agentId"`
	RoomID      string `json:"roomId"`
	ToolName    string `json:"toolName"`
	Description string `json:"description"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// Server to client envelopes.

type ServerAuthResult struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ServerNewMessage struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type ServerMessageChunk struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
	Chunk     Chunk  `json:"chunk"`
}

type ServerMessageComplete struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type ServerRoomRemoved struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type ServerPermissionRequest struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId"`
	AgentID     string `json:"agentId"`
	RoomID      string `json:"roomId"`
	ToolName    string `json:"toolName"`
	Description string `json:"description"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

type ServerHistory struct {
	Type     string    `json:"type"`
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server to gateway envelopes.

type ServerGatewayAuthResult struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type ServerSendToAgent struct {
	Type       string `json:"type"`
	AgentID    string `json:"agentId"`
	RoomID     string `json:"roomId"`
	MessageID  string `json:"messageId"`
	Content    string `json:"content"`
	SenderName string `json:"senderName"`
}

type ServerStopAgent struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	RoomID  string `json:"roomId"`
}

type ServerRemoveAgent struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type ServerRoomContext struct {
	Type         string       `json:"type"`
	RoomID       string       `json:"roomId"`
	SystemPrompt string       `json:"systemPrompt,omitempty"`
	Members      []RoomMember `json:"members"`
}

type ServerPermissionResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	AgentID   string `json:"agentId"`
	Decision  string `json:"decision"`
}

type ServerAgentCommand struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Command string `json:"command"`
}

type ServerQueryAgentInfo struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type ServerSpawnAgent struct {
	Type  string    `json:"type"`
	Agent AgentInfo `json:"agent"`
}
