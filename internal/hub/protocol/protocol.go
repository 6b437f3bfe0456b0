// Package protocol defines the JSON wire frames exchanged between the
// hub, human clients, and gateways. Every frame is a JSON object with a
// mandatory "type" field; the sets of accepted types per direction are
// closed.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version carried in the gateway handshake.
// A mismatch is fatal for the peer: it must not auto-reconnect.
const Version = 1

// MaxFrameSize is the maximum accepted inbound frame size in bytes.
// Frames at exactly this size are accepted; one byte more is rejected
// with CodeMessageTooLarge.
const MaxFrameSize = 64 * 1024

// Error codes sent in server:error frames.
const (
	CodeMessageTooLarge         = "MESSAGE_TOO_LARGE"
	CodeProtocolVersionMismatch = "PROTOCOL_VERSION_MISMATCH"
	CodeUnauthenticated         = "UNAUTHENTICATED"
	CodeForbidden               = "FORBIDDEN"
	CodeTooManyConnections      = "TOO_MANY_CONNECTIONS"
	CodePermissionStoreFull     = "PERMISSION_STORE_FULL"
	CodeUnknownType             = "UNKNOWN_TYPE"
	CodeInternal                = "INTERNAL"
)

// Frame type tags, client to server.
const (
	TypeClientAuth               = "client:auth"
	TypeClientJoinRoom           = "client:join_room"
	TypeClientLeaveRoom          = "client:leave_room"
	TypeClientSendMessage        = "client:send_message"
	TypeClientStopGeneration     = "client:stop_generation"
	TypeClientPermissionResponse = "client:permission_response"
	TypeClientGetHistory         = "client:get_history"
)

// Frame type tags, gateway to server.
const (
	TypeGatewayAuth              = "gateway:auth"
	TypeGatewayRegisterAgent     = "gateway:register_agent"
	TypeGatewayUnregisterAgent   = "gateway:unregister_agent"
	TypeGatewayAgentStatus       = "gateway:agent_status"
	TypeGatewayMessageChunk      = "gateway:message_chunk"
	TypeGatewayMessageComplete   = "gateway:message_complete"
	TypeGatewayTurnFailed        = "gateway:turn_failed"
	TypeGatewayPermissionRequest = "gateway:permission_request"
)

// Frame type tags, server to client.
const (
	TypeServerAuthResult        = "server:auth_result"
	TypeServerNewMessage        = "server:new_message"
	TypeServerMessageChunk      = "server:message_chunk"
	TypeServerMessageComplete   = "server:message_complete"
	TypeServerRoomRemoved       = "server:room_removed"
	TypeServerPermissionRequest = "server:permission_request"
	TypeServerHistory           = "server:history"
	TypeServerError             = "server:error"
)

// Frame type tags, server to gateway.
const (
	TypeServerGatewayAuthResult = "server:gateway_auth_result"
	TypeServerSendToAgent       = "server:send_to_agent"
	TypeServerStopAgent         = "server:stop_agent"
	TypeServerRemoveAgent       = "server:remove_agent"
	TypeServerRoomContext       = "server:room_context"
	TypeServerPermissionResp    = "server:permission_response"
	TypeServerAgentCommand      = "server:agent_command"
	TypeServerQueryAgentInfo    = "server:query_agent_info"
	TypeServerSpawnAgent        = "server:spawn_agent"
)

// ErrFrameTooLarge is returned by Decode for frames over MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Sniff extracts the type tag from a raw frame without decoding the
// rest of the payload. It enforces the inbound size cap.
func Sniff(data []byte) (string, error) {
	if len(data) > MaxFrameSize {
		return "", ErrFrameTooLarge
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("frame has no type field")
	}
	return envelope.Type, nil
}

// Encode marshals a frame for the wire.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode unmarshals a raw frame into the given envelope struct.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
