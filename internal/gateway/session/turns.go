package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/agentim/agentim/internal/gateway/adapter"
	"github.com/agentim/agentim/internal/hub/protocol"
)

// runTurn drives one agent turn: invoke the adapter, relay every chunk,
// then report completion or failure. Runs on its own goroutine so the
// read loop stays responsive to stop frames.
func (s *Session) runTurn(ctx context.Context, f protocol.ServerSendToAgent) {
	a, ok := s.opts.Manager.Get(f.AgentID)
	if !ok {
		s.sendTurnFailed(f, "agent not found on this gateway")
		return
	}

	s.mu.Lock()
	rc := s.roomContexts[f.RoomID]
	s.mu.Unlock()

	tc := adapter.TurnContext{
		RoomID:       f.RoomID,
		SenderName:   f.SenderName,
		SystemPrompt: rc.SystemPrompt,
		Members:      rc.Members,
	}

	chunks, err := a.SendMessage(ctx, f.Content, tc)
	if err != nil {
		if errors.Is(err, adapter.ErrAlreadyProcessing) {
			s.sendTurnFailed(f, "agent is busy with another message")
			return
		}
		s.sendTurnFailed(f, err.Error())
		return
	}

	s.sendStatus(f.AgentID, "processing")
	defer s.sendStatus(f.AgentID, "idle")

	var full strings.Builder
	var turnErr string
	for c := range chunks {
		if c.Type == protocol.ChunkError {
			turnErr = c.Content
			continue
		}
		if c.Type == protocol.ChunkText {
			if full.Len() > 0 {
				full.WriteString("\n")
			}
			full.WriteString(c.Content)
		}
		if err := s.Send(protocol.GatewayMessageChunk{
			Type:      protocol.TypeGatewayMessageChunk,
			RoomID:    f.RoomID,
			AgentID:   f.AgentID,
			MessageID: f.MessageID,
			Chunk:     c,
		}); err != nil {
			slog.Warn("chunk relay failed", "agent_id", f.AgentID, "error", err)
		}
	}

	if ctx.Err() != nil {
		return
	}
	if turnErr != "" {
		s.sendTurnFailed(f, turnErr)
		return
	}
	_ = s.Send(protocol.GatewayMessageComplete{
		Type:        protocol.TypeGatewayMessageComplete,
		RoomID:      f.RoomID,
		AgentID:     f.AgentID,
		MessageID:   f.MessageID,
		FullContent: full.String(),
	})
}

func (s *Session) sendTurnFailed(f protocol.ServerSendToAgent, reason string) {
	_ = s.Send(protocol.GatewayTurnFailed{
		Type:      protocol.TypeGatewayTurnFailed,
		RoomID:    f.RoomID,
		AgentID:   f.AgentID,
		MessageID: f.MessageID,
		Error:     reason,
	})
}

func (s *Session) sendStatus(agentID, status string) {
	_ = s.Send(protocol.GatewayAgentStatus{
		Type:    protocol.TypeGatewayAgentStatus,
		AgentID: agentID,
		Status:  status,
	})
}
