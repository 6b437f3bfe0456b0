package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentim/agentim/internal/hub/protocol"
)

// claudeAdapter runs the Claude Code CLI in print mode, one process per
// turn, with stream-json output. Session continuity across turns uses
// --resume with the session id from the init message.
type claudeAdapter struct {
	info Settings
	busy busyGuard

	mu        sync.Mutex
	sessionID string
	cancel    context.CancelFunc
	disposed  bool
}

func newClaudeAdapter(s Settings) Adapter {
	return &claudeAdapter{info: s}
}

func (a *claudeAdapter) Info() protocol.AgentInfo { return a.info.AgentInfo() }

func (a *claudeAdapter) SendMessage(ctx context.Context, content string, tc TurnContext) (<-chan protocol.Chunk, error) {
	if !a.busy.acquire() {
		return nil, ErrAlreadyProcessing
	}

	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		a.busy.release()
		return nil, fmt.Errorf("agent disposed")
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	resume := a.sessionID
	a.mu.Unlock()

	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
	}
	if tc.BypassPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	if sp := buildSystemPrompt(tc); sp != "" {
		args = append(args, "--append-system-prompt", sp)
	}
	args = append(args, formatPrompt(tc.SenderName, content))

	ch := make(chan protocol.Chunk, 64)
	go func() {
		defer close(ch)
		defer a.busy.release()
		defer cancel()

		err := runProcess(ctx, procOptions{
			command:         a.info.Command("claude"),
			args:            args,
			dir:             a.info.WorkDir,
			env:             SafeEnv(a.info.PassEnv),
			idleTimeout:     a.info.IdleTimeout,
			absoluteTimeout: a.info.AbsoluteTimeout,
		}, func(line []byte) {
			a.handleLine(line, ch)
		})
		logProcessEnd(a.info.ID, "claude", err)
		if err != nil && ctx.Err() == nil {
			ch <- protocol.Chunk{Type: protocol.ChunkError, Content: Redact(err.Error())}
		}
	}()
	return ch, nil
}

// handleLine maps one stream-json event to chunks. Unrecognized events
// are dropped; a non-success result event surfaces as an error chunk.
func (a *claudeAdapter) handleLine(line []byte, ch chan<- protocol.Chunk) {
	var event struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		SessionID string `json:"session_id"`
		Result    string `json:"result"`
		Message   struct {
			Content []struct {
				Type     string          `json:"type"`
				Text     string          `json:"text"`
				Thinking string          `json:"thinking"`
				Name     string          `json:"name"`
				Input    json.RawMessage `json:"input"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &event); err != nil {
		return
	}

	if event.SessionID != "" {
		a.mu.Lock()
		a.sessionID = event.SessionID
		a.mu.Unlock()
	}

	switch event.Type {
	case "assistant":
		for _, block := range event.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					ch <- protocol.Chunk{Type: protocol.ChunkText, Content: Redact(block.Text)}
				}
			case "thinking":
				if block.Thinking != "" {
					ch <- protocol.Chunk{Type: protocol.ChunkThinking, Content: Redact(block.Thinking)}
				}
			case "tool_use":
				meta, _ := json.Marshal(map[string]any{"tool": block.Name})
				ch <- protocol.Chunk{
					Type:     protocol.ChunkToolUse,
					Content:  block.Name,
					Metadata: meta,
				}
			}
		}
	case "result":
		if event.Subtype != "success" && event.Result != "" {
			ch <- protocol.Chunk{Type: protocol.ChunkError, Content: Redact(event.Result)}
		}
	}
}

func (a *claudeAdapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *claudeAdapter) Dispose() {
	a.mu.Lock()
	a.disposed = true
	a.mu.Unlock()
	a.Stop()
}

// buildSystemPrompt folds the room context into an instruction the
// agent sees on every turn.
func buildSystemPrompt(tc TurnContext) string {
	var b strings.Builder
	if tc.SystemPrompt != "" {
		b.WriteString(tc.SystemPrompt)
	}
	if len(tc.Members) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("You are in a chat room with: ")
		names := make([]string, 0, len(tc.Members))
		for _, m := range tc.Members {
			names = append(names, m.MemberName)
		}
		b.WriteString(strings.Join(names, ", "))
		b.WriteString(". Messages are prefixed with the sender's name.")
	}
	return b.String()
}

func formatPrompt(sender, content string) string {
	if sender == "" {
		return content
	}
	return sender + ": " + content
}
