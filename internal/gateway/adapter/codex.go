package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentim/agentim/internal/hub/protocol"
)

// codexAdapter runs `codex exec` in JSON mode, one process per turn.
// Thread continuity uses `exec resume <thread-id>` with the id captured
// from the thread.started event.
type codexAdapter struct {
	info Settings
	busy busyGuard

	mu       sync.Mutex
	threadID string
	cancel   context.CancelFunc
	disposed bool
}

func newCodexAdapter(s Settings) Adapter {
	// Codex has no interactive permission callback; tool approvals are
	// collapsed into an approval policy flag per turn.
	slog.Warn("codex agent maps permissions to an approval policy, per-tool prompts are unavailable", "agent", s.Name)
	return &codexAdapter{info: s}
}

func (a *codexAdapter) Info() protocol.AgentInfo { return a.info.AgentInfo() }

func (a *codexAdapter) SendMessage(ctx context.Context, content string, tc TurnContext) (<-chan protocol.Chunk, error) {
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
	resume := a.threadID
	a.mu.Unlock()

	args := []string{"exec"}
	if resume != "" {
		args = append(args, "resume", resume)
	}
	args = append(args, "--json", "--skip-git-repo-check")
	if tc.BypassPermissions {
		args = append(args, "--sandbox", "danger-full-access", "--ask-for-approval", "never")
	} else {
		args = append(args, "--ask-for-approval", "on-request")
	}

	prompt := formatPrompt(tc.SenderName, content)
	if sp := buildSystemPrompt(tc); sp != "" {
		prompt = sp + "\n\n" + prompt
	}

	ch := make(chan protocol.Chunk, 64)
	go func() {
		defer close(ch)
		defer a.busy.release()
		defer cancel()

		err := runProcess(ctx, procOptions{
			command:         a.info.Command("codex"),
			args:            args,
			dir:             a.info.WorkDir,
			env:             SafeEnv(a.info.PassEnv),
			stdin:           prompt,
			idleTimeout:     a.info.IdleTimeout,
			absoluteTimeout: a.info.AbsoluteTimeout,
		}, func(line []byte) {
			a.handleLine(line, ch)
		})
		logProcessEnd(a.info.ID, "codex", err)
		if err != nil && ctx.Err() == nil {
			ch <- protocol.Chunk{Type: protocol.ChunkError, Content: Redact(err.Error())}
		}
	}()
	return ch, nil
}

func (a *codexAdapter) handleLine(line []byte, ch chan<- protocol.Chunk) {
	var event struct {
		Type     string `json:"type"`
		ThreadID string `json:"thread_id"`
		Item     struct {
			Type    string `json:"item_type"`
			Text    string `json:"text"`
			Command string `json:"command"`
		} `json:"item"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(line, &event); err != nil {
		return
	}

	switch event.Type {
	case "thread.started":
		if event.ThreadID != "" {
			a.mu.Lock()
			a.threadID = event.ThreadID
			a.mu.Unlock()
		}
	case "item.completed":
		switch event.Item.Type {
		case "agent_message":
			if event.Item.Text != "" {
				ch <- protocol.Chunk{Type: protocol.ChunkText, Content: Redact(event.Item.Text)}
			}
		case "reasoning":
			if event.Item.Text != "" {
				ch <- protocol.Chunk{Type: protocol.ChunkThinking, Content: Redact(event.Item.Text)}
			}
		case "command_execution":
			if event.Item.Command != "" {
				ch <- protocol.Chunk{Type: protocol.ChunkToolUse, Content: Redact(event.Item.Command)}
			}
		}
	case "error":
		if event.Message != "" {
			ch <- protocol.Chunk{Type: protocol.ChunkError, Content: Redact(event.Message)}
		}
	}
}

func (a *codexAdapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *codexAdapter) Dispose() {
	a.mu.Lock()
	a.disposed = true
	a.mu.Unlock()
	a.Stop()
}
