package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentim/agentim/internal/hub/protocol"
)

// oneShotAdapter covers CLIs without a streaming JSON mode (gemini,
// cursor, arbitrary commands). The prompt goes in as an argument and
// every stdout line comes back as a text chunk. No session state
// carries between turns.
type oneShotAdapter struct {
	info     Settings
	command  string
	baseArgs []string
	busy     busyGuard

	mu       sync.Mutex
	cancel   context.CancelFunc
	disposed bool
}

func newOneShotAdapter(s Settings, command string, baseArgs []string) Adapter {
	return &oneShotAdapter{info: s, command: s.Command(command), baseArgs: baseArgs}
}

func (a *oneShotAdapter) Info() protocol.AgentInfo { return a.info.AgentInfo() }

func (a *oneShotAdapter) SendMessage(ctx context.Context, content string, tc TurnContext) (<-chan protocol.Chunk, error) {
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
	a.mu.Unlock()

	prompt := formatPrompt(tc.SenderName, content)
	if sp := buildSystemPrompt(tc); sp != "" {
		prompt = sp + "\n\n" + prompt
	}
	args := append(append([]string{}, a.baseArgs...), prompt)

	ch := make(chan protocol.Chunk, 64)
	go func() {
		defer close(ch)
		defer a.busy.release()
		defer cancel()

		err := runProcess(ctx, procOptions{
			command:         a.command,
			args:            args,
			dir:             a.info.WorkDir,
			env:             SafeEnv(a.info.PassEnv),
			idleTimeout:     a.info.IdleTimeout,
			absoluteTimeout: a.info.AbsoluteTimeout,
		}, func(line []byte) {
			ch <- protocol.Chunk{Type: protocol.ChunkText, Content: Redact(string(line))}
		})
		logProcessEnd(a.info.ID, a.command, err)
		if err != nil && ctx.Err() == nil {
			ch <- protocol.Chunk{Type: protocol.ChunkError, Content: Redact(err.Error())}
		}
	}()
	return ch, nil
}

func (a *oneShotAdapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *oneShotAdapter) Dispose() {
	a.mu.Lock()
	a.disposed = true
	a.mu.Unlock()
	a.Stop()
}
