// Package adapter runs AI coding agent CLIs as child processes and
// normalizes their output into chunk streams. One adapter instance
// fronts one configured agent; a turn is one user message and the
// stream it produces.
package adapter

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/agentim/agentim/internal/hub/protocol"
)

// ErrAlreadyProcessing is returned by SendMessage while a previous
// turn's stream is still open. Agents are single-turn: the caller
// queues or rejects, the adapter never interleaves.
var ErrAlreadyProcessing = errors.New("agent is already processing a message")

// TurnContext carries the room state an adapter may fold into its
// prompt or process configuration.
type TurnContext struct {
	RoomID       string
	SenderName   string
	SystemPrompt string
	Members      []protocol.RoomMember

	// BypassPermissions runs the agent without tool-use prompts. Off,
	// tool use that needs approval surfaces as a permission request.
	BypassPermissions bool
}

// Adapter is one configured agent. SendMessage starts a turn and
// returns a stream of chunks; the stream is closed when the turn ends.
// Stop interrupts the current turn; Dispose releases everything.
type Adapter interface {
	Info() protocol.AgentInfo
	SendMessage(ctx context.Context, content string, tc TurnContext) (<-chan protocol.Chunk, error)
	Stop()
	Dispose()
}

// busyGuard is the single-turn latch shared by all adapters.
type busyGuard struct {
	busy atomic.Bool
}

// acquire claims the turn slot. Returns false when a turn is running.
func (g *busyGuard) acquire() bool {
	return g.busy.CompareAndSwap(false, true)
}

func (g *busyGuard) release() {
	g.busy.Store(false)
}

func (g *busyGuard) isBusy() bool {
	return g.busy.Load()
}
