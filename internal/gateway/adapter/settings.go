package adapter

import (
	"fmt"
	"time"

	"github.com/agentim/agentim/internal/hub/protocol"
)

// Agent types an adapter exists for.
const (
	TypeClaude  = "claude"
	TypeCodex   = "codex"
	TypeGemini  = "gemini"
	TypeCursor  = "cursor"
	TypeGeneric = "cli"
)

// Settings configures one agent instance on a gateway.
type Settings struct {
	ID        string
	Name      string
	AgentType string
	WorkDir   string

	// CommandOverride replaces the default CLI binary. Required for the
	// generic type, optional elsewhere.
	CommandOverride string
	// ExtraArgs are prepended before the prompt for the generic type.
	ExtraArgs []string
	// PassEnv names environment variables allowed through the
	// sensitivity filter.
	PassEnv []string

	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
}

func (s Settings) AgentInfo() protocol.AgentInfo {
	return protocol.AgentInfo{
		ID:        s.ID,
		Name:      s.Name,
		AgentType: s.AgentType,
		WorkDir:   s.WorkDir,
	}
}

// Command resolves the binary to run, preferring the override.
func (s Settings) Command(dflt string) string {
	if s.CommandOverride != "" {
		return s.CommandOverride
	}
	return dflt
}

// New builds the adapter for the settings' agent type.
func New(s Settings) (Adapter, error) {
	switch s.AgentType {
	case TypeClaude:
		return newClaudeAdapter(s), nil
	case TypeCodex:
		return newCodexAdapter(s), nil
	case TypeGemini:
		return newOneShotAdapter(s, "gemini", []string{"-p"}), nil
	case TypeCursor:
		return newOneShotAdapter(s, "cursor-agent", []string{"-p", "--output-format", "text"}), nil
	case TypeGeneric:
		if s.CommandOverride == "" {
			return nil, fmt.Errorf("agent type %q requires a command", TypeGeneric)
		}
		return newOneShotAdapter(s, s.CommandOverride, s.ExtraArgs), nil
	default:
		return nil, fmt.Errorf("unknown agent type %q", s.AgentType)
	}
}
