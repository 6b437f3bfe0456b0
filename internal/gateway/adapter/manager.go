package adapter

import (
	"sync"

	"github.com/agentim/agentim/internal/hub/protocol"
)

// Manager holds the live adapters of one gateway, keyed by agent ID.
type Manager struct {
	mu       sync.Mutex
	adapters map[string]Adapter

	// OnEmpty, when set, fires after a Remove leaves the manager with
	// zero adapters. Used by ephemeral gateways to shut down.
	OnEmpty func()
}

func NewManager() *Manager {
	return &Manager{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its agent ID, disposing any previous
// adapter with the same ID.
func (m *Manager) Register(a Adapter) {
	id := a.Info().ID
	m.mu.Lock()
	old := m.adapters[id]
	m.adapters[id] = a
	m.mu.Unlock()
	if old != nil {
		old.Dispose()
	}
}

func (m *Manager) Get(id string) (Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[id]
	return a, ok
}

// Remove disposes and drops one adapter. Returns whether it existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	a, ok := m.adapters[id]
	delete(m.adapters, id)
	empty := len(m.adapters) == 0
	onEmpty := m.OnEmpty
	m.mu.Unlock()

	if !ok {
		return false
	}
	a.Dispose()
	if empty && onEmpty != nil {
		onEmpty()
	}
	return true
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.adapters)
}

// List returns the registered agents in no particular order.
func (m *Manager) List() []protocol.AgentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.AgentInfo, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a.Info())
	}
	return out
}

// DisposeAll tears down every adapter, for gateway shutdown.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	all := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		all = append(all, a)
	}
	m.adapters = make(map[string]Adapter)
	m.mu.Unlock()
	for _, a := range all {
		a.Dispose()
	}
}
