// Package connreg is the in-memory index of connected sockets: client
// connections, gateway connections, the agent-to-gateway mapping, and
// the room reverse index used for fan-out. It is the only shared
// mutable structure in the hub and is guarded by a single mutex; all
// sends happen outside the lock on snapshots taken under it.
package connreg

import (
	"errors"
	"sync"

	"github.com/agentim/agentim/internal/hub/protocol"
)

// Sender is the narrow outbound interface the registry records per
// socket. Implementations must be safe to call outside the registry
// lock and never block indefinitely.
type Sender interface {
	Send(data []byte) error
}

// Registry errors.
var (
	ErrTooManyConnections = errors.New("too many connections for user")
	ErrServerFull         = errors.New("server connection limit reached")
	ErrTooManyGateways    = errors.New("too many gateway connections for user")
	ErrAgentTaken         = errors.New("agent already registered by another gateway")
)

// Client is one authenticated client socket.
type Client struct {
	Conn     Sender
	UserID   string
	Username string
	joined   map[string]struct{}
}

// Gateway is one authenticated gateway socket fronting its agents.
type Gateway struct {
	Conn      Sender
	UserID    string
	GatewayID string
	Ephemeral bool
	agents    map[string]protocol.AgentInfo
}

// Limits configures connection caps. Zero values mean unlimited.
type Limits struct {
	MaxClientsPerUser  int
	MaxClients         int
	MaxGatewaysPerUser int
}

// Registry indexes live connections. Thread-safe.
type Registry struct {
	mu sync.Mutex

	clients  map[*Client]struct{}
	gateways map[*Gateway]struct{}

	onlineUsers      map[string]int
	userGatewayCount map[string]int

	agentToGateway map[string]*Gateway
	roomClients    map[string]map[*Client]struct{}

	limits Limits
}

// New creates an empty Registry with the given caps.
func New(limits Limits) *Registry {
	return &Registry{
		clients:          make(map[*Client]struct{}),
		gateways:         make(map[*Gateway]struct{}),
		onlineUsers:      make(map[string]int),
		userGatewayCount: make(map[string]int),
		agentToGateway:   make(map[string]*Gateway),
		roomClients:      make(map[string]map[*Client]struct{}),
		limits:           limits,
	}
}

// NewClient creates an unbound client record for a socket. It is not
// registered until BindClient succeeds.
func NewClient(conn Sender) *Client {
	return &Client{Conn: conn, joined: make(map[string]struct{})}
}

// NewGateway creates an unbound gateway record for a socket.
func NewGateway(conn Sender) *Gateway {
	return &Gateway{Conn: conn, agents: make(map[string]protocol.AgentInfo)}
}

// BindClient registers (or rebinds) a client socket under the given
// user identity. Caps are validated against the requested new identity
// before any counter is touched: a rejected rebinding must leave the
// original user's count intact.
func (r *Registry) BindClient(c *Client, userID, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, registered := r.clients[c]

	// 1. Validate caps against the new identity.
	if r.limits.MaxClientsPerUser > 0 && c.UserID != userID &&
		r.onlineUsers[userID] >= r.limits.MaxClientsPerUser {
		return ErrTooManyConnections
	}
	if r.limits.MaxClients > 0 && !registered && len(r.clients) >= r.limits.MaxClients {
		return ErrServerFull
	}

	// 2. Release the socket's previous binding.
	if registered && c.UserID != "" {
		r.decOnline(c.UserID)
	}

	// 3. Install the new binding.
	c.UserID = userID
	c.Username = username
	r.clients[c] = struct{}{}
	r.onlineUsers[userID]++
	return nil
}

// RemoveClient deregisters a client socket and removes it from every
// room's reverse index.
func (r *Registry) RemoveClient(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	if c.UserID != "" {
		r.decOnline(c.UserID)
	}
	for roomID := range c.joined {
		r.removeFromRoomLocked(roomID, c)
	}
	c.joined = make(map[string]struct{})
}

// JoinRoom adds the client to a room, updating the joined set and the
// reverse index in lockstep.
func (r *Registry) JoinRoom(c *Client, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}
	c.joined[roomID] = struct{}{}
	set, ok := r.roomClients[roomID]
	if !ok {
		set = make(map[*Client]struct{})
		r.roomClients[roomID] = set
	}
	set[c] = struct{}{}
}

// LeaveRoom removes the client from a room.
func (r *Registry) LeaveRoom(c *Client, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(c.joined, roomID)
	r.removeFromRoomLocked(roomID, c)
}

// RoomSnapshot returns a copy of the room's subscriber set for fan-out
// outside the lock.
func (r *Registry) RoomSnapshot(roomID string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.roomClients[roomID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// EvictUserFromRoom removes the room from every socket of the given
// user and returns the affected clients so the caller can notify them
// outside the lock. Called when membership changes via the HTTP API so
// WS state stays coherent.
func (r *Registry) EvictUserFromRoom(userID, roomID string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*Client
	for c := range r.clients {
		if c.UserID != userID {
			continue
		}
		if _, joined := c.joined[roomID]; !joined {
			continue
		}
		delete(c.joined, roomID)
		r.removeFromRoomLocked(roomID, c)
		evicted = append(evicted, c)
	}
	return evicted
}

// BindGateway registers (or rebinds) a gateway socket under the given
// identity, following the same check-then-mutate discipline as
// BindClient.
func (r *Registry) BindGateway(g *Gateway, userID, gatewayID string, ephemeral bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, registered := r.gateways[g]

	if r.limits.MaxGatewaysPerUser > 0 && g.UserID != userID &&
		r.userGatewayCount[userID] >= r.limits.MaxGatewaysPerUser {
		return ErrTooManyGateways
	}

	if registered && g.UserID != "" {
		r.decGateway(g.UserID)
	}

	g.UserID = userID
	g.GatewayID = gatewayID
	g.Ephemeral = ephemeral
	r.gateways[g] = struct{}{}
	r.userGatewayCount[userID]++
	return nil
}

// RemoveGateway deregisters a gateway socket. Every agent it had
// registered is unlinked; the cascade list is returned so the caller
// can mark them offline.
func (r *Registry) RemoveGateway(g *Gateway) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.gateways[g]; !ok {
		return nil
	}
	delete(r.gateways, g)
	if g.UserID != "" {
		r.decGateway(g.UserID)
	}

	agents := make([]string, 0, len(g.agents))
	for agentID := range g.agents {
		if r.agentToGateway[agentID] == g {
			delete(r.agentToGateway, agentID)
		}
		agents = append(agents, agentID)
	}
	g.agents = make(map[string]protocol.AgentInfo)
	return agents
}

// RegisterAgent installs the agent-to-gateway mapping for a registered
// gateway socket.
func (r *Registry) RegisterAgent(g *Gateway, agent protocol.AgentInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.gateways[g]; !ok {
		return errors.New("gateway not registered")
	}
	if owner, ok := r.agentToGateway[agent.ID]; ok && owner != g {
		return ErrAgentTaken
	}
	g.agents[agent.ID] = agent
	r.agentToGateway[agent.ID] = g
	return nil
}

// UnregisterAgent removes the agent-to-gateway mapping. Returns false
// if the agent was not registered by this gateway.
func (r *Registry) UnregisterAgent(g *Gateway, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := g.agents[agentID]; !ok {
		return false
	}
	delete(g.agents, agentID)
	if r.agentToGateway[agentID] == g {
		delete(r.agentToGateway, agentID)
	}
	return true
}

// GatewayForAgent resolves the gateway socket fronting an agent, and
// the registered agent info. ok is false for unknown agents.
func (r *Registry) GatewayForAgent(agentID string) (*Gateway, protocol.AgentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.agentToGateway[agentID]
	if !ok {
		return nil, protocol.AgentInfo{}, false
	}
	return g, g.agents[agentID], true
}

// AgentCount returns the number of agents a gateway has registered.
func (r *Registry) AgentCount(g *Gateway) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(g.agents)
}

// OnlineCount returns the number of client sockets bound to a user.
func (r *Registry) OnlineCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineUsers[userID]
}

// ClientCount returns the total number of registered client sockets.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// GatewayCount returns the number of gateway sockets bound to a user.
func (r *Registry) GatewayCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userGatewayCount[userID]
}

// JoinedRooms returns a copy of a client's joined room set.
func (r *Registry) JoinedRooms(c *Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(c.joined))
	for roomID := range c.joined {
		out = append(out, roomID)
	}
	return out
}

// decOnline decrements a user's client counter, deleting the entry at
// zero so the map stays consistent with the connection set.
func (r *Registry) decOnline(userID string) {
	if n := r.onlineUsers[userID]; n <= 1 {
		delete(r.onlineUsers, userID)
	} else {
		r.onlineUsers[userID] = n - 1
	}
}

func (r *Registry) decGateway(userID string) {
	if n := r.userGatewayCount[userID]; n <= 1 {
		delete(r.userGatewayCount, userID)
	} else {
		r.userGatewayCount[userID] = n - 1
	}
}

func (r *Registry) removeFromRoomLocked(roomID string, c *Client) {
	set, ok := r.roomClients[roomID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.roomClients, roomID)
	}
}
