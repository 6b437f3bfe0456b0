package broker

import (
	"sync"
	"time"
)

// Turn states. A turn is one agent reply in one room, and at most one
// turn per (roomID, agentID) streams at a time. Once a turn reaches a
// terminal state, late chunks for the same message are dropped.
type turnState int

const (
	turnStreaming turnState = iota
	turnDone
	turnFailed
)

// turnIdleLimit is how long a streaming turn may go without activity
// before the sweeper fails it. Terminal turns are retained briefly so
// late chunks can be recognized and dropped.
const (
	turnIdleLimit     = 10 * time.Minute
	turnTerminalGrace = time.Minute
	turnSweepInterval = time.Minute
)

type turnKey struct {
	roomID  string
	agentID string
}

type turn struct {
	state        turnState
	messageID    string
	lastActivity time.Time
}

// turnTracker holds per-agent reply state. Thread-safe.
type turnTracker struct {
	mu    sync.Mutex
	turns map[turnKey]*turn
}

func newTurnTracker() *turnTracker {
	return &turnTracker{turns: make(map[turnKey]*turn)}
}

// observeChunk records chunk activity. It returns true when the chunk
// should be delivered: the turn is created on the first chunk, a
// second concurrent message for the same room and agent is rejected,
// and chunks after a terminal transition are dropped.
func (t *turnTracker) observeChunk(roomID, agentID, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := turnKey{roomID: roomID, agentID: agentID}
	tr, ok := t.turns[key]
	if !ok {
		t.turns[key] = &turn{state: turnStreaming, messageID: messageID, lastActivity: time.Now()}
		return true
	}
	if tr.state == turnStreaming {
		if tr.messageID != messageID {
			return false
		}
		tr.lastActivity = time.Now()
		return true
	}
	if tr.messageID == messageID {
		// Late chunk after the terminal transition.
		return false
	}
	// The previous turn ended; a new message starts a fresh one.
	*tr = turn{state: turnStreaming, messageID: messageID, lastActivity: time.Now()}
	return true
}

// finish moves a turn to a terminal state. Returns false for duplicate
// complete/failed frames and for messages that are not the active turn.
func (t *turnTracker) finish(roomID, agentID, messageID string, failed bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := turnDone
	if failed {
		state = turnFailed
	}

	key := turnKey{roomID: roomID, agentID: agentID}
	tr, ok := t.turns[key]
	if !ok {
		// Complete without any prior chunk is a valid one-shot reply.
		t.turns[key] = &turn{state: state, messageID: messageID, lastActivity: time.Now()}
		return true
	}
	if tr.state == turnStreaming {
		if tr.messageID != messageID {
			return false
		}
		tr.state = state
		tr.lastActivity = time.Now()
		return true
	}
	if tr.messageID == messageID {
		return false
	}
	// One-shot reply following an already finished turn.
	*tr = turn{state: state, messageID: messageID, lastActivity: time.Now()}
	return true
}

// failAgent fails every streaming turn of an agent (gateway loss).
// Returns the (roomID, messageID) pairs of the turns that were failed.
func (t *turnTracker) failAgent(agentID string) [][2]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var failed [][2]string
	for key, tr := range t.turns {
		if key.agentID != agentID || tr.state != turnStreaming {
			continue
		}
		tr.state = turnFailed
		tr.lastActivity = time.Now()
		failed = append(failed, [2]string{key.roomID, tr.messageID})
	}
	return failed
}

// sweep drops idle streaming turns and aged-out terminal turns. Returns
// the (agentID, roomID, messageID) triples of streaming turns that were
// failed for idleness so the caller can notify rooms.
func (t *turnTracker) sweep() [][3]string {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var idled [][3]string
	for key, tr := range t.turns {
		switch tr.state {
		case turnStreaming:
			if now.Sub(tr.lastActivity) > turnIdleLimit {
				idled = append(idled, [3]string{key.agentID, key.roomID, tr.messageID})
				delete(t.turns, key)
			}
		default:
			if now.Sub(tr.lastActivity) > turnTerminalGrace {
				delete(t.turns, key)
			}
		}
	}
	return idled
}

func (t *turnTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns)
}
