// Package permstore holds pending agent permission requests awaiting a
// human decision. The store has a fixed capacity and per-entry expiry
// timers; a request is resolved (allow, deny, or timeout) at most once.
package permstore

import (
	"errors"
	"sync"
	"time"
)

// Capacity is the fixed maximum number of pending requests.
const Capacity = 1000

// sweepInterval is how often the backup sweep runs. The sweep removes
// entries whose expiry timer leaked (e.g. a timer lost to clock jumps).
const sweepInterval = time.Minute

// maxEntryAge is the hard bound on entry lifetime enforced by the sweep.
const maxEntryAge = 15 * time.Minute

// ErrFull is returned by Add when the store is at capacity.
var ErrFull = errors.New("permission store full")

// Pending describes one outstanding permission request.
type Pending struct {
	RequestID   string
	AgentID     string
	RoomID      string
	ToolName    string
	Description string
	ExpiresAt   time.Time
}

// ExpireFunc is invoked (off the store's lock) when an entry expires
// before being cleared.
type ExpireFunc func(Pending)

type entry struct {
	data      Pending
	timer     *time.Timer
	createdAt time.Time
	onExpire  ExpireFunc
}

// Store is a bounded pending-permission map. Thread-safe.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	done    chan struct{}
	stop    chan struct{}
}

// New creates a Store and starts its backup sweeper.
func New() *Store {
	s := &Store{
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Add inserts a pending request. An existing entry with the same id is
// replaced (its timer canceled). At capacity the request is rejected
// without mutating the map.
func (s *Store) Add(p Pending, onExpire ExpireFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("permission store closed")
	}

	if old, ok := s.entries[p.RequestID]; ok {
		old.timer.Stop()
	} else if len(s.entries) >= Capacity {
		return ErrFull
	}

	ttl := time.Until(p.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	e := &entry{
		data:      p,
		createdAt: time.Now(),
		onExpire:  onExpire,
	}
	e.timer = time.AfterFunc(ttl, func() { s.expire(p.RequestID, e) })
	s.entries[p.RequestID] = e
	return nil
}

// Get returns the pending request for id.
func (s *Store) Get(id string) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Pending{}, false
	}
	return e.data, true
}

// Clear resolves and removes the entry, canceling its timer. Returns
// true only for the call that actually removed it; a double clear is a
// no-op, which gives callers the at-most-once resolution guarantee.
func (s *Store) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, id)
	return true
}

// Len returns the number of pending requests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the sweeper and cancels all timers. Pending entries are
// dropped without their expiry callback.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

// expire removes the entry if it is still the registered one and runs
// its callback. Racing with Clear is resolved by the map delete: only
// one of them finds the entry present.
func (s *Store) expire(id string, e *entry) {
	s.mu.Lock()
	cur, ok := s.entries[id]
	if !ok || cur != e {
		s.mu.Unlock()
		return
	}
	delete(s.entries, id)
	s.mu.Unlock()

	if e.onExpire != nil {
		e.onExpire(e.data)
	}
}

func (s *Store) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-maxEntryAge)

	s.mu.Lock()
	var expired []*entry
	for id, e := range s.entries {
		if e.createdAt.Before(cutoff) {
			e.timer.Stop()
			delete(s.entries, id)
			expired = append(expired, e)
		}
	}
	s.mu.Unlock()

	for _, e := range expired {
		if e.onExpire != nil {
			e.onExpire(e.data)
		}
	}
}
