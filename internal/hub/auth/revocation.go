package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentim/agentim/internal/metrics"
)

const (
	// maxMemoryRevocations bounds the in-memory watermark map.
	maxMemoryRevocations = 10_000

	// memorySweepInterval is how often stale watermarks are swept.
	memorySweepInterval = time.Hour

	// memoryEntryMaxAge is the age beyond which a watermark is swept.
	// Access tokens live far shorter than this, so an old watermark
	// can no longer reject anything.
	memoryEntryMaxAge = 24 * time.Hour

	// revocationChannel is the shared-store pub/sub channel.
	revocationChannel = "agentim:revocations"
)

// revocationKey is the shared-store key for a user's watermark.
func revocationKey(userID string) string {
	return "revoked:" + userID
}

type revocationEntry struct {
	userID      string
	revokedAtMs int64
	storedAt    time.Time
}

// RevocationRegistry tracks per-user revocation watermarks: a token
// issued strictly before the watermark is rejected. It is two-tier:
// a bounded in-process LRU map plus an optional shared store with
// HMAC-signed pub/sub for cross-process propagation. Shared-store read
// failures fail open: the memory layer still catches single-process
// revocations and the access-token TTL bounds exposure.
type RevocationRegistry struct {
	mu      sync.Mutex
	entries map[string]*list.Element // userID -> *revocationEntry element
	lru     *list.List               // front = most recently used

	hmacSecret []byte
	accessTTL  time.Duration
	rdb        *redis.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRevocationRegistry creates a registry. rdb may be nil, in which
// case revocations are process-local only. hmacSecret signs pub/sub
// envelopes; accessTTL bounds how long shared-store watermarks are
// retained.
func NewRevocationRegistry(rdb *redis.Client, hmacSecret []byte, accessTTL time.Duration) *RevocationRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &RevocationRegistry{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		hmacSecret: hmacSecret,
		accessTTL:  accessTTL,
		rdb:        rdb,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	if rdb == nil {
		slog.Warn("revocation registry running without shared store; cross-process revocation disabled")
	}

	go r.run(ctx)
	return r
}

// Revoke records a revocation watermark of now for the user. Errors
// writing to the shared store propagate; publish failures do not.
func (r *RevocationRegistry) Revoke(ctx context.Context, userID string) error {
	now := time.Now()
	r.setMemory(userID, now.UnixMilli())
	metrics.RevocationsTotal.Inc()

	if r.rdb == nil {
		return nil
	}

	if err := r.rdb.Set(ctx, revocationKey(userID), now.UnixMilli(), r.accessTTL).Err(); err != nil {
		return fmt.Errorf("store revocation: %w", err)
	}

	if err := r.publish(ctx, userID, now.UnixMilli()); err != nil {
		slog.Warn("publish revocation failed", "user_id", userID, "error", err)
	}
	return nil
}

// IsRevoked reports whether a token with the given issue time (ms) is
// revoked for the user. The memory layer is consulted first; on a
// shared-store error the check fails open.
func (r *RevocationRegistry) IsRevoked(ctx context.Context, userID string, iatMs int64) bool {
	if wm, ok := r.getMemory(userID); ok && iatMs < wm {
		return true
	}

	if r.rdb == nil {
		return false
	}

	val, err := r.rdb.Get(ctx, revocationKey(userID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("revocation store read failed, failing open", "user_id", userID, "error", err)
		}
		return false
	}

	wm, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		slog.Warn("invalid revocation watermark in shared store", "user_id", userID, "value", val)
		return false
	}

	// Cache in memory so subsequent checks skip the round trip.
	r.setMemory(userID, wm)
	return iatMs < wm
}

// Close stops the subscriber and sweeper.
func (r *RevocationRegistry) Close() {
	r.cancel()
	<-r.done
}

type revocationBody struct {
	UserID      string `json:"userId"`
	RevokedAtMs int64  `json:"revokedAtMs"`
}

type signedEnvelope struct {
	Body string `json:"body"`
	Sig  string `json:"sig"`
}

func (r *RevocationRegistry) publish(ctx context.Context, userID string, revokedAtMs int64) error {
	body, err := json.Marshal(revocationBody{UserID: userID, RevokedAtMs: revokedAtMs})
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, r.hmacSecret)
	mac.Write(body)
	env, err := json.Marshal(signedEnvelope{
		Body: string(body),
		Sig:  hex.EncodeToString(mac.Sum(nil)),
	})
	if err != nil {
		return err
	}

	return r.rdb.Publish(ctx, revocationChannel, env).Err()
}

// handleMessage processes one pub/sub payload. Signed envelopes are
// verified with a constant-time comparison. Legacy unsigned bodies are
// accepted with a warning for one release, then rejected.
func (r *RevocationRegistry) handleMessage(payload []byte) {
	var env signedEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Sig != "" {
		mac := hmac.New(sha256.New, r.hmacSecret)
		mac.Write([]byte(env.Body))
		want, err := hex.DecodeString(env.Sig)
		if err != nil || !hmac.Equal(mac.Sum(nil), want) {
			slog.Warn("revocation message with invalid signature dropped")
			return
		}

		var body revocationBody
		if err := json.Unmarshal([]byte(env.Body), &body); err != nil || body.UserID == "" {
			slog.Warn("revocation message with invalid body dropped")
			return
		}
		r.setMemory(body.UserID, body.RevokedAtMs)
		return
	}

	// Legacy unsigned envelope: the body is the payload itself.
	var body revocationBody
	if err := json.Unmarshal(payload, &body); err != nil || body.UserID == "" {
		slog.Warn("unparseable revocation message dropped")
		return
	}
	slog.Warn("accepted legacy unsigned revocation message; unsigned support is deprecated",
		"user_id", body.UserID)
	r.setMemory(body.UserID, body.RevokedAtMs)
}

func (r *RevocationRegistry) run(ctx context.Context) {
	defer close(r.done)

	var msgCh <-chan *redis.Message
	if r.rdb != nil {
		sub := r.rdb.Subscribe(ctx, revocationChannel)
		defer func() { _ = sub.Close() }()
		msgCh = sub.Channel()
	}

	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				// Transport loss: fail open, keep serving from memory.
				msgCh = nil
				slog.Warn("revocation subscription lost; continuing with in-memory layer only")
				continue
			}
			r.handleMessage([]byte(msg.Payload))
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *RevocationRegistry) setMemory(userID string, revokedAtMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[userID]; ok {
		entry := el.Value.(*revocationEntry)
		if revokedAtMs > entry.revokedAtMs {
			entry.revokedAtMs = revokedAtMs
		}
		entry.storedAt = time.Now()
		r.lru.MoveToFront(el)
		return
	}

	if len(r.entries) >= maxMemoryRevocations {
		oldest := r.lru.Back()
		if oldest != nil {
			evicted := oldest.Value.(*revocationEntry)
			r.lru.Remove(oldest)
			delete(r.entries, evicted.userID)
		}
	}

	r.entries[userID] = r.lru.PushFront(&revocationEntry{
		userID:      userID,
		revokedAtMs: revokedAtMs,
		storedAt:    time.Now(),
	})
}

func (r *RevocationRegistry) getMemory(userID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.entries[userID]
	if !ok {
		return 0, false
	}
	r.lru.MoveToFront(el)
	return el.Value.(*revocationEntry).revokedAtMs, true
}

func (r *RevocationRegistry) sweep() {
	cutoff := time.Now().Add(-memoryEntryMaxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	for el := r.lru.Back(); el != nil; {
		entry := el.Value.(*revocationEntry)
		prev := el.Prev()
		if entry.storedAt.Before(cutoff) {
			r.lru.Remove(el)
			delete(r.entries, entry.userID)
		}
		el = prev
	}
}

// memoryLen reports the number of in-memory watermarks. Test helper.
func (r *RevocationRegistry) memoryLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
