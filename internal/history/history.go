// Package history implements the per-session conversation history store used
// by the relay pipeline to preserve multi-turn context across otherwise
// independent webhook requests.
//
// The store is a bounded, TTL-evicting, in-memory map from session key
// (channel-namespaced sender identity, e.g. "telegram:123") to an ordered
// list of chat turns plus a last-activity timestamp. It is designed for a
// single-process deployment:
//
//   - Per-session turn lists are capped at 2×maxTurns entries; the oldest
//     entries are dropped first, preserving role alternation in the tail.
//   - Sessions idle longer than the TTL are evicted opportunistically on
//     inbound-message arrival (AppendUser); there is no background sweeper.
//   - Read operations return copies, never references, so callers cannot
//     mutate stored history in place.
//
// The store is safe for concurrent use. A single mutex guards the session
// map; no lock is ever held across network calls, and both the sweep
// (O(sessions)) and appends (O(1)) are short critical sections.
package history

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// Defaults applied by New when the corresponding argument is not positive.
const (
	// DefaultMaxTurns is the number of user+assistant pairs retained per
	// session (40 stored turns).
	DefaultMaxTurns = 20
	// DefaultSessionTTL is how long an idle session survives before the
	// stale sweep removes it.
	DefaultSessionTTL = 24 * time.Hour
)

// session holds the turns and last-activity time for one session key.
type session struct {
	turns    []domain.ChatTurn
	lastSeen time.Time
}

// Store is an in-memory conversation history store keyed by session.
//
// Construct it with New; the zero value is not usable. The Store owns all
// ChatTurn data it holds: Get hands out copies.
type Store struct {
	mu          sync.Mutex
	maxMessages int // 2 × maxTurns; each turn pair is user + assistant
	ttl         time.Duration
	sessions    map[string]*session
}

// New constructs a Store retaining at most maxTurns user+assistant pairs per
// session and evicting sessions idle longer than sessionTTL. Non-positive
// arguments fall back to the package defaults, so the same process can run
// independently configured stores for tests.
func New(maxTurns int, sessionTTL time.Duration) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &Store{
		maxMessages: maxTurns * 2,
		ttl:         sessionTTL,
		sessions:    make(map[string]*session),
	}
}

// Get returns an independent copy of the turns stored for sessionKey, oldest
// first. A session with no history yields an empty slice. Get never fails,
// and later mutation of the returned slice does not affect the store.
func (s *Store) Get(sessionKey string) []domain.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey]
	if !ok {
		return []domain.ChatTurn{}
	}
	out := make([]domain.ChatTurn, len(sess.turns))
	copy(out, sess.turns)
	return out
}

// AppendUser records an inbound user turn for sessionKey. It first sweeps
// stale sessions (inbound arrival is the only sweep trigger, bounding sweep
// frequency to one per new message), then appends, refreshes the session's
// last-activity timestamp, and truncates to the retention cap.
func (s *Store) AppendUser(sessionKey, content string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Sweep BEFORE touching the target session so an expired entry for this
	// very key is discarded rather than extended.
	s.evictStale(now)

	sess := s.getOrCreate(sessionKey)
	sess.turns = append(sess.turns, domain.ChatTurn{Role: domain.RoleUser, Content: content})
	sess.lastSeen = now
	s.truncate(sessionKey, sess)
}

// AppendAssistant records an assistant reply for sessionKey, refreshes the
// last-activity timestamp, and truncates. It does not trigger the stale
// sweep; that runs only on inbound arrival.
func (s *Store) AppendAssistant(sessionKey, content string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreate(sessionKey)
	sess.turns = append(sess.turns, domain.ChatTurn{Role: domain.RoleAssistant, Content: content})
	sess.lastSeen = now
	s.truncate(sessionKey, sess)
}

// Clear removes all history for sessionKey. It is a no-op when the session
// is absent.
func (s *Store) Clear(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey)
}

// Sessions reports the number of tracked sessions. Intended for diagnostics
// and tests; the value may be stale by the time it is read.
func (s *Store) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// getOrCreate must be called with s.mu held.
func (s *Store) getOrCreate(sessionKey string) *session {
	sess, ok := s.sessions[sessionKey]
	if !ok {
		sess = &session{}
		s.sessions[sessionKey] = sess
	}
	return sess
}

// truncate drops the oldest turns until the retention cap holds. Appends
// alternate user/assistant, so dropping from the front preserves role
// alternation in the retained tail. Must be called with s.mu held.
func (s *Store) truncate(sessionKey string, sess *session) {
	if over := len(sess.turns) - s.maxMessages; over > 0 {
		sess.turns = append([]domain.ChatTurn(nil), sess.turns[over:]...)
		log.Debug().
			Str("session", sessionKey).
			Int("dropped", over).
			Msg("truncated conversation history")
	}
}

// evictStale removes every session idle for longer than the TTL. Must be
// called with s.mu held.
func (s *Store) evictStale(now time.Time) {
	for key, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > s.ttl {
			delete(s.sessions, key)
			log.Debug().Str("session", key).Msg("evicted stale conversation session")
		}
	}
}
