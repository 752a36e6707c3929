// Package registry authenticates session tokens and tracks session liveness.
// The session table itself lives in the projection; the registry adds the
// volatile side: last-active timestamps, idle detection, and the eviction
// decision when an agent exceeds its session cap. Keeping liveness out of the
// projection keeps replay deterministic.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parley-dev/parley/pkg/projection"
	"github.com/parley-dev/parley/pkg/security"
)

var (
	// ErrTokenInvalid covers malformed tokens and signature mismatches. The
	// two are indistinguishable to the caller on purpose.
	ErrTokenInvalid = errors.New("invalid session token")

	// ErrSessionNotFound is returned when the token names a session that is
	// not live.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionIdle is returned when the session exceeded the idle window.
	// The caller revokes it through the log before rejecting the request.
	ErrSessionIdle = errors.New("session idle expired")
)

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ValidAgentID reports whether the id is acceptable: 1-64 chars from a
// conservative set, so ids embed cleanly in tokens and log lines.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// Registry layers volatile session liveness over the projected session table.
type Registry struct {
	deriver     *security.Deriver
	state       *projection.State
	idleTimeout time.Duration
	maxPerAgent int

	mu         sync.Mutex
	lastActive map[string]time.Time

	now func() time.Time
}

// New builds a registry over the projected state.
func New(deriver *security.Deriver, state *projection.State, idleTimeout time.Duration, maxPerAgent int) *Registry {
	if maxPerAgent < 1 {
		maxPerAgent = 1
	}
	return &Registry{
		deriver:     deriver,
		state:       state,
		idleTimeout: idleTimeout,
		maxPerAgent: maxPerAgent,
		lastActive:  make(map[string]time.Time),
		now:         time.Now,
	}
}

// MintToken produces the wire token for a session:
// {agent_id}:{session_id}:{created_at_unixnano}:{signature}.
func (r *Registry) MintToken(sess projection.Session) string {
	createdAt := strconv.FormatInt(sess.CreatedAt.UnixNano(), 10)
	key := r.deriver.SessionKey(sess.ID)
	sig := security.TokenSignature(key, sess.AgentID, sess.ID, createdAt)
	return strings.Join([]string{sess.AgentID, sess.ID, createdAt, sig}, ":")
}

// Authenticate verifies a token end to end: shape, session existence,
// creation-time match, and signature, then the idle window. On success the
// session is touched and returned together with its derived key.
func (r *Registry) Authenticate(token string) (projection.Session, []byte, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return projection.Session{}, nil, ErrTokenInvalid
	}
	agentID, sessionID, createdAt, sig := parts[0], parts[1], parts[2], parts[3]

	sess, ok := r.state.Session(sessionID)
	if !ok {
		return projection.Session{}, nil, ErrSessionNotFound
	}
	if sess.AgentID != agentID {
		return projection.Session{}, nil, ErrTokenInvalid
	}
	nanos, err := strconv.ParseInt(createdAt, 10, 64)
	if err != nil || nanos != sess.CreatedAt.UnixNano() {
		return projection.Session{}, nil, ErrTokenInvalid
	}

	key := r.deriver.SessionKey(sessionID)
	want := security.TokenSignature(key, agentID, sessionID, createdAt)
	if !security.KeysEqual(want, sig) {
		return projection.Session{}, nil, ErrTokenInvalid
	}

	if r.isIdle(sess) {
		return sess, nil, fmt.Errorf("%w: session %s", ErrSessionIdle, sessionID)
	}

	r.Touch(sessionID)
	return sess, key, nil
}

func (r *Registry) isIdle(sess projection.Session) bool {
	if r.idleTimeout <= 0 {
		return false
	}
	r.mu.Lock()
	last, ok := r.lastActive[sess.ID]
	r.mu.Unlock()
	if !ok {
		last = sess.CreatedAt
	}
	return r.now().Sub(last) > r.idleTimeout
}

// Touch marks the session active now.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	r.lastActive[sessionID] = r.now()
	r.mu.Unlock()
}

// Forget drops liveness tracking for a revoked session.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.lastActive, sessionID)
	r.mu.Unlock()
}

// EvictionCandidate returns the oldest session to revoke if creating one more
// session for the agent would exceed the cap.
func (r *Registry) EvictionCandidate(agentID string) (projection.Session, bool) {
	sessions := r.state.SessionsOfAgent(agentID)
	if len(sessions) < r.maxPerAgent {
		return projection.Session{}, false
	}
	return sessions[0], true
}

// IdleSessions returns live sessions past the idle window, for the periodic
// sweep. Sessions never touched idle from their creation time.
func (r *Registry) IdleSessions() []projection.Session {
	if r.idleTimeout <= 0 {
		return nil
	}
	sessions := r.state.AllSessions()

	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.idleTimeout)
	var idle []projection.Session
	for _, sess := range sessions {
		last, ok := r.lastActive[sess.ID]
		if !ok {
			last = sess.CreatedAt
		}
		if last.Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	return idle
}
