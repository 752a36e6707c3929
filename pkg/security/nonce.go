package security

import (
	"sync"
	"time"
)

// NonceStore remembers (agent, nonce) pairs long enough to make elicitation
// creation idempotent and replays detectable. Entries map back to the
// elicitation they created so a repeat of the same request returns the
// original id instead of minting a duplicate.
type NonceStore struct {
	mu          sync.Mutex
	entries     map[string]nonceEntry
	perAgent    map[string]int
	maxPerAgent int
	retention   time.Duration
	now         func() time.Time
}

type nonceEntry struct {
	elicitationID string
	seen          time.Time
}

// NewNonceStore builds a store keeping nonces for at least retention, with a
// per-agent cap that bounds memory against a hostile client.
func NewNonceStore(retention time.Duration, maxPerAgent int) *NonceStore {
	if maxPerAgent <= 0 {
		maxPerAgent = 4096
	}
	return &NonceStore{
		entries:     make(map[string]nonceEntry),
		perAgent:    make(map[string]int),
		maxPerAgent: maxPerAgent,
		retention:   retention,
		now:         time.Now,
	}
}

// Lookup reports whether the (agent, nonce) pair was already recorded and,
// if so, the elicitation id recorded the first time. The caller decides
// whether that is an idempotent repeat or a replay attack.
func (n *NonceStore) Lookup(agentID, nonce string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.entries[agentID+"\x00"+nonce]; ok {
		return e.elicitationID, true
	}
	return "", false
}

// Observe records the nonce for the agent. Record only after the operation
// the nonce guards has durably succeeded; recording earlier would refuse a
// legitimate retry of a failed attempt as a replay. If the pair was already
// seen it returns the original elicitation id and seen=true.
func (n *NonceStore) Observe(agentID, nonce, elicitationID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := agentID + "\x00" + nonce
	if e, ok := n.entries[key]; ok {
		return e.elicitationID, true
	}
	if n.perAgent[agentID] >= n.maxPerAgent {
		n.evictOldestLocked(agentID)
	}
	n.entries[key] = nonceEntry{elicitationID: elicitationID, seen: n.now()}
	n.perAgent[agentID]++
	return elicitationID, false
}

func (n *NonceStore) evictOldestLocked(agentID string) {
	prefix := agentID + "\x00"
	var oldestKey string
	var oldest time.Time
	for k, e := range n.entries {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		if oldestKey == "" || e.seen.Before(oldest) {
			oldestKey, oldest = k, e.seen
		}
	}
	if oldestKey != "" {
		delete(n.entries, oldestKey)
		n.perAgent[agentID]--
	}
}

// Sweep drops entries older than the retention window. Returns the number
// removed; run it periodically from a background task.
func (n *NonceStore) Sweep() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := n.now().Add(-n.retention)
	removed := 0
	for k, e := range n.entries {
		if e.seen.Before(cutoff) {
			agent, _, _ := cutKey(k)
			delete(n.entries, k)
			if n.perAgent[agent] > 0 {
				n.perAgent[agent]--
			}
			if n.perAgent[agent] == 0 {
				delete(n.perAgent, agent)
			}
			removed++
		}
	}
	return removed
}

func cutKey(k string) (agent, nonce string, ok bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:], true
		}
	}
	return k, "", false
}

// Len reports the number of tracked nonces, for metrics.
func (n *NonceStore) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}
