// Package eventlog implements the append-only, hash-chained event log that is
// the source of truth for all runtime state. Events are written to segmented
// files under a data directory; closed segments are gzip-compressed. Every
// event carries a SHA-256 hash chaining the previous event, so any torn write
// or after-the-fact mutation is detectable on replay.
package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// Kind identifies the type of a log event.
type Kind string

// Event kinds. These are the only facts the system records; all projections
// are derived from them.
const (
	KindSessionCreated       Kind = "session.created"
	KindSessionRevoked       Kind = "session.revoked"
	KindExpertRegistered     Kind = "expert.registered"
	KindExpertDeregistered   Kind = "expert.deregistered"
	KindElicitationRequested Kind = "elicitation.requested"
	KindElicitationDelivered Kind = "elicitation.delivered"
	KindElicitationAccepted  Kind = "elicitation.accepted"
	KindElicitationDeclined  Kind = "elicitation.declined"
	KindElicitationCancelled Kind = "elicitation.cancelled"
	KindElicitationExpired   Kind = "elicitation.expired"
	KindSecurityViolation    Kind = "security.violation"
)

// Terminal reports whether the kind ends an elicitation's lifecycle.
func (k Kind) Terminal() bool {
	switch k {
	case KindElicitationAccepted, KindElicitationDeclined,
		KindElicitationCancelled, KindElicitationExpired:
		return true
	}
	return false
}

// Event is an immutable record in the log. Seq and Hash are assigned by the
// log on append; callers fill in the rest.
type Event struct {
	Seq         uint64          `json:"seq"`
	Time        int64           `json:"time"` // unix nanoseconds
	Kind        Kind            `json:"kind"`
	AggregateID string          `json:"aggregate_id"`
	ActorID     string          `json:"actor_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Hash        string          `json:"hash"`
}

// chainHash computes the integrity hash for an event given the previous
// event's hash: SHA-256(prev_hash | seq | kind | payload). The payload bytes
// are the canonical encoding — they are hashed exactly as stored.
func chainHash(prevHash string, seq uint64, kind Kind, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(kind))
	h.Write([]byte{'|'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
