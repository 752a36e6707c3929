package projection

import "encoding/json"

// Event payloads. Each log event kind carries exactly one of these, marshaled
// as the event's canonical payload. Timestamps are RFC3339Nano strings so the
// stored encoding is stable across architectures.

// SessionCreatedPayload is the payload for session.created events.
type SessionCreatedPayload struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	IPHint    string `json:"ip_hint,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Timestamp string `json:"timestamp"`
}

// SessionRevokedPayload is the payload for session.revoked events.
type SessionRevokedPayload struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Reason    string `json:"reason"` // idle_expired, evicted, explicit
	Timestamp string `json:"timestamp"`
}

// ExpertRegisteredPayload is the payload for expert.registered events.
// Registration replaces any prior advertisement by the same agent.
type ExpertRegisteredPayload struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
	Availability string   `json:"availability"` // available, busy, offline
	Timestamp    string   `json:"timestamp"`
}

// ExpertDeregisteredPayload is the payload for expert.deregistered events.
type ExpertDeregisteredPayload struct {
	AgentID   string `json:"agent_id"`
	Timestamp string `json:"timestamp"`
}

// ElicitationRequestedPayload is the payload for elicitation.requested events.
// ExpectedResponseKey binds the addressed responder to this elicitation; see
// the security package for its derivation.
type ElicitationRequestedPayload struct {
	ElicitationID       string          `json:"elicitation_id"`
	FromAgent           string          `json:"from_agent"`
	ToAgent             string          `json:"to_agent"`
	Message             string          `json:"message"`
	Schema              json.RawMessage `json:"schema"`
	TimeoutSeconds      int             `json:"timeout_seconds"`
	Nonce               string          `json:"nonce"`
	ExpectedResponseKey string          `json:"expected_response_key"`
	Timestamp           string          `json:"timestamp"`
}

// ElicitationDeliveredPayload is the payload for elicitation.delivered events,
// appended once the responder's inbox has been signalled.
type ElicitationDeliveredPayload struct {
	ElicitationID string `json:"elicitation_id"`
	ToAgent       string `json:"to_agent"`
	Timestamp     string `json:"timestamp"`
}

// ElicitationAcceptedPayload is the payload for elicitation.accepted events.
type ElicitationAcceptedPayload struct {
	ElicitationID string          `json:"elicitation_id"`
	Responder     string          `json:"responder"`
	Data          json.RawMessage `json:"data"`
	Timestamp     string          `json:"timestamp"`
}

// ElicitationDeclinedPayload is the payload for elicitation.declined events.
type ElicitationDeclinedPayload struct {
	ElicitationID string `json:"elicitation_id"`
	Responder     string `json:"responder"`
	Reason        string `json:"reason,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// ElicitationCancelledPayload is the payload for elicitation.cancelled events.
type ElicitationCancelledPayload struct {
	ElicitationID string `json:"elicitation_id"`
	Canceller     string `json:"canceller"`
	Reason        string `json:"reason,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// ElicitationExpiredPayload is the payload for elicitation.expired events.
type ElicitationExpiredPayload struct {
	ElicitationID string `json:"elicitation_id"`
	Timestamp     string `json:"timestamp"`
}

// SecurityViolationPayload is the payload for security.violation events.
// Class is a cause classifier (nonce_replay, binding_mismatch, rate_limited,
// not_addressed, unauthenticated); it carries no secrets.
type SecurityViolationPayload struct {
	ActorID   string `json:"actor_id"`
	Class     string `json:"class"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}
