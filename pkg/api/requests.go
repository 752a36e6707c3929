package api

import "encoding/json"

// Request bodies for the boundary API. Tokens ride in the body for POSTs and
// in the Authorization header (or token query parameter) for GETs.

type createSessionRequest struct {
	AgentID   string `json:"agent_id"`
	IPHint    string `json:"ip_hint"`
	UserAgent string `json:"user_agent"`
}

type registerExpertRequest struct {
	Token        string   `json:"token"`
	Capabilities []string `json:"capabilities"`
	Availability string   `json:"availability"`
}

type deregisterExpertRequest struct {
	Token string `json:"token"`
}

type createElicitationRequest struct {
	Token          string          `json:"token"`
	ToAgent        string          `json:"to_agent"`
	Message        string          `json:"message"`
	Schema         json.RawMessage `json:"schema"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Nonce          string          `json:"nonce"`
}

type respondRequest struct {
	Token             string          `json:"token"`
	ElicitationID     string          `json:"elicitation_id"`
	Outcome           string          `json:"outcome"`
	Data              json.RawMessage `json:"data"`
	Reason            string          `json:"reason"`
	Nonce             string          `json:"nonce"`
	ResponseSignature string          `json:"response_signature"`
}
