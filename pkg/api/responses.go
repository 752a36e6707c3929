package api

import (
	"encoding/json"
	"time"

	"github.com/parley-dev/parley/pkg/engine"
	"github.com/parley-dev/parley/pkg/projection"
)

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	CreatedAt string `json:"created_at"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type createElicitationResponse struct {
	ElicitationID string `json:"elicitation_id"`
	CreatedAt     string `json:"created_at"`
}

type pendingElicitation struct {
	ID        string          `json:"id"`
	FromAgent string          `json:"from_agent"`
	Message   string          `json:"message"`
	Schema    json.RawMessage `json:"schema"`
	ExpiresAt string          `json:"expires_at"`
}

type pendingResponse struct {
	Elicitations []pendingElicitation `json:"elicitations"`
	Truncated    bool                 `json:"truncated"`
}

type respondResponse struct {
	OK            bool   `json:"ok"`
	TerminalState string `json:"terminal_state"`
}

// elicitationView is the GET /elicitation/:id projection. The response
// payload and the binding key are scoped to the parties that need them.
type elicitationView struct {
	ID                  string          `json:"id"`
	FromAgent           string          `json:"from_agent"`
	ToAgent             string          `json:"to_agent"`
	Message             string          `json:"message"`
	Schema              json.RawMessage `json:"schema"`
	Status              string          `json:"status"`
	CreatedAt           string          `json:"created_at"`
	ExpiresAt           string          `json:"expires_at"`
	TerminalAt          string          `json:"terminal_at,omitempty"`
	Nonce               string          `json:"nonce,omitempty"`
	ExpectedResponseKey string          `json:"expected_response_key,omitempty"`
	Data                json.RawMessage `json:"data,omitempty"`
	Reason              string          `json:"reason,omitempty"`
	Responder           string          `json:"responder,omitempty"`
}

func viewOf(el projection.Elicitation, viewer string) elicitationView {
	v := elicitationView{
		ID:        el.ID,
		FromAgent: el.FromAgent,
		ToAgent:   el.ToAgent,
		Message:   el.Message,
		Schema:    el.Schema,
		Status:    string(el.Status),
		CreatedAt: el.CreatedAt.Format(time.RFC3339Nano),
		ExpiresAt: el.ExpiresAt.Format(time.RFC3339Nano),
		Data:      el.ResponseData,
		Reason:    el.Reason,
		Responder: el.Responder,
	}
	if !el.TerminalAt.IsZero() {
		v.TerminalAt = el.TerminalAt.Format(time.RFC3339Nano)
	}
	// Only the addressed responder receives the binding material it must
	// echo back as its response signature.
	if viewer == el.ToAgent {
		v.Nonce = el.Nonce
		v.ExpectedResponseKey = el.ExpectedResponseKey
	}
	return v
}

func pendingItems(items []engine.PendingItem) []pendingElicitation {
	out := make([]pendingElicitation, 0, len(items))
	for _, it := range items {
		out = append(out, pendingElicitation{
			ID:        it.ID,
			FromAgent: it.FromAgent,
			Message:   it.Message,
			Schema:    it.Schema,
			ExpiresAt: it.ExpiresAt.Format(time.RFC3339Nano),
		})
	}
	return out
}

type healthResponse struct {
	Status             string `json:"status"`
	Seq                uint64 `json:"seq"`
	ActiveElicitations int    `json:"active_elicitations"`
	LiveSessions       int    `json:"live_sessions"`
	Experts            int    `json:"experts"`
}
