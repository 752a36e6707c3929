// Package projection maintains the in-memory views derived from the event
// log: active elicitations with their secondary indexes, the archive of
// terminal elicitations, the session table, and the expert registry. State is
// mutated exclusively through Apply, a deterministic function of the event
// stream — replaying the same prefix always yields identical state.
package projection

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parley-dev/parley/pkg/eventlog"
)

// Status is an elicitation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusDeclined, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Expert availability values.
const (
	AvailabilityAvailable = "available"
	AvailabilityBusy      = "busy"
	AvailabilityOffline   = "offline"
)

// Elicitation is the projected view of one request/response exchange.
type Elicitation struct {
	ID                  string          `json:"id"`
	FromAgent           string          `json:"from_agent"`
	ToAgent             string          `json:"to_agent"`
	Message             string          `json:"message"`
	Schema              json.RawMessage `json:"schema"`
	Timeout             time.Duration   `json:"timeout"`
	CreatedAt           time.Time       `json:"created_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
	Nonce               string          `json:"nonce"`
	ExpectedResponseKey string          `json:"expected_response_key"`
	Status              Status          `json:"status"`
	ResponseData        json.RawMessage `json:"response_data,omitempty"`
	Reason              string          `json:"reason,omitempty"`
	Responder           string          `json:"responder,omitempty"`
	TerminalAt          time.Time       `json:"terminal_at,omitzero"`
	Seq                 uint64          `json:"seq"` // sequence of the latest applied event
}

// Session is the projected view of one authenticated agent session. Session
// keys are not part of the projection — they are re-derived from the master
// secret, so no secret material ever reaches the log.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	IPHint    string    `json:"ip_hint,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Expert is an agent's capability advertisement.
type Expert struct {
	AgentID      string    `json:"agent_id"`
	Capabilities []string  `json:"capabilities"`
	Availability string    `json:"availability"`
	RegisteredAt time.Time `json:"registered_at"`
}

// State holds every projection. All mutation goes through Apply; readers get
// copies and never observe intermediate states.
type State struct {
	mu  sync.RWMutex
	seq uint64

	elicitations map[string]*Elicitation
	pendingFor   map[string]map[string]bool // target agent → active elicitation ids
	createdBy    map[string]map[string]bool // creator agent → active elicitation ids

	archive      map[string]*Elicitation
	archiveOrder []string // terminal order, oldest first

	sessions      map[string]*Session
	agentSessions map[string]map[string]bool // agent → session ids

	experts map[string]*Expert
}

// NewState returns an empty projection at sequence 0.
func NewState() *State {
	return &State{
		elicitations:  make(map[string]*Elicitation),
		pendingFor:    make(map[string]map[string]bool),
		createdBy:     make(map[string]map[string]bool),
		archive:       make(map[string]*Elicitation),
		sessions:      make(map[string]*Session),
		agentSessions: make(map[string]map[string]bool),
		experts:       make(map[string]*Expert),
	}
}

// Apply advances the projection with one event. Events must arrive in exact
// sequence order; a gap or an event the state cannot absorb is a divergence
// and returns an error.
func (s *State) Apply(e eventlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Seq != s.seq+1 {
		return fmt.Errorf("projection sequence gap: have %d, got event %d", s.seq, e.Seq)
	}

	var err error
	switch e.Kind {
	case eventlog.KindSessionCreated:
		err = s.applySessionCreated(e)
	case eventlog.KindSessionRevoked:
		err = s.applySessionRevoked(e)
	case eventlog.KindExpertRegistered:
		err = s.applyExpertRegistered(e)
	case eventlog.KindExpertDeregistered:
		err = s.applyExpertDeregistered(e)
	case eventlog.KindElicitationRequested:
		err = s.applyElicitationRequested(e)
	case eventlog.KindElicitationDelivered:
		err = s.applyElicitationDelivered(e)
	case eventlog.KindElicitationAccepted:
		err = s.applyTerminal(e, StatusAccepted)
	case eventlog.KindElicitationDeclined:
		err = s.applyTerminal(e, StatusDeclined)
	case eventlog.KindElicitationCancelled:
		err = s.applyTerminal(e, StatusCancelled)
	case eventlog.KindElicitationExpired:
		err = s.applyTerminal(e, StatusExpired)
	case eventlog.KindSecurityViolation:
		// Audit-only; nothing projected.
	default:
		err = fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if err != nil {
		return fmt.Errorf("apply seq %d (%s): %w", e.Seq, e.Kind, err)
	}

	s.seq = e.Seq
	return nil
}

func (s *State) applySessionCreated(e eventlog.Event) error {
	var p SessionCreatedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return fmt.Errorf("bad timestamp: %w", err)
	}
	s.sessions[p.SessionID] = &Session{
		ID:        p.SessionID,
		AgentID:   p.AgentID,
		IPHint:    p.IPHint,
		UserAgent: p.UserAgent,
		CreatedAt: ts,
	}
	if s.agentSessions[p.AgentID] == nil {
		s.agentSessions[p.AgentID] = make(map[string]bool)
	}
	s.agentSessions[p.AgentID][p.SessionID] = true
	return nil
}

func (s *State) applySessionRevoked(e eventlog.Event) error {
	var p SessionRevokedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	sess, ok := s.sessions[p.SessionID]
	if !ok {
		return fmt.Errorf("revoke of unknown session %s", p.SessionID)
	}
	delete(s.sessions, p.SessionID)
	if ids := s.agentSessions[sess.AgentID]; ids != nil {
		delete(ids, p.SessionID)
		if len(ids) == 0 {
			delete(s.agentSessions, sess.AgentID)
			// Expert entries do not outlive their agent's last session.
			delete(s.experts, sess.AgentID)
		}
	}
	return nil
}

func (s *State) applyExpertRegistered(e eventlog.Event) error {
	var p ExpertRegisteredPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return fmt.Errorf("bad timestamp: %w", err)
	}
	caps := append([]string(nil), p.Capabilities...)
	sort.Strings(caps)
	s.experts[p.AgentID] = &Expert{
		AgentID:      p.AgentID,
		Capabilities: caps,
		Availability: p.Availability,
		RegisteredAt: ts,
	}
	return nil
}

func (s *State) applyExpertDeregistered(e eventlog.Event) error {
	var p ExpertDeregisteredPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	delete(s.experts, p.AgentID)
	return nil
}

func (s *State) applyElicitationRequested(e eventlog.Event) error {
	var p ElicitationRequestedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	if _, exists := s.elicitations[p.ElicitationID]; exists {
		return fmt.Errorf("duplicate elicitation %s", p.ElicitationID)
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return fmt.Errorf("bad timestamp: %w", err)
	}
	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	el := &Elicitation{
		ID:                  p.ElicitationID,
		FromAgent:           p.FromAgent,
		ToAgent:             p.ToAgent,
		Message:             p.Message,
		Schema:              p.Schema,
		Timeout:             timeout,
		CreatedAt:           ts,
		ExpiresAt:           ts.Add(timeout),
		Nonce:               p.Nonce,
		ExpectedResponseKey: p.ExpectedResponseKey,
		Status:              StatusPending,
		Seq:                 e.Seq,
	}
	s.elicitations[el.ID] = el
	if s.pendingFor[el.ToAgent] == nil {
		s.pendingFor[el.ToAgent] = make(map[string]bool)
	}
	s.pendingFor[el.ToAgent][el.ID] = true
	if s.createdBy[el.FromAgent] == nil {
		s.createdBy[el.FromAgent] = make(map[string]bool)
	}
	s.createdBy[el.FromAgent][el.ID] = true
	return nil
}

func (s *State) applyElicitationDelivered(e eventlog.Event) error {
	var p ElicitationDeliveredPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	el, ok := s.elicitations[p.ElicitationID]
	if !ok {
		return fmt.Errorf("delivery of unknown elicitation %s", p.ElicitationID)
	}
	if el.Status != StatusPending {
		return fmt.Errorf("delivery of elicitation %s in status %s", el.ID, el.Status)
	}
	el.Status = StatusDelivered
	el.Seq = e.Seq
	return nil
}

// terminalPayload is the common shape of the four terminal payloads.
type terminalPayload struct {
	ElicitationID string          `json:"elicitation_id"`
	Responder     string          `json:"responder,omitempty"`
	Canceller     string          `json:"canceller,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

func (s *State) applyTerminal(e eventlog.Event, status Status) error {
	var p terminalPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	el, ok := s.elicitations[p.ElicitationID]
	if !ok {
		return fmt.Errorf("terminal event for unknown elicitation %s", p.ElicitationID)
	}
	if el.Status.Terminal() {
		return fmt.Errorf("second terminal event for elicitation %s", el.ID)
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return fmt.Errorf("bad timestamp: %w", err)
	}

	el.Status = status
	el.Seq = e.Seq
	el.TerminalAt = ts
	el.Reason = p.Reason
	switch status {
	case StatusAccepted:
		el.ResponseData = p.Data
		el.Responder = p.Responder
	case StatusDeclined:
		el.Responder = p.Responder
	case StatusCancelled:
		el.Responder = p.Canceller
	}

	delete(s.elicitations, el.ID)
	if ids := s.pendingFor[el.ToAgent]; ids != nil {
		delete(ids, el.ID)
		if len(ids) == 0 {
			delete(s.pendingFor, el.ToAgent)
		}
	}
	if ids := s.createdBy[el.FromAgent]; ids != nil {
		delete(ids, el.ID)
		if len(ids) == 0 {
			delete(s.createdBy, el.FromAgent)
		}
	}
	s.archive[el.ID] = el
	s.archiveOrder = append(s.archiveOrder, el.ID)
	return nil
}

// Seq returns the sequence of the last applied event.
func (s *State) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Elicitation returns a copy of the elicitation, active or archived.
func (s *State) Elicitation(id string) (Elicitation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if el, ok := s.elicitations[id]; ok {
		return *el, true
	}
	if el, ok := s.archive[id]; ok {
		return *el, true
	}
	return Elicitation{}, false
}

// Active returns copies of all non-terminal elicitations, ordered by creation
// sequence. Used to rebuild the expiry schedule after a restart.
func (s *State) Active() []Elicitation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Elicitation, 0, len(s.elicitations))
	for _, el := range s.elicitations {
		out = append(out, *el)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingFor returns active elicitations addressed to the agent.
func (s *State) PendingFor(agent string) []Elicitation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.pendingFor[agent])
}

// CreatedBy returns active elicitations created by the agent.
func (s *State) CreatedBy(agent string) []Elicitation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.createdBy[agent])
}

func (s *State) collect(ids map[string]bool) []Elicitation {
	out := make([]Elicitation, 0, len(ids))
	for id := range ids {
		if el, ok := s.elicitations[id]; ok {
			out = append(out, *el)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Session returns a copy of the session with the given id.
func (s *State) Session(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[id]; ok {
		return *sess, true
	}
	return Session{}, false
}

// SessionsOfAgent returns the agent's live sessions, oldest first.
func (s *State) SessionsOfAgent(agent string) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.agentSessions[agent]))
	for id := range s.agentSessions[agent] {
		if sess, ok := s.sessions[id]; ok {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// AllSessions returns copies of every live session, oldest first.
func (s *State) AllSessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// HasLiveSession reports whether the agent has at least one live session.
func (s *State) HasLiveSession(agent string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agentSessions[agent]) > 0
}

// Expert returns the agent's capability advertisement, if any.
func (s *State) Expert(agent string) (Expert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.experts[agent]; ok {
		cp := *e
		cp.Capabilities = append([]string(nil), e.Capabilities...)
		return cp, true
	}
	return Expert{}, false
}

// Counts returns sizes used by health and metrics reporting.
func (s *State) Counts() (activeElicitations, liveSessions, experts int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.elicitations), len(s.sessions), len(s.experts)
}

// PruneArchive drops archived terminals older than cutoff and, beyond that,
// the oldest entries above maxEntries. Returns the number removed. Pruning is
// a retention policy, not an event — it never touches the log.
func (s *State) PruneArchive(cutoff time.Time, maxEntries int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	keep := s.archiveOrder[:0]
	for i, id := range s.archiveOrder {
		el := s.archive[id]
		overCount := maxEntries > 0 && len(s.archiveOrder)-i > maxEntries
		if el != nil && (el.TerminalAt.Before(cutoff) || overCount) {
			delete(s.archive, id)
			removed++
			continue
		}
		keep = append(keep, id)
	}
	s.archiveOrder = keep
	return removed
}
