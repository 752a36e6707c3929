// Package engine implements the elicitation lifecycle over the event log:
// session and expert management, create/respond/poll/get, the expiry
// scheduler, and the security checks that gate every mutation. All writes
// funnel through a single commit gate so the log, the projection, and the
// notification fabric advance together.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-dev/parley/pkg/eventlog"
	"github.com/parley-dev/parley/pkg/metrics"
	"github.com/parley-dev/parley/pkg/notify"
	"github.com/parley-dev/parley/pkg/projection"
	"github.com/parley-dev/parley/pkg/registry"
	"github.com/parley-dev/parley/pkg/security"
)

// Options configures an Engine. Log, State, Deriver, Registry, and Fabric are
// required; the rest default sensibly.
type Options struct {
	Log      *eventlog.Log
	State    *projection.State
	Deriver  *security.Deriver
	Registry *registry.Registry
	Fabric   *notify.Fabric
	Metrics  *metrics.Metrics

	SnapshotDir      string
	SnapshotInterval uint64 // events between snapshots, 0 disables

	TimeoutCap     time.Duration // maximum accepted elicitation timeout
	CreateRate     int           // creates per minute per agent
	RespondRate    int           // responds per minute per agent
	Burst          int
	NonceRetention time.Duration

	SweepInterval time.Duration // nonce and rate bucket sweep cadence
}

const (
	defaultTimeoutCap  = time.Hour
	defaultCreateRate  = 10
	defaultRespondRate = 20
	defaultBurst       = 3
)

// Engine is the coordination core. One instance per process.
type Engine struct {
	mu sync.Mutex // commit gate: serializes append+apply+notify

	log     *eventlog.Log
	state   *projection.State
	deriver *security.Deriver
	reg     *registry.Registry
	fabric  *notify.Fabric
	metrics *metrics.Metrics

	createNonces  *security.NonceStore
	respondNonces *security.NonceStore
	createLimit   *security.RateLimiter
	respondLimit  *security.RateLimiter

	timeoutCap       time.Duration
	snapshotDir      string
	snapshotInterval uint64
	lastSnapshot     uint64
	sweepInterval    time.Duration

	expiry *expirySchedule

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// New wires an engine over already-recovered components and seeds the expiry
// schedule from the live projection.
func New(opts Options) *Engine {
	if opts.TimeoutCap <= 0 {
		opts.TimeoutCap = defaultTimeoutCap
	}
	if opts.CreateRate <= 0 {
		opts.CreateRate = defaultCreateRate
	}
	if opts.RespondRate <= 0 {
		opts.RespondRate = defaultRespondRate
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.NonceRetention <= 0 {
		opts.NonceRetention = opts.TimeoutCap + 5*time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	e := &Engine{
		log:              opts.Log,
		state:            opts.State,
		deriver:          opts.Deriver,
		reg:              opts.Registry,
		fabric:           opts.Fabric,
		metrics:          opts.Metrics,
		createNonces:     security.NewNonceStore(opts.NonceRetention, 0),
		respondNonces:    security.NewNonceStore(opts.NonceRetention, 0),
		createLimit:      security.NewRateLimiter(opts.CreateRate, opts.Burst),
		respondLimit:     security.NewRateLimiter(opts.RespondRate, opts.Burst),
		timeoutCap:       opts.TimeoutCap,
		snapshotDir:      opts.SnapshotDir,
		snapshotInterval: opts.SnapshotInterval,
		lastSnapshot:     opts.State.Seq(),
		sweepInterval:    opts.SweepInterval,
		expiry:           newExpirySchedule(),
		stopCh:           make(chan struct{}),
		now:              time.Now,
		newID:            func() string { return uuid.NewString() },
	}
	for _, el := range opts.State.Active() {
		e.expiry.schedule(el.ID, el.ExpiresAt)
	}
	return e
}

// Start launches the expiry scheduler and the periodic sweeps.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.runExpiry()
	go e.runSweeps()
}

// Stop halts background tasks and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// commit appends events, applies them to the projection, and takes a
// snapshot when due. Callers hold e.mu. The returned slice carries the
// assigned sequences and hashes.
func (e *Engine) commit(events []eventlog.Event) ([]eventlog.Event, error) {
	if _, err := e.log.Append(events...); err != nil {
		if errors.Is(err, eventlog.ErrIntegrity) {
			return nil, E(KindIntegrityFailure, "event log: %v", err)
		}
		return nil, E(KindStorageUnavailable, "event log: %v", err)
	}
	for _, ev := range events {
		if err := e.state.Apply(ev); err != nil {
			// The log accepted what the projection cannot: corrupted
			// invariants, not a client mistake.
			return nil, E(KindIntegrityFailure, "projection: %v", err)
		}
	}
	if e.metrics != nil {
		e.metrics.EventsAppendedTotal.Add(float64(len(events)))
	}
	e.maybeSnapshot()
	return events, nil
}

// maybeSnapshot writes a snapshot when enough events have accumulated. It
// runs under the commit gate so the stamped hash always matches the state.
func (e *Engine) maybeSnapshot() {
	if e.snapshotInterval == 0 || e.snapshotDir == "" {
		return
	}
	seq := e.state.Seq()
	if seq-e.lastSnapshot < e.snapshotInterval {
		return
	}
	e.lastSnapshot = seq
	path, err := projection.WriteSnapshot(e.snapshotDir, e.state, e.log.LastHash())
	if err != nil {
		slog.Warn("Snapshot write failed", "seq", seq, "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.SnapshotsWrittenTotal.Inc()
	}
	slog.Info("Snapshot written", "seq", seq, "path", path)
}

// audit records a security denial in the log. Best effort: an audit append
// failure must not mask the denial being reported.
func (e *Engine) audit(actorID string, class Kind, detail string) {
	payload, err := json.Marshal(projection.SecurityViolationPayload{
		ActorID:   actorID,
		Class:     string(class),
		Detail:    detail,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if _, err := e.commit([]eventlog.Event{{
		Kind:        eventlog.KindSecurityViolation,
		AggregateID: actorID,
		ActorID:     actorID,
		Payload:     payload,
	}}); err != nil {
		slog.Warn("Audit append failed", "actor", actorID, "class", class, "error", err)
	}
	if e.metrics != nil {
		e.metrics.SecurityViolationsTotal.WithLabelValues(string(class)).Inc()
	}
}

// authenticate resolves a token to a live, non-idle session. Idle sessions
// are revoked lazily here, which is the only place they are noticed.
// Callers hold e.mu.
func (e *Engine) authenticate(token string) (projection.Session, error) {
	sess, _, err := e.reg.Authenticate(token)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, registry.ErrSessionIdle):
		e.revokeSession(sess, "idle_expired")
		return projection.Session{}, E(KindUnauthenticated, "session expired")
	default:
		return projection.Session{}, E(KindUnauthenticated, "invalid token")
	}
}

// revokeSession commits a SessionRevoked event. Callers hold e.mu.
func (e *Engine) revokeSession(sess projection.Session, reason string) {
	payload, err := json.Marshal(projection.SessionRevokedPayload{
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		Reason:    reason,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if _, err := e.commit([]eventlog.Event{{
		Kind:        eventlog.KindSessionRevoked,
		AggregateID: sess.ID,
		ActorID:     sess.AgentID,
		Payload:     payload,
	}}); err != nil {
		slog.Warn("Session revoke failed", "session_id", sess.ID, "reason", reason, "error", err)
		return
	}
	e.reg.Forget(sess.ID)
	if !e.state.HasLiveSession(sess.AgentID) {
		e.fabric.Remove(sess.AgentID)
	}
}

func (e *Engine) opResult(op string, err error) {
	if e.metrics == nil {
		return
	}
	if err != nil {
		e.metrics.Operation(op, string(KindOf(err)))
		return
	}
	e.metrics.Operation(op, "ok")
}

// Authenticate resolves a token to its session for callers outside the
// engine, with the same lazy idle revocation as every operation.
func (e *Engine) Authenticate(token string) (projection.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authenticate(token)
}

// SessionResult is what a successful session creation returns.
type SessionResult struct {
	Session projection.Session
	Token   string
}

// CreateSession mints a session for the agent, evicting the oldest one when
// the per-agent cap is reached.
func (e *Engine) CreateSession(agentID, ipHint, userAgent string) (res SessionResult, err error) {
	defer func() { e.opResult("create_session", err) }()

	if !registry.ValidAgentID(agentID) {
		return SessionResult{}, E(KindInvalidArgument, "invalid agent_id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if victim, ok := e.reg.EvictionCandidate(agentID); ok {
		e.revokeSession(victim, "evicted")
	}

	now := e.now().UTC()
	sessionID := e.newID()
	payload, merr := json.Marshal(projection.SessionCreatedPayload{
		SessionID: sessionID,
		AgentID:   agentID,
		IPHint:    ipHint,
		UserAgent: userAgent,
		Timestamp: now.Format(time.RFC3339Nano),
	})
	if merr != nil {
		return SessionResult{}, E(KindInvalidArgument, "unencodable session fields")
	}
	if _, err := e.commit([]eventlog.Event{{
		Kind:        eventlog.KindSessionCreated,
		AggregateID: sessionID,
		ActorID:     agentID,
		Payload:     payload,
	}}); err != nil {
		return SessionResult{}, err
	}

	sess, ok := e.state.Session(sessionID)
	if !ok {
		return SessionResult{}, E(KindIntegrityFailure, "session missing after commit")
	}
	e.reg.Touch(sessionID)
	return SessionResult{Session: sess, Token: e.reg.MintToken(sess)}, nil
}

// RegisterExpert records or replaces the agent's capability advertisement.
func (e *Engine) RegisterExpert(token string, capabilities []string, availability string) (err error) {
	defer func() { e.opResult("register_expert", err) }()

	switch availability {
	case projection.AvailabilityAvailable, projection.AvailabilityBusy, projection.AvailabilityOffline:
	default:
		return E(KindInvalidArgument, "invalid availability %q", availability)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.authenticate(token)
	if err != nil {
		return err
	}
	payload, merr := json.Marshal(projection.ExpertRegisteredPayload{
		AgentID:      sess.AgentID,
		Capabilities: capabilities,
		Availability: availability,
		Timestamp:    e.now().UTC().Format(time.RFC3339Nano),
	})
	if merr != nil {
		return E(KindInvalidArgument, "unencodable capabilities")
	}
	_, err = e.commit([]eventlog.Event{{
		Kind:        eventlog.KindExpertRegistered,
		AggregateID: sess.AgentID,
		ActorID:     sess.AgentID,
		Payload:     payload,
	}})
	return err
}

// DeregisterExpert withdraws the agent's advertisement.
func (e *Engine) DeregisterExpert(token string) (err error) {
	defer func() { e.opResult("deregister_expert", err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.authenticate(token)
	if err != nil {
		return err
	}
	if _, ok := e.state.Expert(sess.AgentID); !ok {
		return E(KindNotFound, "no expert registration for %s", sess.AgentID)
	}
	payload, merr := json.Marshal(projection.ExpertDeregisteredPayload{
		AgentID:   sess.AgentID,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
	})
	if merr != nil {
		return E(KindInvalidArgument, "unencodable payload")
	}
	_, err = e.commit([]eventlog.Event{{
		Kind:        eventlog.KindExpertDeregistered,
		AggregateID: sess.AgentID,
		ActorID:     sess.AgentID,
		Payload:     payload,
	}})
	return err
}

// CreateRequest carries the inputs of an elicitation creation.
type CreateRequest struct {
	Token          string
	ToAgent        string
	Message        string
	Schema         json.RawMessage
	TimeoutSeconds int
	Nonce          string
}

// CreateResult is the outcome of a successful (or idempotently repeated)
// creation.
type CreateResult struct {
	ElicitationID string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Create opens a new elicitation addressed to ToAgent. Repeating a create
// with the same nonce and identical addressing returns the original id; a
// reused nonce with different content is a replay and is refused.
func (e *Engine) Create(req CreateRequest) (res CreateResult, err error) {
	defer func() { e.opResult("create", err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.authenticate(req.Token)
	if err != nil {
		return CreateResult{}, err
	}
	actor := sess.AgentID

	if req.Nonce == "" {
		return CreateResult{}, E(KindInvalidArgument, "nonce is required")
	}
	if req.Message == "" {
		return CreateResult{}, E(KindInvalidArgument, "message is required")
	}
	if !registry.ValidAgentID(req.ToAgent) {
		return CreateResult{}, E(KindInvalidArgument, "invalid to_agent")
	}
	if req.ToAgent == actor {
		return CreateResult{}, E(KindInvalidArgument, "cannot elicit yourself")
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if req.TimeoutSeconds <= 0 || timeout > e.timeoutCap {
		return CreateResult{}, E(KindInvalidArgument,
			"timeout_seconds must be in (0, %d]", int(e.timeoutCap.Seconds()))
	}

	// The idempotency lookup comes before the rate charge so retrying an
	// already-committed create returns the original id without burning a
	// token. The nonce is recorded only after commit: a failed append must
	// leave the nonce reusable, since the log did not advance.
	if originalID, seen := e.createNonces.Lookup(actor, req.Nonce); seen {
		if orig, ok := e.state.Elicitation(originalID); ok &&
			orig.FromAgent == actor && orig.ToAgent == req.ToAgent && orig.Message == req.Message {
			return CreateResult{ElicitationID: orig.ID, CreatedAt: orig.CreatedAt, ExpiresAt: orig.ExpiresAt}, nil
		}
		e.audit(actor, KindNonceReplay, "create nonce reused with different content")
		return CreateResult{}, E(KindNonceReplay, "nonce already used")
	}

	if ok, retryAfter, first := e.createLimit.Allow(actor); !ok {
		if first {
			e.audit(actor, KindRateLimited, "create bucket drained")
		}
		return CreateResult{}, &Error{Kind: KindRateLimited, Detail: "create rate exceeded", RetryAfter: retryAfter}
	}

	targetSessions := e.state.SessionsOfAgent(req.ToAgent)
	if len(targetSessions) == 0 {
		return CreateResult{}, E(KindUnknownTarget, "agent %s has no live session", req.ToAgent)
	}

	if _, serr := ParseSchema(req.Schema); serr != nil {
		return CreateResult{}, E(KindSchemaInvalid, "%v", serr)
	}

	elID := e.newID()

	// Bind the response to the target's newest session key. Only the holder
	// of that session can later produce the signature.
	bindingSession := targetSessions[len(targetSessions)-1]
	expectedKey := security.ResponseBindingKey(e.deriver.SessionKey(bindingSession.ID), elID, req.Nonce)

	now := e.now().UTC()
	payload, merr := json.Marshal(projection.ElicitationRequestedPayload{
		ElicitationID:       elID,
		FromAgent:           actor,
		ToAgent:             req.ToAgent,
		Message:             req.Message,
		Schema:              req.Schema,
		TimeoutSeconds:      req.TimeoutSeconds,
		Nonce:               req.Nonce,
		ExpectedResponseKey: expectedKey,
		Timestamp:           now.Format(time.RFC3339Nano),
	})
	if merr != nil {
		return CreateResult{}, E(KindInvalidArgument, "unencodable request")
	}
	if _, err := e.commit([]eventlog.Event{{
		Kind:        eventlog.KindElicitationRequested,
		AggregateID: elID,
		ActorID:     actor,
		Payload:     payload,
	}}); err != nil {
		return CreateResult{}, err
	}
	e.createNonces.Observe(actor, req.Nonce, elID)

	el, ok := e.state.Elicitation(elID)
	if !ok {
		return CreateResult{}, E(KindIntegrityFailure, "elicitation missing after commit")
	}
	e.expiry.schedule(elID, el.ExpiresAt)
	e.deliverLocked(el)

	return CreateResult{ElicitationID: elID, CreatedAt: el.CreatedAt, ExpiresAt: el.ExpiresAt}, nil
}

// deliverLocked signals the target's inbox and records the delivery. Callers
// hold e.mu and pass a Pending elicitation.
func (e *Engine) deliverLocked(el projection.Elicitation) {
	e.fabric.Publish(el.ToAgent, notify.Notification{
		Kind:          notify.KindDelivery,
		ElicitationID: el.ID,
		Status:        projection.StatusPending,
		FromAgent:     el.FromAgent,
		ToAgent:       el.ToAgent,
		Seq:           el.Seq,
	})
	payload, err := json.Marshal(projection.ElicitationDeliveredPayload{
		ElicitationID: el.ID,
		ToAgent:       el.ToAgent,
		Timestamp:     e.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if _, err := e.commit([]eventlog.Event{{
		Kind:        eventlog.KindElicitationDelivered,
		AggregateID: el.ID,
		ActorID:     el.ToAgent,
		Payload:     payload,
	}}); err != nil {
		// The notification is out; the delivery will be re-recorded on the
		// target's next poll.
		slog.Warn("Delivery record failed", "elicitation_id", el.ID, "error", err)
	}
}

// Outcome values accepted by Respond.
const (
	OutcomeAccept  = "accept"
	OutcomeDecline = "decline"
	OutcomeCancel  = "cancel"
)

// RespondRequest carries the inputs of a respond operation.
type RespondRequest struct {
	Token             string
	ElicitationID     string
	Outcome           string
	Data              json.RawMessage
	Reason            string
	Nonce             string
	ResponseSignature string
}

// RespondResult reports the terminal state reached.
type RespondResult struct {
	TerminalState projection.Status
}

// Respond resolves an elicitation: accept or decline by the addressed target,
// cancel by the creator. Exactly one terminal transition ever wins.
func (e *Engine) Respond(req RespondRequest) (res RespondResult, err error) {
	defer func() { e.opResult("respond", err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.authenticate(req.Token)
	if err != nil {
		return RespondResult{}, err
	}
	actor := sess.AgentID

	if req.Outcome != OutcomeAccept && req.Outcome != OutcomeDecline && req.Outcome != OutcomeCancel {
		return RespondResult{}, E(KindInvalidArgument, "invalid outcome %q", req.Outcome)
	}
	if req.Nonce == "" {
		return RespondResult{}, E(KindInvalidArgument, "nonce is required")
	}

	el, ok := e.state.Elicitation(req.ElicitationID)
	if !ok {
		return RespondResult{}, E(KindNotFound, "unknown elicitation")
	}
	if el.Status.Terminal() {
		return RespondResult{}, E(KindAlreadyTerminal, "elicitation is %s", el.Status)
	}

	switch req.Outcome {
	case OutcomeAccept, OutcomeDecline:
		if actor != el.ToAgent {
			e.audit(actor, KindNotAddressed, "respond to elicitation addressed elsewhere")
			return RespondResult{}, E(KindNotAddressed, "elicitation is not addressed to you")
		}
		if !security.KeysEqual(el.ExpectedResponseKey, req.ResponseSignature) {
			e.audit(actor, KindBindingMismatch, "response signature mismatch")
			return RespondResult{}, E(KindBindingMismatch, "response signature does not match")
		}
	case OutcomeCancel:
		if actor != el.FromAgent {
			e.audit(actor, KindNotAddressed, "cancel by non-creator")
			return RespondResult{}, E(KindNotAddressed, "only the creator may cancel")
		}
	}

	if req.Outcome == OutcomeAccept {
		schema, serr := ParseSchema(el.Schema)
		if serr != nil {
			return RespondResult{}, E(KindIntegrityFailure, "stored schema unparseable: %v", serr)
		}
		if verr := schema.Validate(req.Data); verr != nil {
			e.audit(actor, KindSchemaInvalid, "accept payload rejected by schema")
			return RespondResult{}, E(KindSchemaInvalid, "%v", verr)
		}
	}

	// Replay check precedes the commit; the nonce itself is recorded only
	// after the terminal event is durable, so a failed append leaves the
	// nonce free for the retry.
	if _, seen := e.respondNonces.Lookup(actor, req.Nonce); seen {
		e.audit(actor, KindNonceReplay, "respond nonce reused")
		return RespondResult{}, E(KindNonceReplay, "nonce already used")
	}

	if ok, retryAfter, first := e.respondLimit.Allow(actor); !ok {
		if first {
			e.audit(actor, KindRateLimited, "respond bucket drained")
		}
		return RespondResult{}, &Error{Kind: KindRateLimited, Detail: "respond rate exceeded", RetryAfter: retryAfter}
	}

	now := e.now().UTC().Format(time.RFC3339Nano)
	var (
		kind     eventlog.Kind
		status   projection.Status
		payload  any
		notified string
	)
	switch req.Outcome {
	case OutcomeAccept:
		kind, status, notified = eventlog.KindElicitationAccepted, projection.StatusAccepted, el.FromAgent
		payload = projection.ElicitationAcceptedPayload{
			ElicitationID: el.ID, Responder: actor, Data: req.Data, Timestamp: now,
		}
	case OutcomeDecline:
		kind, status, notified = eventlog.KindElicitationDeclined, projection.StatusDeclined, el.FromAgent
		payload = projection.ElicitationDeclinedPayload{
			ElicitationID: el.ID, Responder: actor, Reason: req.Reason, Timestamp: now,
		}
	case OutcomeCancel:
		kind, status, notified = eventlog.KindElicitationCancelled, projection.StatusCancelled, el.ToAgent
		payload = projection.ElicitationCancelledPayload{
			ElicitationID: el.ID, Canceller: actor, Reason: req.Reason, Timestamp: now,
		}
	}

	data, merr := json.Marshal(payload)
	if merr != nil {
		return RespondResult{}, E(KindInvalidArgument, "unencodable response")
	}
	events, err := e.commit([]eventlog.Event{{
		Kind:        kind,
		AggregateID: el.ID,
		ActorID:     actor,
		Payload:     data,
	}})
	if err != nil {
		return RespondResult{}, err
	}
	e.respondNonces.Observe(actor, req.Nonce, el.ID)

	e.fabric.Publish(notified, notify.Notification{
		Kind:          notify.KindResolution,
		ElicitationID: el.ID,
		Status:        status,
		FromAgent:     el.FromAgent,
		ToAgent:       el.ToAgent,
		Seq:           events[0].Seq,
	})
	return RespondResult{TerminalState: status}, nil
}

// PendingItem is one entry of a poll response.
type PendingItem struct {
	ID        string
	FromAgent string
	Message   string
	Schema    json.RawMessage
	ExpiresAt time.Time
}

// Poll drains the agent's inbox, waiting up to maxWait for something to
// arrive, and returns the addressed elicitations behind the drained delivery
// notifications. Elicitations whose delivery record was lost to a crash are
// picked up here and re-recorded, so nothing addressed is ever stranded.
func (e *Engine) Poll(ctx context.Context, token string, maxWait time.Duration) (items []PendingItem, truncated bool, err error) {
	defer func() { e.opResult("poll", err) }()

	e.mu.Lock()
	sess, err := e.authenticate(token)
	if err != nil {
		e.mu.Unlock()
		return nil, false, err
	}
	actor := sess.AgentID

	undelivered := e.undeliveredLocked(actor)
	e.mu.Unlock()

	inbox := e.fabric.Inbox(actor)
	var notifs []notify.Notification
	if len(undelivered) > 0 {
		notifs, truncated = inbox.Drain()
	} else {
		notifs, truncated = inbox.Wait(ctx, maxWait)
	}

	seen := make(map[string]bool)
	for _, el := range undelivered {
		seen[el.ID] = true
		items = append(items, pendingItem(el))
	}
	for _, n := range notifs {
		// Resolution notifications wake the creator but the pending shape
		// cannot carry them; a long-poll-only creator learns the outcome via
		// a follow-up Get, while the stream transport surfaces them as-is.
		if n.Kind != notify.KindDelivery || seen[n.ElicitationID] {
			continue
		}
		el, ok := e.state.Elicitation(n.ElicitationID)
		if !ok || el.Status.Terminal() {
			continue
		}
		seen[el.ID] = true
		items = append(items, pendingItem(el))
	}
	return items, truncated, nil
}

// undeliveredLocked finds addressed elicitations still in Pending and records
// their delivery. Callers hold e.mu.
func (e *Engine) undeliveredLocked(agentID string) []projection.Elicitation {
	var out []projection.Elicitation
	for _, el := range e.state.PendingFor(agentID) {
		if el.Status != projection.StatusPending {
			continue
		}
		out = append(out, el)
		payload, err := json.Marshal(projection.ElicitationDeliveredPayload{
			ElicitationID: el.ID,
			ToAgent:       agentID,
			Timestamp:     e.now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			continue
		}
		if _, err := e.commit([]eventlog.Event{{
			Kind:        eventlog.KindElicitationDelivered,
			AggregateID: el.ID,
			ActorID:     agentID,
			Payload:     payload,
		}}); err != nil {
			slog.Warn("Delivery record failed on poll", "elicitation_id", el.ID, "error", err)
		}
	}
	return out
}

func pendingItem(el projection.Elicitation) PendingItem {
	return PendingItem{
		ID:        el.ID,
		FromAgent: el.FromAgent,
		Message:   el.Message,
		Schema:    el.Schema,
		ExpiresAt: el.ExpiresAt,
	}
}

// Get returns the full projected view of an elicitation to its parties.
// Non-parties are refused without revealing whether the id exists.
func (e *Engine) Get(token, elicitationID string) (el projection.Elicitation, err error) {
	defer func() { e.opResult("get", err) }()

	e.mu.Lock()
	sess, err := e.authenticate(token)
	e.mu.Unlock()
	if err != nil {
		return projection.Elicitation{}, err
	}

	el, ok := e.state.Elicitation(elicitationID)
	if !ok {
		return projection.Elicitation{}, E(KindNotFound, "unknown elicitation")
	}
	if sess.AgentID != el.FromAgent && sess.AgentID != el.ToAgent {
		return projection.Elicitation{}, E(KindUnauthorized, "unknown elicitation")
	}
	return el, nil
}
