package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/pkg/engine"
	"github.com/parley-dev/parley/pkg/eventlog"
	"github.com/parley-dev/parley/pkg/metrics"
	"github.com/parley-dev/parley/pkg/notify"
	"github.com/parley-dev/parley/pkg/projection"
	"github.com/parley-dev/parley/pkg/registry"
	"github.com/parley-dev/parley/pkg/security"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	l, err := eventlog.Open(eventlog.Options{Dir: t.TempDir(), Durability: eventlog.FlushNone})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	state := projection.NewState()
	d, err := security.NewDeriver([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	reg := registry.New(d, state, time.Hour, 3)
	fab := notify.NewFabric(16)
	eng := engine.New(engine.Options{
		Log: l, State: state, Deriver: d, Registry: reg, Fabric: fab,
		TimeoutCap: time.Hour, CreateRate: 6000, RespondRate: 6000, Burst: 100,
	})
	return NewServer(Options{
		Engine: eng, State: state, Log: l, Fabric: fab, MaxWait: 2 * time.Second,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func doGET(t *testing.T, s *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func createSession(t *testing.T, s *Server, agentID string) string {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/session", map[string]string{"agent_id": agentID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[createSessionResponse](t, rec)
	require.NotEmpty(t, res.Token)
	return res.Token
}

var wireSchema = json.RawMessage(`{"type":"object","properties":{"ok":{"type":"boolean"}},"required":["ok"]}`)

func TestCreateSession(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/session", map[string]string{"agent_id": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[createSessionResponse](t, rec)
	assert.NotEmpty(t, res.SessionID)
	assert.True(t, strings.HasPrefix(res.Token, "alice:"))
	_, err := time.Parse(time.RFC3339Nano, res.CreatedAt)
	assert.NoError(t, err)
}

func TestCreateSession_MissingAgentID(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/session", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "invalid_argument", body.Error)
}

func TestElicitationFlow(t *testing.T) {
	s := newTestServer(t)
	alice := createSession(t, s, "alice")
	bob := createSession(t, s, "bob")

	rec := doJSON(t, s, http.MethodPost, "/elicitation", map[string]any{
		"token": alice, "to_agent": "bob", "message": "deploy?",
		"schema": wireSchema, "timeout_seconds": 30, "nonce": "n-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[createElicitationResponse](t, rec)
	require.NotEmpty(t, created.ElicitationID)

	// Bob polls.
	rec = doGET(t, s, "/elicitation/pending?wait_ms=500", bob)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[pendingResponse](t, rec)
	require.Len(t, pending.Elicitations, 1)
	assert.Equal(t, "deploy?", pending.Elicitations[0].Message)
	assert.False(t, pending.Truncated)

	// Bob fetches the view to obtain the binding material.
	rec = doGET(t, s, "/elicitation/"+created.ElicitationID, bob)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[elicitationView](t, rec)
	require.NotEmpty(t, view.ExpectedResponseKey)
	require.NotEmpty(t, view.Nonce)

	rec = doJSON(t, s, http.MethodPost, "/elicitation/respond", map[string]any{
		"token": bob, "elicitation_id": created.ElicitationID, "outcome": "accept",
		"data": json.RawMessage(`{"ok":true}`), "nonce": "resp-1",
		"response_signature": view.ExpectedResponseKey,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[respondResponse](t, rec)
	assert.True(t, resp.OK)
	assert.Equal(t, "accepted", resp.TerminalState)

	// Alice sees the terminal view with the payload, but no binding key.
	rec = doGET(t, s, "/elicitation/"+created.ElicitationID, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	view = decode[elicitationView](t, rec)
	assert.Equal(t, "accepted", view.Status)
	assert.JSONEq(t, `{"ok":true}`, string(view.Data))
	assert.Empty(t, view.ExpectedResponseKey)
	assert.NotEmpty(t, view.TerminalAt)
}

func TestErrorEnvelope(t *testing.T) {
	s := newTestServer(t)
	alice := createSession(t, s, "alice")

	t.Run("unauthenticated", func(t *testing.T) {
		rec := doGET(t, s, "/elicitation/pending", "bogus-token")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decode[errorBody](t, rec)
		assert.Equal(t, "unauthenticated", body.Error)
	})

	t.Run("not found", func(t *testing.T) {
		rec := doGET(t, s, "/elicitation/no-such-id", alice)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decode[errorBody](t, rec)
		assert.Equal(t, "not_found", body.Error)
	})

	t.Run("unknown target", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, "/elicitation", map[string]any{
			"token": alice, "to_agent": "ghost", "message": "m",
			"schema": wireSchema, "timeout_seconds": 30, "nonce": "n-err",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decode[errorBody](t, rec)
		assert.Equal(t, "unknown_target", body.Error)
	})

	t.Run("schema invalid", func(t *testing.T) {
		createSession(t, s, "bob")
		rec := doJSON(t, s, http.MethodPost, "/elicitation", map[string]any{
			"token": alice, "to_agent": "bob", "message": "m",
			"schema": json.RawMessage(`{"type":"whatever"}`), "timeout_seconds": 30, "nonce": "n-s",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decode[errorBody](t, rec)
		assert.Equal(t, "schema_invalid", body.Error)
	})
}

func TestPending_WaitMsValidation(t *testing.T) {
	s := newTestServer(t)
	alice := createSession(t, s, "alice")

	rec := doGET(t, s, "/elicitation/pending?wait_ms=abc", alice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doGET(t, s, "/elicitation/pending?wait_ms=-5", alice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExpertRegistration(t *testing.T) {
	s := newTestServer(t)
	alice := createSession(t, s, "alice")

	rec := doJSON(t, s, http.MethodPost, "/expert/register", map[string]any{
		"token": alice, "capabilities": []string{"deploy", "review"}, "availability": "available",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[okResponse](t, rec).OK)

	rec = doJSON(t, s, http.MethodPost, "/expert/register", map[string]any{
		"token": alice, "capabilities": []string{}, "availability": "sometimes",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/expert/deregister", map[string]any{"token": alice})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/expert/deregister", map[string]any{"token": alice})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	createSession(t, s, "alice")

	rec := doGET(t, s, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.LiveSessions)
	assert.Equal(t, uint64(1), health.Seq)
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	rec := doGET(t, s, "/health", "")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMetrics_RecordsRequestStatus(t *testing.T) {
	l, err := eventlog.Open(eventlog.Options{Dir: t.TempDir(), Durability: eventlog.FlushNone})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	state := projection.NewState()
	d, err := security.NewDeriver([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	reg := registry.New(d, state, time.Hour, 3)
	fab := notify.NewFabric(16)
	m := metrics.New()
	eng := engine.New(engine.Options{
		Log: l, State: state, Deriver: d, Registry: reg, Fabric: fab, Metrics: m,
	})
	s := NewServer(Options{
		Engine: eng, State: state, Log: l, Fabric: fab, Metrics: m, MaxWait: time.Second,
	})

	rec := doGET(t, s, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doGET(t, s, "/elicitation/pending", "bogus-token")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doGET(t, s, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `parley_http_request_duration_seconds_count{method="GET",route="/health",status="200"}`)
	assert.Contains(t, body, `route="/elicitation/pending",status="401"`)
}

func TestWS_StreamsNotifications(t *testing.T) {
	s := newTestServer(t)
	alice := createSession(t, s, "alice")
	bob := createSession(t, s, "bob")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + bob
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	rec := doJSON(t, s, http.MethodPost, "/elicitation", map[string]any{
		"token": alice, "to_agent": "bob", "message": "over the wire",
		"schema": wireSchema, "timeout_seconds": 30, "nonce": fmt.Sprintf("n-%d", time.Now().UnixNano()),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var msg wsMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	require.Len(t, msg.Notifications, 1)
	assert.Equal(t, notify.KindDelivery, msg.Notifications[0].Kind)
}
