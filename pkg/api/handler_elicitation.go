package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-dev/parley/pkg/engine"
)

// createElicitationHandler handles POST /elicitation.
func (s *Server) createElicitationHandler(c *echo.Context) error {
	var req createElicitationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Token == "" {
		return badRequest(c, "token is required")
	}

	res, err := s.engine.Create(engine.CreateRequest{
		Token:          req.Token,
		ToAgent:        req.ToAgent,
		Message:        req.Message,
		Schema:         req.Schema,
		TimeoutSeconds: req.TimeoutSeconds,
		Nonce:          req.Nonce,
	})
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, createElicitationResponse{
		ElicitationID: res.ElicitationID,
		CreatedAt:     res.CreatedAt.Format(time.RFC3339Nano),
	})
}

// pendingHandler handles GET /elicitation/pending?wait_ms=N.
func (s *Server) pendingHandler(c *echo.Context) error {
	token := requestToken(c)
	if token == "" {
		return badRequest(c, "token is required")
	}

	wait := time.Duration(0)
	if v := c.QueryParam("wait_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return badRequest(c, "wait_ms must be a non-negative integer")
		}
		wait = time.Duration(ms) * time.Millisecond
	}
	if wait > s.maxWait {
		wait = s.maxWait
	}

	items, truncated, err := s.engine.Poll(c.Request().Context(), token, wait)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, pendingResponse{
		Elicitations: pendingItems(items),
		Truncated:    truncated,
	})
}

// respondHandler handles POST /elicitation/respond.
func (s *Server) respondHandler(c *echo.Context) error {
	var req respondRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Token == "" {
		return badRequest(c, "token is required")
	}
	if req.ElicitationID == "" {
		return badRequest(c, "elicitation_id is required")
	}

	res, err := s.engine.Respond(engine.RespondRequest{
		Token:             req.Token,
		ElicitationID:     req.ElicitationID,
		Outcome:           req.Outcome,
		Data:              req.Data,
		Reason:            req.Reason,
		Nonce:             req.Nonce,
		ResponseSignature: req.ResponseSignature,
	})
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, respondResponse{
		OK:            true,
		TerminalState: string(res.TerminalState),
	})
}

// getElicitationHandler handles GET /elicitation/:id.
func (s *Server) getElicitationHandler(c *echo.Context) error {
	token := requestToken(c)
	if token == "" {
		return badRequest(c, "token is required")
	}
	id := c.Param("id")
	if id == "" {
		return badRequest(c, "elicitation id is required")
	}

	sess, err := s.engine.Authenticate(token)
	if err != nil {
		return writeEngineError(c, err)
	}
	el, err := s.engine.Get(token, id)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, viewOf(el, sess.AgentID))
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	active, sessions, experts := s.state.Counts()
	return c.JSON(http.StatusOK, healthResponse{
		Status:             "ok",
		Seq:                s.log.LastSeq(),
		ActiveElicitations: active,
		LiveSessions:       sessions,
		Experts:            experts,
	})
}
