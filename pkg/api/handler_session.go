package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// createSessionHandler handles POST /session.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.AgentID == "" {
		return badRequest(c, "agent_id is required")
	}
	if req.IPHint == "" {
		req.IPHint = c.RealIP()
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request().UserAgent()
	}

	res, err := s.engine.CreateSession(req.AgentID, req.IPHint, req.UserAgent)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, createSessionResponse{
		SessionID: res.Session.ID,
		Token:     res.Token,
		CreatedAt: res.Session.CreatedAt.Format(time.RFC3339Nano),
	})
}
