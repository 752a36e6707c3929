package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// registerExpertHandler handles POST /expert/register.
func (s *Server) registerExpertHandler(c *echo.Context) error {
	var req registerExpertRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Token == "" {
		return badRequest(c, "token is required")
	}

	if err := s.engine.RegisterExpert(req.Token, req.Capabilities, req.Availability); err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

// deregisterExpertHandler handles POST /expert/deregister.
func (s *Server) deregisterExpertHandler(c *echo.Context) error {
	var req deregisterExpertRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Token == "" {
		return badRequest(c, "token is required")
	}

	if err := s.engine.DeregisterExpert(req.Token); err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}
