// Package api is the HTTP boundary: JSON request/response handling over the
// engine, the error envelope, and the WebSocket notification stream. No
// business rules live here; handlers translate and delegate.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-dev/parley/pkg/engine"
	"github.com/parley-dev/parley/pkg/eventlog"
	"github.com/parley-dev/parley/pkg/metrics"
	"github.com/parley-dev/parley/pkg/notify"
	"github.com/parley-dev/parley/pkg/projection"
)

const defaultMaxWait = 30 * time.Second

// Server serves the boundary API.
type Server struct {
	engine  *engine.Engine
	state   *projection.State
	log     *eventlog.Log
	fabric  *notify.Fabric
	metrics *metrics.Metrics
	maxWait time.Duration

	echo *echo.Echo
	srv  *http.Server
}

// Options wires a Server.
type Options struct {
	Engine  *engine.Engine
	State   *projection.State
	Log     *eventlog.Log
	Fabric  *notify.Fabric
	Metrics *metrics.Metrics
	MaxWait time.Duration // upper bound on wait_ms
}

// NewServer builds the server and registers all routes.
func NewServer(opts Options) *Server {
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	s := &Server{
		engine:  opts.Engine,
		state:   opts.State,
		log:     opts.Log,
		fabric:  opts.Fabric,
		metrics: opts.Metrics,
		maxWait: opts.MaxWait,
		echo:    echo.New(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())
	e.Use(s.recoverMiddleware())
	if s.metrics != nil {
		e.Use(s.metricsMiddleware())
	}

	e.POST("/session", s.createSessionHandler)
	e.POST("/expert/register", s.registerExpertHandler)
	e.POST("/expert/deregister", s.deregisterExpertHandler)
	e.POST("/elicitation", s.createElicitationHandler)
	e.GET("/elicitation/pending", s.pendingHandler)
	e.POST("/elicitation/respond", s.respondHandler)
	e.GET("/elicitation/:id", s.getElicitationHandler)
	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests within the context budget.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// requestToken extracts the session token from the Authorization header
// (Bearer form) or the token query parameter.
func requestToken(c *echo.Context) string {
	const prefix = "Bearer "
	if auth := c.Request().Header.Get("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return c.QueryParam("token")
}
