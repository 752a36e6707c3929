package api

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	echo "github.com/labstack/echo/v5"

	"github.com/parley-dev/parley/pkg/notify"
)

const (
	wsHeartbeat    = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// wsMessage is one stream frame: a batch of notifications plus the
// truncation flag, mirroring the long-poll drain.
type wsMessage struct {
	Notifications []notify.Notification `json:"notifications"`
	Truncated     bool                  `json:"truncated"`
}

// wsHandler handles GET /ws: upgrades the connection and streams the agent's
// inbox until the client goes away. The stream and the long-poll share the
// inbox, so a notification reaches whichever consumer drains first.
func (s *Server) wsHandler(c *echo.Context) error {
	token := requestToken(c)
	if token == "" {
		return badRequest(c, "token is required")
	}
	sess, err := s.engine.Authenticate(token)
	if err != nil {
		return writeEngineError(c, err)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request().Context()
	inbox := s.fabric.Inbox(sess.AgentID)
	for {
		items, truncated := inbox.Wait(ctx, wsHeartbeat)
		if ctx.Err() != nil {
			return nil
		}
		if len(items) == 0 && !truncated {
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return nil
			}
			continue
		}

		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err := wsjson.Write(writeCtx, conn, wsMessage{Notifications: items, Truncated: truncated})
		cancel()
		if err != nil {
			return nil
		}
	}
}
