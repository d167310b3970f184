package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type WSConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
func (a *API) ServeWS(ctx *gin.Context) {
	conn, err := a.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		slog.ErrorContext(ctx, "api: upgrade websocket failed", "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn)
	a.hub.Register(c)

	slog.InfoContext(ctx, "api: client connected", "connection", c.ID, "clients", a.hub.Len())

	go a.writePump(c)
	go a.readPump(c)
}

// readPump runs the commands of c one at a time, so a connection's commands apply in order.
func (a *API) readPump(c *Client) {
	defer func() {
		c.conn.Close()
		a.Disconnect(context.Background(), c)

		slog.Info("api: client disconnected", "connection", c.ID, "player", c.PlayerID())
	}()

	c.conn.SetReadLimit(a.ws.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(a.ws.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(a.ws.ReadTimeout))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("api: unexpected websocket close", "connection", c.ID, "error", err)
			}
			return
		}

		a.Handle(context.Background(), c, msg)
		c.conn.SetReadDeadline(time.Now().Add(a.ws.ReadTimeout))
	}
}

func (a *API) writePump(c *Client) {
	ticker := time.NewTicker(a.ws.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(a.ws.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Warn("api: write websocket message failed", "connection", c.ID, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(a.ws.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
