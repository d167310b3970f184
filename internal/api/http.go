package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/victornm/triviarena/internal/errors"
	"github.com/victornm/triviarena/internal/session"
)

// RegisterRoutes mounts the websocket gateway and the read-only session lookup.
func (a *API) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", a.ServeWS)
	r.GET("/sessions/:id", a.getSession)
	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "clients": a.hub.Len()})
	})
}

func (a *API) getSession(ctx *gin.Context) {
	ss, err := a.sessions.GetSession(ctx, ctx.Param("id"))
	if err != nil {
		e := errors.Convert(err)
		ctx.JSON(e.HTTPStatusCode(), e)
		return
	}

	ctx.JSON(http.StatusOK, session.State(ss))
}
