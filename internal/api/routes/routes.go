package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/speaklab/speaklab/internal/api/handlers"
	"github.com/speaklab/speaklab/internal/api/middleware"
)

type Deps struct {
	Session     *handlers.SessionHandler
	Realtime    *handlers.RealtimeHandler
	Diagnostics *handlers.DiagnosticsHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	// Protected routes (JWT)
	auth := r.Group("/")
	auth.Use(middleware.JWTAuth())

	auth.POST("/sessions", d.Session.Start)
	auth.GET("/sessions/:session_id", d.Session.Get)
	auth.GET("/sessions/:session_id/transcript", d.Session.Transcript)
	auth.POST("/sessions/:session_id/end", d.Session.End)

	auth.GET("/admin/realtime/active", middleware.RequireAdmin(), d.Realtime.Active)
	auth.GET("/admin/sessions/:session_id/events", middleware.RequireAdmin(), d.Diagnostics.SessionEvents)

	// WebSocket bridge: authenticated by the single-use token in the query
	// string, so it sits outside the JWT group.
	r.GET("/realtime/:session_id", d.Realtime.Serve)
}
