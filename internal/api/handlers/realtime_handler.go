package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/speaklab/speaklab/internal/bridge"
)

// RealtimeHandler is the WebSocket entry point for the voice bridge. Auth is
// the single-use token in the query string, not the JWT middleware: the
// browser opens this socket directly and cannot set headers.
type RealtimeHandler struct {
	bridge   *bridge.Bridge
	upgrader websocket.Upgrader
}

func NewRealtimeHandler(b *bridge.Bridge) *RealtimeHandler {
	return &RealtimeHandler{
		bridge: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

// Serve upgrades and hands the socket to the bridge. Token problems are
// reported as close codes after the upgrade; a close frame is the only error
// channel a browser WebSocket exposes.
func (h *RealtimeHandler) Serve(c *gin.Context) {
	sessionID := c.Param("session_id")
	token := c.Query("token")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote the response
		return
	}

	h.bridge.Handle(conn, sessionID, token)
}

// Active lists live session ids, for the admin dashboard.
func (h *RealtimeHandler) Active(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"count":       h.bridge.Registry().Len(),
		"session_ids": h.bridge.Registry().ActiveIDs(),
	})
}
