package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	mongorepo "github.com/speaklab/speaklab/internal/repositories/mongo"
	"github.com/speaklab/speaklab/internal/utils"
)

const eventPageLimit = 200

// DiagnosticsHandler exposes the protocol-event audit trail that errored
// sessions flush to Mongo. Admin-only.
type DiagnosticsHandler struct {
	events mongorepo.EventRepository
}

func NewDiagnosticsHandler(events mongorepo.EventRepository) *DiagnosticsHandler {
	return &DiagnosticsHandler{events: events}
}

func (h *DiagnosticsHandler) SessionEvents(c *gin.Context) {
	if h.events == nil {
		writeError(c, utils.E(utils.CodeUnavailable, "DiagnosticsHandler.SessionEvents", "event audit is not configured", nil))
		return
	}

	sessionID := c.Param("session_id")
	events, err := h.events.ListBySession(c.Request.Context(), sessionID, eventPageLimit)
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, "DiagnosticsHandler.SessionEvents", "failed to list protocol events", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"events":     events,
	})
}
