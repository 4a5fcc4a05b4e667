package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/speaklab/speaklab/internal/bridge"
	"github.com/speaklab/speaklab/internal/models"
	"github.com/speaklab/speaklab/internal/services"
	"github.com/speaklab/speaklab/internal/storage"
	"github.com/speaklab/speaklab/internal/utils"
)

const transcriptPageLimit = 500

type SessionHandler struct {
	svc    services.SessionService
	bridge *bridge.Bridge
	signer storage.Signer // optional; nil when no archive bucket is configured
}

func NewSessionHandler(svc services.SessionService, b *bridge.Bridge, signer storage.Signer) *SessionHandler {
	return &SessionHandler{svc: svc, bridge: b, signer: signer}
}

type StartSessionRequest struct {
	StudentID         *string  `json:"student_id"`
	Language          string   `json:"language" binding:"required"`  // en|es|fr
	AgeGroup          string   `json:"age_group" binding:"required"` // k-2|3-5|6-8|9-12
	Subject           string   `json:"subject"`
	PinnedDocumentIDs []string `json:"pinned_document_ids"`
}

type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	// returned exactly once; only a hash is stored
	ConnectToken string `json:"connect_token"`
	CreatedAt    string `json:"created_at"`
}

func (h *SessionHandler) Start(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.Start", "invalid request body", err))
		return
	}

	sess, token, err := h.svc.Start(c.Request.Context(), userID, services.StartSessionInput{
		StudentID:         req.StudentID,
		Language:          req.Language,
		AgeGroup:          req.AgeGroup,
		Subject:           req.Subject,
		PinnedDocumentIDs: req.PinnedDocumentIDs,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StartSessionResponse{
		SessionID:    sess.ID,
		Status:       string(sess.Status),
		ConnectToken: token,
		CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
	})
}

func (h *SessionHandler) Get(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	sess, err := h.svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if sess.OwnerUserID != userID {
		writeError(c, utils.E(utils.CodeForbidden, "SessionHandler.Get", "forbidden", nil))
		return
	}

	c.JSON(http.StatusOK, sess)
}

// Transcript returns the persisted turns in emission order, plus a short-lived
// signed URL for the archived JSON once the session has ended.
func (h *SessionHandler) Transcript(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	sess, err := h.svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if sess.OwnerUserID != userID {
		writeError(c, utils.E(utils.CodeForbidden, "SessionHandler.Transcript", "forbidden", nil))
		return
	}

	turns, err := h.svc.Transcript(c.Request.Context(), sessionID, transcriptPageLimit)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"session_id": sessionID,
		"status":     sess.Status,
		"turns":      turns,
	}
	if h.signer != nil && sess.Status == models.SessionEnded && len(turns) > 0 {
		if url, err := h.signer.SignedGetURL(c.Request.Context(), "transcripts/"+sessionID+".json", 15*time.Minute); err == nil {
			resp["archive_url"] = url
		}
	}
	c.JSON(http.StatusOK, resp)
}

// End force-closes the live bridge if one exists; its teardown persists the
// transcript and bills the minutes. A session that never connected is left to
// expire as pending.
func (h *SessionHandler) End(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")
	sess, err := h.svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if sess.OwnerUserID != userID {
		writeError(c, utils.E(utils.CodeForbidden, "SessionHandler.End", "forbidden", nil))
		return
	}

	closed := h.bridge.ForceClose(sessionID, "ended by owner")

	out, err := h.svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":    out,
		"was_active": closed,
	})
}
