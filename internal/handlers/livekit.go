package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/callsignal/internal/auth"
	"github.com/tariel-x/callsignal/internal/lkclient"
)

const sideEffectTimeout = 10 * time.Second

type tokenRequest struct {
	RoomName        string `json:"roomName"`
	ParticipantName string `json:"participantName"`
}

type tokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url,omitempty"`
}

// CreateToken mints a LiveKit join token for the caller. Room creation and the
// busy flag are best-effort and never fail the request.
func (h *Handlers) CreateToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := lkclient.ValidateRoomName(req.RoomName); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid roomName"})
		return
	}
	if err := lkclient.ValidateParticipantName(req.ParticipantName); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid participantName"})
		return
	}

	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	if h.deps.LiveKit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "media service not configured"})
		return
	}

	token, err := h.deps.LiveKit.Token(req.RoomName, userID, req.ParticipantName)
	if err != nil {
		h.logger.Error("token generation failed", "user_id", userID, "room", req.RoomName, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), sideEffectTimeout)
	defer cancel()

	if err := h.deps.LiveKit.CreateRoom(ctx, req.RoomName); err != nil {
		h.logger.Warn("create room failed", "room", req.RoomName, "error", err)
	}
	if h.deps.Presence != nil {
		h.deps.Presence.SetBusy(ctx, userID, true)
	}

	h.logger.Info("token issued", "user_id", userID, "room", req.RoomName, "client", clientType(c.Request.UserAgent()))
	c.JSON(http.StatusOK, tokenResponse{Token: token, URL: h.deps.LiveKitURL})
}

func clientType(userAgent string) string {
	switch {
	case containsFold(userAgent, "dart"):
		return "app"
	case containsFold(userAgent, "mozilla"):
		return "browser"
	default:
		return "unknown"
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
