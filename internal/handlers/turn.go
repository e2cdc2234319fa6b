package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/callsignal/internal/auth"
)

// GetTURNCredentials returns STUN servers, own TURN entries with time-limited
// credentials, and Cloudflare TURN servers when configured.
func (h *Handlers) GetTURNCredentials(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if h.deps.ICE == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay configuration unavailable"})
		return
	}

	cfg := h.deps.ICE.ICEConfig(c.Request.Context(), userID)
	h.logger.Debug("turn credentials issued", "user_id", userID, "servers", len(cfg.ICEServers))
	c.JSON(http.StatusOK, cfg)
}
