package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/callsignal/internal/lkclient"
	"github.com/tariel-x/callsignal/internal/storage"
)

func (h *Handlers) ListRecordings(c *gin.Context) {
	room := c.Query("room")
	if room != "" {
		if err := lkclient.ValidateRoomName(room); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid room"})
			return
		}
	}
	if h.deps.Browser == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recording storage not configured"})
		return
	}

	recs, err := h.deps.Browser.List(c.Request.Context(), room)
	if err != nil {
		h.logger.Error("list recordings failed", "room", room, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list recordings"})
		return
	}
	if recs == nil {
		recs = []storage.Recording{}
	}
	c.JSON(http.StatusOK, gin.H{"recordings": recs})
}
