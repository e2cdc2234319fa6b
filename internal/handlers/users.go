package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/callsignal/internal/presence"
)

func (h *Handlers) GetUser(c *gin.Context) {
	if h.deps.Users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "user directory unavailable"})
		return
	}
	info, err := h.deps.Users.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, presence.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		h.logger.Error("user lookup failed", "user_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}
