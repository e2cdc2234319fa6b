package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type healthStats struct {
	TotalRooms        int `json:"totalRooms"`
	TotalParticipants int `json:"totalParticipants"`
	ActiveRecordings  int `json:"activeRecordings"`
}

type healthResponse struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Stats     healthStats `json:"stats"`
}

func (h *Handlers) Health(c *gin.Context) {
	var stats healthStats
	if h.deps.Rooms != nil {
		s := h.deps.Rooms.Stats()
		stats.TotalRooms = s.TotalRooms
		stats.TotalParticipants = s.TotalParticipants
	}
	if h.deps.Recordings != nil {
		stats.ActiveRecordings = h.deps.Recordings.ActiveRecordings()
	}

	c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: h.nowFn().UTC().Format(time.RFC3339),
		Stats:     stats,
	})
}
