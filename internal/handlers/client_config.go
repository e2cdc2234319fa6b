package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type clientConfigResponse struct {
	Debug          bool   `json:"debug"`
	LiveKitURL     string `json:"livekitUrl,omitempty"`
	VAPIDPublicKey string `json:"vapidPublicKey,omitempty"`
}

func (h *Handlers) GetClientConfig(c *gin.Context) {
	resp := clientConfigResponse{
		Debug:      h.deps.Debug,
		LiveKitURL: h.deps.LiveKitURL,
	}
	if h.deps.Notifier != nil {
		resp.VAPIDPublicKey = h.deps.Notifier.PublicKey()
	}
	c.JSON(http.StatusOK, resp)
}
