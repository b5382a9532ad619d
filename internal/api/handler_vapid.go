package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// alertsEnabled reports whether support alerts can be pushed at all.
func (h *Handler) alertsEnabled() bool {
	return h.webpush != nil && h.webpush.VAPIDPublicKey != "" && h.webpush.VAPIDPrivateKey != ""
}

type alertKeyResponse struct {
	Enabled   bool   `json:"enabled"`
	PublicKey string `json:"public_key,omitempty"`
	// Seconds a push service may hold an undelivered alert.
	TTL int `json:"ttl,omitempty"`
}

// GetVAPIDPublicKey tells the operator console whether support alerts are
// enabled and, if so, the application server key to subscribe with.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if !h.alertsEnabled() {
		c.JSON(http.StatusOK, alertKeyResponse{Enabled: false})
		return
	}
	c.JSON(http.StatusOK, alertKeyResponse{
		Enabled:   true,
		PublicKey: h.webpush.VAPIDPublicKey,
		TTL:       h.webpush.TTL,
	})
}
