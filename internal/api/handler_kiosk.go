package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"wash-kiosk-backend/internal/kioskerr"
)

const (
	defaultRefundLimit = 20
	maxRefundLimit     = 200
)

// GetStatus handles GET /api/status.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.kiosk.Status())
}

type startCycleRequest struct {
	TargetCents int64 `json:"target_cents" binding:"required,gt=0"`
}

// StartCycle handles POST /api/cycles. A busy or latched kiosk answers 409.
func (h *Handler) StartCycle(c *gin.Context) {
	var req startCycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.kiosk.Start(req.TargetCents)
	if err != nil {
		if errors.Is(err, kioskerr.ErrKioskBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, kioskerr.ErrShuttingDown) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"cycle_id": id})
}

// CancelCycle handles POST /api/cycles/cancel.
func (h *Handler) CancelCycle(c *gin.Context) {
	if err := h.kiosk.Cancel(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

// ClearSupport handles POST /api/support/clear.
func (h *Handler) ClearSupport(c *gin.Context) {
	if err := h.kiosk.ClearSupport(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRefunds handles GET /api/refunds?limit=N.
func (h *Handler) ListRefunds(c *gin.Context) {
	limit := defaultRefundLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = min(n, maxRefundLimit)
	}

	refunds, err := h.store.ListRefunds(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve refunds"})
		return
	}
	c.JSON(http.StatusOK, refunds)
}
