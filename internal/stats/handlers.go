package stats

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/checkoutguard/internal/logging"
)

// Handler provides the stats endpoint.
type Handler struct {
	aggregator *Aggregator
}

// NewHandler creates a new stats handler.
func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{aggregator: aggregator}
}

// RegisterRoutes sets up stats routes on the /v1/validation group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stats", h.GetStats)
}

// GetStats handles GET /v1/validation/stats
func (h *Handler) GetStats(c *gin.Context) {
	summary, err := h.aggregator.Summary(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("stats summary failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute stats",
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}
