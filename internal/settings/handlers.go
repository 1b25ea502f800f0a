package settings

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/checkoutguard/internal/logging"
	"github.com/mbd888/checkoutguard/internal/validation"
)

// Handler provides HTTP endpoints for validation settings.
type Handler struct {
	store Store
}

// NewHandler creates a new settings handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up settings routes on the /v1/validation group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.ListSettings)
	r.GET("/settings/:key", h.GetSetting)
	r.PUT("/settings/:key", h.PutSetting)
}

// PutRequest is the body of PUT /settings/:key.
type PutRequest struct {
	Value *string `json:"value"`
}

// ListSettings handles GET /v1/validation/settings
func (h *Handler) ListSettings(c *gin.Context) {
	list, err := h.store.List(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": list, "count": len(list)})
}

// GetSetting handles GET /v1/validation/settings/:key
func (h *Handler) GetSetting(c *gin.Context) {
	st, err := h.store.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, ErrSettingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Setting not found",
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// PutSetting handles PUT /v1/validation/settings/:key
func (h *Handler) PutSetting(c *gin.Context) {
	key := c.Param("key")

	var req PutRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be {\"value\": \"...\"}",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidSettingKey("key", key),
		validation.MaxLength("value", *req.Value, validation.MaxSettingValue),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	st, err := h.store.Put(c.Request.Context(), key, *req.Value)
	if err != nil {
		internalError(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("validation setting updated", "key", key)
	c.JSON(http.StatusOK, st)
}

func internalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("settings request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal server error",
	})
}
