package checkout

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/checkoutguard/internal/captcha"
	"github.com/mbd888/checkoutguard/internal/logging"
	"github.com/mbd888/checkoutguard/internal/validation"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
	defaultRecentDays  = 7
	maxRecentDays      = 365
)

// IPResolver picks the client IP for a request.
type IPResolver interface {
	Resolve(r *http.Request) string
}

// Handler provides HTTP endpoints for the validation pipeline.
type Handler struct {
	service  *Service
	resolver IPResolver
}

// NewHandler creates a new checkout validation handler.
func NewHandler(service *Service, resolver IPResolver) *Handler {
	return &Handler{service: service, resolver: resolver}
}

// RegisterRoutes sets up validation routes on the /v1/validation group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/validate-user", h.ValidateUser)
	r.POST("/captcha", h.SubmitCaptcha)
	r.POST("/proceed-checkout", h.ProceedCheckout)
	r.GET("/recent", h.ListRecent)
	r.GET("/:id", h.GetValidation)
	r.GET("/:id/history", h.GetHistory)
}

// ValidateUserRequest is the body of POST /validate-user.
type ValidateUserRequest struct {
	SessionID string `json:"sessionId"`
	CartValue *int64 `json:"cartValue"`
	CartItems *int64 `json:"cartItems"`
	UserAgent string `json:"userAgent"`
}

// CaptchaRequest is the body of POST /captcha.
type CaptchaRequest struct {
	ValidationID    string `json:"validationId"`
	CaptchaResponse string `json:"captchaResponse"`
	CaptchaType     string `json:"captchaType"`
}

// ProceedRequest is the body of POST /proceed-checkout.
type ProceedRequest struct {
	ValidationID string `json:"validationId"`
	SessionID    string `json:"sessionId"`
}

// ValidateUser handles POST /v1/validation/validate-user
func (h *Handler) ValidateUser(c *gin.Context) {
	var req ValidateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = c.GetHeader("User-Agent")
	}

	if errs := validation.Validate(
		validation.Required("sessionId", req.SessionID),
		validation.ValidSessionID("sessionId", req.SessionID),
		validation.MaxLength("userAgent", userAgent, validation.MaxUserAgentLength),
		validation.NonNegative("cartValue", req.CartValue),
		validation.NonNegative("cartItems", req.CartItems),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	decision, err := h.service.CreateEvaluation(c.Request.Context(), EvaluationInput{
		SessionID: req.SessionID,
		IP:        h.resolver.Resolve(c.Request),
		UserAgent: userAgent,
		CartValue: req.CartValue,
		CartItems: req.CartItems,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, decision)
}

// SubmitCaptcha handles POST /v1/validation/captcha
func (h *Handler) SubmitCaptcha(c *gin.Context) {
	var req CaptchaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	if errs := validation.Validate(
		validation.Required("validationId", req.ValidationID),
		validation.Required("captchaResponse", req.CaptchaResponse),
		validation.MaxLength("captchaResponse", req.CaptchaResponse, validation.MaxTokenLength),
		validation.OneOf("captchaType", req.CaptchaType, captcha.IsKnownType),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	result, err := h.service.SubmitCaptcha(c.Request.Context(), req.ValidationID, req.CaptchaResponse, req.CaptchaType, captcha.Context{
		IP:        h.resolver.Resolve(c.Request),
		UserAgent: c.GetHeader("User-Agent"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ProceedCheckout handles POST /v1/validation/proceed-checkout
func (h *Handler) ProceedCheckout(c *gin.Context) {
	// Both identifiers are optional, so an empty body is a valid no-op.
	var req ProceedRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badBody(c)
		return
	}

	if errs := validation.Validate(
		validation.ValidSessionID("sessionId", req.SessionID),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	result, err := h.service.MarkProceed(c.Request.Context(), req.ValidationID, req.SessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListRecent handles GET /v1/validation/recent
func (h *Handler) ListRecent(c *gin.Context) {
	limit := parseIntQuery(c, "limit", defaultRecentLimit, maxRecentLimit)
	days := parseIntQuery(c, "days", defaultRecentDays, maxRecentDays)

	page, err := h.service.Recent(c.Request.Context(), limit, days, c.Query("cursor"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	records := page.Records
	if records == nil {
		records = []*ValidationRecord{}
	}

	resp := gin.H{
		"validations": records,
		"count":       len(records),
		"hasMore":     page.HasMore,
	}
	if page.HasMore {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// GetValidation handles GET /v1/validation/:id
func (h *Handler) GetValidation(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"validation": rec,
		"state":      rec.State(),
	})
}

// GetHistory handles GET /v1/validation/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	id := c.Param("id")
	events, err := h.service.History(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"validationId": id,
		"events":       events,
		"count":        len(events),
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrValidationNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Validation not found",
		})
	default:
		logging.L(c.Request.Context()).Error("validation request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// parseIntQuery reads a positive integer query param, falling back to def
// when absent or malformed and capping at max.
func parseIntQuery(c *gin.Context, key string, def, max int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
