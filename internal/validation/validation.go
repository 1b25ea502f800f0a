// Package validation provides request validation helpers for the validation API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Validation payloads
// are tiny; anything larger is rejected before binding.
const MaxRequestSize = 64 << 10

// Field length limits.
const (
	MaxSessionIDLength = 512
	MaxUserAgentLength = 1024
	MaxTokenLength     = 4096
	MaxSettingKey      = 64
	MaxSettingValue    = 4096
)

var (
	// sessionIDRegex accepts any printable ASCII; storefronts mint their own formats.
	sessionIDRegex = regexp.MustCompile(`^[\x20-\x7E]+$`)
	// settingKeyRegex accepts dotted snake-case keys.
	settingKeyRegex = regexp.MustCompile(`^[a-z0-9_.\-]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, removes null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidSessionID checks the shape of a checkout session id. Empty values pass;
// combine with Required.
func ValidSessionID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if len(value) > MaxSessionIDLength || !sessionIDRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be 1-%d printable ASCII characters", MaxSessionIDLength)}
		}
		return nil
	}
}

// ValidSettingKey checks the shape of a settings key.
func ValidSettingKey(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || len(value) > MaxSettingKey || !settingKeyRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 lowercase letters, digits, '_', '.' or '-'"}
		}
		return nil
	}
}

// NonNegative checks an optional integer field is >= 0.
func NonNegative(field string, value *int64) func() *ValidationError {
	return func() *ValidationError {
		if value != nil && *value < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// OneOf checks an optional field is one of the allowed values.
func OneOf(field, value string, allowed func(string) bool) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !allowed(value) {
			return &ValidationError{Field: field, Message: "is not a supported value"}
		}
		return nil
	}
}
