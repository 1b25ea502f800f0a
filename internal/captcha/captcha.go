// Package captcha verifies CAPTCHA responses submitted after a challenge
// recommendation.
//
// Verification is a yes/no question for callers: the Gateway never returns
// an error. Missing credentials, unknown types, provider rejections, timeouts
// and open circuits all answer false and are logged.
package captcha

import (
	"context"
	"errors"
)

// Type is the declared CAPTCHA type sent by the checkout page.
type Type string

const (
	TypeMock                Type = "mock"
	TypeRecaptchaV2         Type = "recaptcha_v2"
	TypeRecaptchaV3         Type = "recaptcha_v3"
	TypeRecaptchaEnterprise Type = "recaptcha_enterprise"
)

// ScoreThreshold is the minimum provider score counted as human.
const ScoreThreshold = 0.5

var (
	ErrMissingCredential = errors.New("captcha provider credential not configured")
	ErrUnknownType       = errors.New("unknown captcha type")
	ErrEmptyToken        = errors.New("empty captcha token")
)

// IsKnownType reports whether t is a supported declared type.
func IsKnownType(t string) bool {
	switch Type(t) {
	case TypeMock, TypeRecaptchaV2, TypeRecaptchaV3, TypeRecaptchaEnterprise:
		return true
	}
	return false
}

// Context is the request context forwarded to providers.
type Context struct {
	IP        string
	UserAgent string
}

// Verifier checks one token. A false result with a nil error is a provider
// rejection; a non-nil error means the provider could not answer.
type Verifier interface {
	Verify(ctx context.Context, token string, vc Context) (bool, error)
}
