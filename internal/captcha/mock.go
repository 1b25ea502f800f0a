package captcha

import (
	"context"
	"strings"
)

// MockTokenPrefix marks tokens accepted by the mock verifier.
const MockTokenPrefix = "mock-captcha-response-"

const (
	mockMinLength = 20
	mockMaxLength = 100
)

// MockVerifier accepts well-formed mock tokens. Used in development and
// tests; never calls out.
type MockVerifier struct{}

func (MockVerifier) Verify(_ context.Context, token string, _ Context) (bool, error) {
	if !strings.HasPrefix(token, MockTokenPrefix) {
		return false, nil
	}
	return len(token) >= mockMinLength && len(token) <= mockMaxLength, nil
}
