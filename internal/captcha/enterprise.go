package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/checkoutguard/internal/circuitbreaker"
)

// DefaultEnterpriseBaseURL is the reCAPTCHA Enterprise API root.
const DefaultEnterpriseBaseURL = "https://recaptchaenterprise.googleapis.com"

// ProviderRecaptchaEnterprise labels assessment calls in metrics and the breaker.
const ProviderRecaptchaEnterprise = "recaptcha_enterprise"

// EnterpriseConfig holds the server-side credentials for assessments.
type EnterpriseConfig struct {
	BaseURL   string
	ProjectID string
	APIKey    string
	SiteKey   string
}

// EnterpriseVerifier creates reCAPTCHA Enterprise assessments.
type EnterpriseVerifier struct {
	remote
	cfg EnterpriseConfig
}

// NewEnterpriseVerifier creates an assessments client.
func NewEnterpriseVerifier(cfg EnterpriseConfig, timeout time.Duration, breaker *circuitbreaker.Breaker) *EnterpriseVerifier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultEnterpriseBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &EnterpriseVerifier{
		remote: remote{
			provider: ProviderRecaptchaEnterprise,
			timeout:  timeout,
			http:     &http.Client{},
			breaker:  breaker,
		},
		cfg: cfg,
	}
}

type assessmentRequest struct {
	Event assessmentEvent `json:"event"`
}

type assessmentEvent struct {
	Token         string `json:"token"`
	SiteKey       string `json:"siteKey"`
	UserAgent     string `json:"userAgent,omitempty"`
	UserIPAddress string `json:"userIpAddress,omitempty"`
}

type assessmentResponse struct {
	TokenProperties struct {
		Valid         bool   `json:"valid"`
		InvalidReason string `json:"invalidReason"`
	} `json:"tokenProperties"`
	RiskAnalysis struct {
		Score float64 `json:"score"`
	} `json:"riskAnalysis"`
}

// Verify creates an assessment. Invalid tokens are rejected; valid tokens
// pass when the risk score reaches ScoreThreshold.
func (v *EnterpriseVerifier) Verify(ctx context.Context, token string, vc Context) (bool, error) {
	if v.cfg.ProjectID == "" || v.cfg.APIKey == "" || v.cfg.SiteKey == "" {
		return false, ErrMissingCredential
	}

	payload, err := json.Marshal(assessmentRequest{Event: assessmentEvent{
		Token:         token,
		SiteKey:       v.cfg.SiteKey,
		UserAgent:     vc.UserAgent,
		UserIPAddress: vc.IP,
	}})
	if err != nil {
		return false, fmt.Errorf("encode assessment: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/assessments?key=%s",
		v.cfg.BaseURL, url.PathEscape(v.cfg.ProjectID), url.QueryEscape(v.cfg.APIKey))

	var body assessmentResponse
	err = v.do(ctx,
		func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
		func(r io.Reader) error { return json.NewDecoder(r).Decode(&body) },
	)
	if err != nil {
		return false, err
	}

	if !body.TokenProperties.Valid {
		return false, nil
	}
	return body.RiskAnalysis.Score >= ScoreThreshold, nil
}
