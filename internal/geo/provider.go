package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/checkoutguard/internal/circuitbreaker"
	"github.com/mbd888/checkoutguard/internal/metrics"
	"github.com/mbd888/checkoutguard/internal/retry"
)

// ProviderName labels the geolocation provider in metrics, spans and the
// circuit breaker.
const ProviderName = "geolocation"

const (
	retryAttempts = 2
	retryDelay    = 100 * time.Millisecond
)

// Client queries the ipgeolocation.io API.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates an ipgeolocation.io client. timeout bounds one Lookup
// including its retry.
func NewClient(baseURL, apiKey string, timeout time.Duration, breaker *circuitbreaker.Breaker) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{},
		breaker: breaker,
	}
}

// ipgeoResponse is the subset of the ipgeolocation.io response we map.
type ipgeoResponse struct {
	IP          string `json:"ip"`
	CountryName string `json:"country_name"`
	CountryCode string `json:"country_code2"`
	StateProv   string `json:"state_prov"`
	City        string `json:"city"`
	Zipcode     string `json:"zipcode"`
	Latitude    string `json:"latitude"`
	Longitude   string `json:"longitude"`
	ISP         string `json:"isp"`
	TimeZone    struct {
		Name string `json:"name"`
	} `json:"time_zone"`
	Security struct {
		ThreatScore float64 `json:"threat_score"`
		IsTor       bool    `json:"is_tor"`
		IsProxy     bool    `json:"is_proxy"`
		IsVPN       bool    `json:"is_vpn"`
		ProxyType   string  `json:"proxy_type"`
	} `json:"security"`
}

// statusError is returned for non-2xx provider responses.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("geolocation provider returned status %d", e.code)
}

// Lookup fetches and maps the enrichment for ip. Transport errors and 5xx
// responses are retried once; everything else fails immediately.
func (c *Client) Lookup(ctx context.Context, ip string) (*Enrichment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var out *Enrichment
	err := c.breaker.Call(ctx, ProviderName, nil, func(ctx context.Context) error {
		return retry.Do(ctx, retryAttempts, retryDelay, func(ctx context.Context) error {
			e, err := c.fetch(ctx, ip)
			if err != nil {
				return err
			}
			out = e
			return nil
		})
	})
	metrics.ObserveProvider(ProviderName, start, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, ip string) (*Enrichment, error) {
	q := url.Values{}
	q.Set("apiKey", c.apiKey)
	q.Set("ip", ip)
	q.Set("include", "security")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ipgeo?"+q.Encode(), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, retry.Permanent(fmt.Errorf("geolocation request: %w", err))
		}
		return nil, fmt.Errorf("geolocation request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 500 {
		return nil, &statusError{code: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retry.Permanent(&statusError{code: resp.StatusCode})
	}

	var body ipgeoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode geolocation response: %w", err))
	}

	return body.toEnrichment(ip), nil
}

func (r *ipgeoResponse) toEnrichment(ip string) *Enrichment {
	isVPN := r.Security.IsVPN || strings.EqualFold(r.Security.ProxyType, "VPN")
	score := r.Security.ThreatScore / 100
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return &Enrichment{
		IP:          ip,
		Country:     r.CountryName,
		CountryCode: r.CountryCode,
		Region:      r.StateProv,
		City:        r.City,
		PostalCode:  r.Zipcode,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Timezone:    r.TimeZone.Name,
		ISP:         r.ISP,
		IsVPN:       isVPN,
		IsProxy:     r.Security.IsProxy,
		IsTor:       r.Security.IsTor,
		ThreatLevel: DeriveThreatLevel(r.Security.IsTor, isVPN, r.Security.IsProxy, score),
	}
}
