package risk

import (
	"strings"

	"github.com/mbd888/checkoutguard/internal/geo"
)

const (
	weightVPN             = 30
	weightProxy           = 25
	weightTor             = 50
	weightHighRiskCountry = 20
	weightDatacenterISP   = 15
	weightBotUserAgent    = 40
)

var highRiskCountries = map[string]bool{
	"CN": true,
	"RU": true,
	"IR": true,
	"KP": true,
}

// datacenterISPs are matched case-insensitively as substrings of the ISP name.
var datacenterISPs = []string{
	"amazon", "google", "microsoft", "digitalocean", "linode", "vultr", "hetzner",
}

// botUserAgentMarkers are matched case-insensitively as substrings.
var botUserAgentMarkers = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget", "python", "php",
	"selenium", "phantomjs", "headless",
}

type factor struct {
	name   string
	weight int
	match  func(loc *geo.Enrichment, ua string) bool
}

var factors = []factor{
	{FactorVPN, weightVPN, func(loc *geo.Enrichment, _ string) bool { return loc.IsVPN }},
	{FactorProxy, weightProxy, func(loc *geo.Enrichment, _ string) bool { return loc.IsProxy }},
	{FactorTor, weightTor, func(loc *geo.Enrichment, _ string) bool { return loc.IsTor }},
	{FactorHighRiskCountry, weightHighRiskCountry, func(loc *geo.Enrichment, _ string) bool {
		return highRiskCountries[strings.ToUpper(loc.CountryCode)]
	}},
	{FactorDatacenterISP, weightDatacenterISP, func(loc *geo.Enrichment, _ string) bool {
		return containsAny(loc.ISP, datacenterISPs)
	}},
	{FactorBotUserAgent, weightBotUserAgent, func(_ *geo.Enrichment, ua string) bool {
		return containsAny(ua, botUserAgentMarkers)
	}},
}

// Score evaluates loc and userAgent. It is pure: equal inputs give equal
// assessments. A nil loc scores only the user agent.
func Score(loc *geo.Enrichment, userAgent string) *Assessment {
	if loc == nil {
		loc = &geo.Enrichment{}
	}

	a := &Assessment{Factors: []string{}}
	for _, f := range factors {
		if !f.match(loc, userAgent) {
			continue
		}
		a.Score += f.weight
		a.Factors = append(a.Factors, f.name)
		if f.name == FactorBotUserAgent {
			a.IsBot = true
		}
	}

	if a.Score > MaxScore {
		a.Score = MaxScore
	}
	a.IsValid = a.Score < BlockThreshold
	a.Recommendation = RecommendationFor(a.Score)
	return a
}

func containsAny(s string, needles []string) bool {
	if s == "" {
		return false
	}
	s = strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
