// Package risk scores a checkout attempt from its geolocation snapshot and
// user agent.
//
// Six weighted signals are evaluated in a fixed order: VPN, proxy, Tor,
// high-risk country, datacenter ISP and automation user agent. Their weights
// are summed and clamped to [0, 100]. Scores of 70 and above block, 30 to 69
// challenge with a CAPTCHA, and anything lower is allowed.
package risk

// Recommendation is the engine's verdict on a checkout attempt.
type Recommendation string

const (
	RecommendationAllow     Recommendation = "allow"
	RecommendationChallenge Recommendation = "challenge"
	RecommendationBlock     Recommendation = "block"
)

// Score thresholds.
const (
	BlockThreshold     = 70
	ChallengeThreshold = 30
	MaxScore           = 100
)

// Factor names, in evaluation order.
const (
	FactorVPN             = "VPN detected"
	FactorProxy           = "Proxy detected"
	FactorTor             = "Tor detected"
	FactorHighRiskCountry = "High-risk country"
	FactorDatacenterISP   = "Datacenter ISP"
	FactorBotUserAgent    = "Bot user agent"
)

// Assessment is the result of scoring one checkout attempt.
type Assessment struct {
	Score          int            `json:"score"`
	IsValid        bool           `json:"isValid"`
	IsBot          bool           `json:"isBot"`
	Recommendation Recommendation `json:"recommendation"`
	Factors        []string       `json:"factors"`
}

// RecommendationFor maps a score to a recommendation.
func RecommendationFor(score int) Recommendation {
	switch {
	case score >= BlockThreshold:
		return RecommendationBlock
	case score >= ChallengeThreshold:
		return RecommendationChallenge
	default:
		return RecommendationAllow
	}
}
