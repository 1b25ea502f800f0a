package geo

import (
	"strings"

	"github.com/mbd888/checkoutguard/internal/clientip"
)

// simulatedVPNMarkers flag IPs the offline table treats as VPN exits, so
// challenge flows can be exercised without a provider key.
var simulatedVPNMarkers = []string{"5.5.5.", "6.6.6."}

// Offline answers from the fixed rule table. Same IP, same answer.
func Offline(ip string) *Enrichment {
	if clientip.IsPrivate(ip) {
		return &Enrichment{
			IP:          ip,
			Country:     "United States",
			CountryCode: "US",
			Region:      "Local Network",
			City:        "Local",
			ISP:         "Local Network",
			ThreatLevel: ThreatLow,
		}
	}

	for _, m := range simulatedVPNMarkers {
		if strings.Contains(ip, m) {
			return &Enrichment{
				IP:          ip,
				Country:     "Netherlands",
				CountryCode: "NL",
				Region:      "North Holland",
				City:        "Amsterdam",
				PostalCode:  "1012",
				Latitude:    "52.3676",
				Longitude:   "4.9041",
				Timezone:    "Europe/Amsterdam",
				ISP:         "Simulated VPN Provider",
				IsVPN:       true,
				ThreatLevel: ThreatMedium,
			}
		}
	}

	return &Enrichment{
		IP:          ip,
		Country:     "United States",
		CountryCode: "US",
		Region:      "California",
		City:        "San Francisco",
		PostalCode:  "94107",
		Latitude:    "37.7749",
		Longitude:   "-122.4194",
		Timezone:    "America/Los_Angeles",
		ISP:         "Comcast Cable Communications",
		ThreatLevel: ThreatLow,
	}
}
