// Package geo turns a client IP into a location and threat snapshot.
//
// Enrichment runs in one of two modes. Without a provider key every IP is
// answered from a deterministic offline table. With a key, answers come from
// the ipgeolocation.io API through a bounded in-process cache and the
// persistent geolocation store. Enrichment never fails: provider trouble
// yields a degraded "Unknown" snapshot with low threat.
package geo

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("geolocation record not found")

// ThreatLevel is the coarse threat bucket derived from provider signals.
type ThreatLevel string

const (
	ThreatLow    ThreatLevel = "low"
	ThreatMedium ThreatLevel = "medium"
	ThreatHigh   ThreatLevel = "high"
)

// Enrichment is the location and threat snapshot for one IP.
type Enrichment struct {
	IP          string      `json:"ip"`
	Country     string      `json:"country,omitempty"`
	CountryCode string      `json:"countryCode,omitempty"`
	Region      string      `json:"region,omitempty"`
	City        string      `json:"city,omitempty"`
	PostalCode  string      `json:"postalCode,omitempty"`
	Latitude    string      `json:"latitude,omitempty"`
	Longitude   string      `json:"longitude,omitempty"`
	Timezone    string      `json:"timezone,omitempty"`
	ISP         string      `json:"isp,omitempty"`
	IsVPN       bool        `json:"isVpn"`
	IsProxy     bool        `json:"isProxy"`
	IsTor       bool        `json:"isTor"`
	ThreatLevel ThreatLevel `json:"threatLevel"`

	// Degraded is set when the provider could not answer. Degraded
	// snapshots are never cached.
	Degraded bool `json:"degraded,omitempty"`
}

// fillFrom copies prev's descriptive fields into any that e left empty.
// Flags and threat level always come from the newer answer.
func (e *Enrichment) fillFrom(prev Enrichment) {
	keep := func(dst *string, old string) {
		if *dst == "" {
			*dst = old
		}
	}
	keep(&e.Country, prev.Country)
	keep(&e.CountryCode, prev.CountryCode)
	keep(&e.Region, prev.Region)
	keep(&e.City, prev.City)
	keep(&e.PostalCode, prev.PostalCode)
	keep(&e.Latitude, prev.Latitude)
	keep(&e.Longitude, prev.Longitude)
	keep(&e.Timezone, prev.Timezone)
	keep(&e.ISP, prev.ISP)
}

// Record is a cached enrichment row keyed by IP.
type Record struct {
	Enrichment
	LastUpdated time.Time `json:"lastUpdated"`
}

// Store persists enrichment rows. One row per IP.
type Store interface {
	Get(ctx context.Context, ip string) (*Record, error)
	// Upsert merges e into the row for e.IP and bumps LastUpdated, or
	// inserts a new row.
	Upsert(ctx context.Context, e *Enrichment) error
	// Prune deletes rows last updated before olderThan and returns how many
	// were removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Lookup fetches a fresh enrichment from an external source.
type Lookup interface {
	Lookup(ctx context.Context, ip string) (*Enrichment, error)
}

// DeriveThreatLevel buckets provider signals. score is normalized to [0,1].
func DeriveThreatLevel(isTor, isVPN, isProxy bool, score float64) ThreatLevel {
	switch {
	case isTor || score > 0.7:
		return ThreatHigh
	case isVPN || isProxy || score > 0.3:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

// Unknown is the degraded snapshot returned when the provider fails.
func Unknown(ip string) *Enrichment {
	return &Enrichment{
		IP:          ip,
		Country:     "Unknown",
		ThreatLevel: ThreatLow,
		Degraded:    true,
	}
}
