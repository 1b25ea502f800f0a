package geo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by the geolocation_records table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed geolocation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, ip string) (*Record, error) {
	r := &Record{}
	var threat string
	err := p.db.QueryRowContext(ctx, `
		SELECT ip_address, COALESCE(country, ''), COALESCE(country_code, ''),
		       COALESCE(region, ''), COALESCE(city, ''), COALESCE(postal_code, ''),
		       COALESCE(latitude, ''), COALESCE(longitude, ''), COALESCE(timezone, ''),
		       COALESCE(isp, ''), is_vpn, is_proxy, is_tor, threat_level, last_updated
		FROM geolocation_records WHERE ip_address = $1
	`, ip).Scan(
		&r.IP, &r.Country, &r.CountryCode,
		&r.Region, &r.City, &r.PostalCode,
		&r.Latitude, &r.Longitude, &r.Timezone,
		&r.ISP, &r.IsVPN, &r.IsProxy, &r.IsTor, &threat, &r.LastUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get geolocation record: %w", err)
	}
	r.ThreatLevel = ThreatLevel(threat)
	return r, nil
}

// Upsert relies on the unique ip_address key so concurrent writers for the
// same IP converge on one row. Empty text fields in e keep the stored value.
func (p *PostgresStore) Upsert(ctx context.Context, e *Enrichment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO geolocation_records (
			ip_address, country, country_code, region, city, postal_code,
			latitude, longitude, timezone, isp, is_vpn, is_proxy, is_tor,
			threat_level, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (ip_address) DO UPDATE SET
			country      = COALESCE(EXCLUDED.country, geolocation_records.country),
			country_code = COALESCE(EXCLUDED.country_code, geolocation_records.country_code),
			region       = COALESCE(EXCLUDED.region, geolocation_records.region),
			city         = COALESCE(EXCLUDED.city, geolocation_records.city),
			postal_code  = COALESCE(EXCLUDED.postal_code, geolocation_records.postal_code),
			latitude     = COALESCE(EXCLUDED.latitude, geolocation_records.latitude),
			longitude    = COALESCE(EXCLUDED.longitude, geolocation_records.longitude),
			timezone     = COALESCE(EXCLUDED.timezone, geolocation_records.timezone),
			isp          = COALESCE(EXCLUDED.isp, geolocation_records.isp),
			is_vpn       = EXCLUDED.is_vpn,
			is_proxy     = EXCLUDED.is_proxy,
			is_tor       = EXCLUDED.is_tor,
			threat_level = EXCLUDED.threat_level,
			last_updated = NOW()
	`,
		e.IP, nullString(e.Country), nullString(e.CountryCode), nullString(e.Region),
		nullString(e.City), nullString(e.PostalCode), nullString(e.Latitude),
		nullString(e.Longitude), nullString(e.Timezone), nullString(e.ISP),
		e.IsVPN, e.IsProxy, e.IsTor, string(e.ThreatLevel),
	)
	if err != nil {
		return fmt.Errorf("upsert geolocation record: %w", err)
	}
	return nil
}

func (p *PostgresStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM geolocation_records WHERE last_updated < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune geolocation records: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
