package checkout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/checkoutguard/internal/geo"
	"github.com/mbd888/checkoutguard/internal/pagination"
	"github.com/mbd888/checkoutguard/internal/risk"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Merges are single
// UPDATE statements, so row-level locking serializes concurrent patches for
// one record.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed validation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `
	id, session_id, ip_address, user_agent, cart_value, cart_items,
	validation_type, validation_result, risk_score, recommendation,
	risk_factors, location_data, captcha_data, is_bot,
	proceed_to_checkout, completed_order, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *ValidationRecord) error {
	factors, err := json.Marshal(nonNilFactors(r.RiskFactors))
	if err != nil {
		return fmt.Errorf("encode risk factors: %w", err)
	}
	location, err := jsonOrNull(r.LocationData)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	captchaData, err := jsonOrNull(r.CaptchaData)
	if err != nil {
		return fmt.Errorf("encode captcha data: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO validation_records (`+recordColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18
		)
	`,
		r.ID, r.SessionID, r.IPAddress, nullString(r.UserAgent), nullInt64(r.CartValue), nullInt64(r.CartItems),
		string(r.ValidationType), string(r.ValidationResult), nullInt(r.RiskScore), string(r.Recommendation),
		string(factors), location, captchaData, r.IsBot,
		r.ProceedToCheckout, r.CompletedOrder, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert validation record: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*ValidationRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM validation_records WHERE id = $1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrValidationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get validation record: %w", err)
	}
	return r, nil
}

// Update merges p field by field. Absent patch fields bind NULL and
// COALESCE keeps the stored value.
func (p *PostgresStore) Update(ctx context.Context, id string, patch Patch) (*ValidationRecord, error) {
	var vt, vr, cd, proceed any
	if patch.ValidationType != nil {
		vt = string(*patch.ValidationType)
	}
	if patch.ValidationResult != nil {
		vr = string(*patch.ValidationResult)
	}
	if patch.CaptchaData != nil {
		raw, err := json.Marshal(patch.CaptchaData)
		if err != nil {
			return nil, fmt.Errorf("encode captcha data: %w", err)
		}
		cd = string(raw)
	}
	if patch.ProceedToCheckout != nil {
		proceed = *patch.ProceedToCheckout
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE validation_records SET
			validation_type     = COALESCE($2, validation_type),
			validation_result   = COALESCE($3, validation_result),
			captcha_data        = COALESCE($4::JSONB, captcha_data),
			proceed_to_checkout = COALESCE($5, proceed_to_checkout),
			updated_at          = NOW()
		WHERE id = $1
		RETURNING `+recordColumns,
		id, vt, vr, cd, proceed,
	)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrValidationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update validation record: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) LatestBySession(ctx context.Context, sessionID string) (*ValidationRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM validation_records
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, sessionID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrValidationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest validation by session: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) ListRecent(ctx context.Context, since time.Time, cursor *pagination.Cursor, limit int) ([]*ValidationRecord, error) {
	var afterTime, afterID any
	if cursor != nil {
		afterTime, afterID = cursor.CreatedAt, cursor.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM validation_records
		WHERE created_at >= $1
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) < ($2::TIMESTAMPTZ, $3::TEXT))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, since, afterTime, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent validations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ValidationRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan validation record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Counts(ctx context.Context, since time.Time) (*Counts, error) {
	c := &Counts{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE validation_result = 'passed'),
			COUNT(*) FILTER (WHERE validation_result <> 'passed'),
			COUNT(*) FILTER (WHERE is_bot),
			COUNT(*) FILTER (WHERE completed_order),
			COUNT(*) FILTER (WHERE proceed_to_checkout)
		FROM validation_records
		WHERE created_at >= $1
	`, since).Scan(&c.Total, &c.Passed, &c.Failed, &c.BotCount, &c.CompletedOrders, &c.Proceeded)
	if err != nil {
		return nil, fmt.Errorf("count validations: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO validation_events (id, validation_id, session_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.ValidationID, e.SessionID, string(e.Kind), string(payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert validation event: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, validationID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, validation_id, session_id, kind, payload, created_at
		FROM validation_events
		WHERE validation_id = $1
		ORDER BY created_at ASC, id ASC
	`, validationID)
	if err != nil {
		return nil, fmt.Errorf("list validation events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Event{}
	for rows.Next() {
		e := &Event{}
		var kind string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ValidationID, &e.SessionID, &kind, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan validation event: %w", err)
		}
		e.Kind = EventKind(kind)
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*ValidationRecord, error) {
	r := &ValidationRecord{}
	var (
		userAgent                   sql.NullString
		cartValue, cartItems, score sql.NullInt64
		vt, vr, rec                 string
		factors, location, cd       []byte
	)
	err := s.Scan(
		&r.ID, &r.SessionID, &r.IPAddress, &userAgent, &cartValue, &cartItems,
		&vt, &vr, &score, &rec,
		&factors, &location, &cd, &r.IsBot,
		&r.ProceedToCheckout, &r.CompletedOrder, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.UserAgent = userAgent.String
	if cartValue.Valid {
		v := cartValue.Int64
		r.CartValue = &v
	}
	if cartItems.Valid {
		v := cartItems.Int64
		r.CartItems = &v
	}
	if score.Valid {
		v := int(score.Int64)
		r.RiskScore = &v
	}
	r.ValidationType = ValidationType(vt)
	r.ValidationResult = ValidationResult(vr)
	r.Recommendation = risk.Recommendation(rec)

	r.RiskFactors = []string{}
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &r.RiskFactors); err != nil {
			return nil, fmt.Errorf("decode risk factors: %w", err)
		}
	}
	if len(location) > 0 {
		r.LocationData = &geo.Enrichment{}
		if err := json.Unmarshal(location, r.LocationData); err != nil {
			return nil, fmt.Errorf("decode location: %w", err)
		}
	}
	if len(cd) > 0 {
		r.CaptchaData = &CaptchaData{}
		if err := json.Unmarshal(cd, r.CaptchaData); err != nil {
			return nil, fmt.Errorf("decode captcha data: %w", err)
		}
	}
	return r, nil
}

func jsonOrNull[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nonNilFactors(f []string) []string {
	if f == nil {
		return []string{}
	}
	return f
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
