package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/checkoutguard/internal/captcha"
	"github.com/mbd888/checkoutguard/internal/geo"
	"github.com/mbd888/checkoutguard/internal/idgen"
	"github.com/mbd888/checkoutguard/internal/logging"
	"github.com/mbd888/checkoutguard/internal/metrics"
	"github.com/mbd888/checkoutguard/internal/pagination"
	"github.com/mbd888/checkoutguard/internal/risk"
	"github.com/mbd888/checkoutguard/internal/traces"
)

// Enricher resolves an IP to its location snapshot. It never fails.
type Enricher interface {
	Enrich(ctx context.Context, ip string) *geo.Enrichment
}

// CaptchaVerifier answers whether a token passes for its declared type.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, declaredType string, vc captcha.Context) bool
	Resolve(declaredType string) captcha.Type
}

// Publisher fans pipeline events out to live subscribers.
type Publisher interface {
	Publish(eventType string, data any)
}

// EvaluationInput carries one risk evaluation request.
type EvaluationInput struct {
	SessionID string
	IP        string
	UserAgent string
	CartValue *int64
	CartItems *int64
}

// Location is the part of the snapshot returned with a decision.
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

// Decision is the synchronous answer to a risk evaluation.
type Decision struct {
	ValidationID    string              `json:"validationId"`
	IsValid         bool                `json:"isValid"`
	RiskScore       int                 `json:"riskScore"`
	Recommendation  risk.Recommendation `json:"recommendation"`
	RiskFactors     []string            `json:"riskFactors"`
	RequiresCaptcha bool                `json:"requiresCaptcha"`
	Blocked         bool                `json:"blocked"`
	Location        Location            `json:"location"`
	// Degraded marks decisions made without provider enrichment.
	Degraded bool `json:"degraded,omitempty"`
}

// CaptchaResult is the answer to a CAPTCHA submission.
type CaptchaResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	ValidationID string `json:"validationId"`
}

// ProceedResult is the answer to a proceed signal. Matched is false when no
// record was found; the call still succeeds.
type ProceedResult struct {
	Success      bool   `json:"success"`
	Matched      bool   `json:"matched"`
	ValidationID string `json:"validationId,omitempty"`
}

// Service implements the validation pipeline.
type Service struct {
	store     Store
	enricher  Enricher
	captcha   CaptchaVerifier
	publisher Publisher
	now       func() time.Time
}

// NewService creates a checkout validation service.
func NewService(store Store, enricher Enricher, verifier CaptchaVerifier) *Service {
	return &Service{
		store:    store,
		enricher: enricher,
		captcha:  verifier,
		now:      time.Now,
	}
}

// WithPublisher adds a live event publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// CreateEvaluation enriches the IP, scores the attempt and records exactly
// one new ip_check record.
func (s *Service) CreateEvaluation(ctx context.Context, in EvaluationInput) (*Decision, error) {
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.SessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrInvalidInput)
	}
	if in.CartValue != nil && *in.CartValue < 0 {
		return nil, fmt.Errorf("%w: cartValue must not be negative", ErrInvalidInput)
	}
	if in.CartItems != nil && *in.CartItems < 0 {
		return nil, fmt.Errorf("%w: cartItems must not be negative", ErrInvalidInput)
	}

	ctx, span := traces.StartSpan(ctx, "checkout.evaluate", traces.SessionID(in.SessionID), traces.ClientIP(in.IP))
	defer span.End()

	loc := s.enricher.Enrich(ctx, in.IP)
	assessment := risk.Score(loc, in.UserAgent)

	now := s.now()
	score := assessment.Score
	snapshot := *loc
	rec := &ValidationRecord{
		ID:               idgen.WithPrefix(idgen.PrefixValidation),
		SessionID:        in.SessionID,
		IPAddress:        in.IP,
		UserAgent:        in.UserAgent,
		CartValue:        in.CartValue,
		CartItems:        in.CartItems,
		ValidationType:   TypeIPCheck,
		ValidationResult: ResultOf(assessment.IsValid),
		RiskScore:        &score,
		Recommendation:   assessment.Recommendation,
		RiskFactors:      assessment.Factors,
		LocationData:     &snapshot,
		IsBot:            assessment.IsBot,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.Create(ctx, rec); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("create validation record: %w", err)
	}
	span.SetAttributes(traces.ValidationID(rec.ID), traces.RiskScore(score))

	metrics.DecisionsTotal.WithLabelValues(string(assessment.Recommendation)).Inc()
	metrics.RiskScore.Observe(float64(score))
	for _, f := range assessment.Factors {
		metrics.RiskFactorsTotal.WithLabelValues(f).Inc()
	}

	s.appendEvent(ctx, rec, EventIPCheck, map[string]any{
		"ipAddress":      rec.IPAddress,
		"riskScore":      score,
		"recommendation": assessment.Recommendation,
		"riskFactors":    assessment.Factors,
		"degraded":       loc.Degraded,
	})

	decision := &Decision{
		ValidationID:    rec.ID,
		IsValid:         assessment.IsValid,
		RiskScore:       score,
		Recommendation:  assessment.Recommendation,
		RiskFactors:     assessment.Factors,
		RequiresCaptcha: assessment.Recommendation == risk.RecommendationChallenge,
		Blocked:         assessment.Recommendation == risk.RecommendationBlock,
		Location:        Location{Country: loc.Country, City: loc.City},
		Degraded:        loc.Degraded,
	}

	logging.L(ctx).Info("checkout evaluated",
		"validation_id", rec.ID,
		"session_id", rec.SessionID,
		"risk_score", score,
		"recommendation", assessment.Recommendation,
		"degraded", loc.Degraded,
	)
	s.publish("decision", decision)

	return decision, nil
}

// SubmitCaptcha verifies token and merges the outcome into the record.
// The record must already exist.
func (s *Service) SubmitCaptcha(ctx context.Context, validationID, token, declaredType string, vc captcha.Context) (*CaptchaResult, error) {
	if strings.TrimSpace(validationID) == "" || token == "" {
		return nil, fmt.Errorf("%w: validationId and captchaResponse are required", ErrInvalidInput)
	}

	ctx, span := traces.StartSpan(ctx, "checkout.captcha", traces.ValidationID(validationID))
	defer span.End()

	// Existence is checked before calling the provider so unknown ids never
	// spend a verification.
	if _, err := s.store.Get(ctx, validationID); err != nil {
		return nil, err
	}

	t := s.captcha.Resolve(declaredType)
	verified := s.captcha.Verify(ctx, token, string(t), vc)

	vt := TypeCaptcha
	result := ResultOf(verified)
	rec, err := s.store.Update(ctx, validationID, Patch{
		ValidationType:   &vt,
		ValidationResult: &result,
		CaptchaData: &CaptchaData{
			Type:       string(t),
			VerifiedAt: s.now(),
			Verified:   verified,
		},
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	s.appendEvent(ctx, rec, EventCaptchaOutcome, map[string]any{
		"type":     t,
		"verified": verified,
	})

	out := &CaptchaResult{
		Success:      verified,
		Message:      "CAPTCHA verified successfully",
		ValidationID: validationID,
	}
	if !verified {
		out.Message = "CAPTCHA verification failed"
	}
	s.publish("captcha", out)
	return out, nil
}

// MarkProceed sets the proceed flag on the record named by validationID, or
// on the most recent record for sessionID. No matching record is not an
// error; the result reports Matched=false and nothing is written.
func (s *Service) MarkProceed(ctx context.Context, validationID, sessionID string) (*ProceedResult, error) {
	validationID = strings.TrimSpace(validationID)
	sessionID = strings.TrimSpace(sessionID)
	if validationID == "" && sessionID == "" {
		return s.unmatched(ctx, "reason", "no identifier"), nil
	}

	id := validationID
	if id == "" {
		latest, err := s.store.LatestBySession(ctx, sessionID)
		if errors.Is(err, ErrValidationNotFound) {
			return s.unmatched(ctx, "session", sessionID), nil
		}
		if err != nil {
			return nil, err
		}
		id = latest.ID
	}

	proceed := true
	rec, err := s.store.Update(ctx, id, Patch{ProceedToCheckout: &proceed})
	if errors.Is(err, ErrValidationNotFound) {
		return s.unmatched(ctx, "validation_id", id), nil
	}
	if err != nil {
		return nil, err
	}

	metrics.ProceedTotal.WithLabelValues("true").Inc()
	s.appendEvent(ctx, rec, EventProceeded, map[string]any{})

	out := &ProceedResult{Success: true, Matched: true, ValidationID: rec.ID}
	s.publish("proceeded", out)
	return out, nil
}

func (s *Service) unmatched(ctx context.Context, key, value string) *ProceedResult {
	metrics.ProceedTotal.WithLabelValues("false").Inc()
	logging.L(ctx).Info("proceed signal matched no validation record", key, value)
	return &ProceedResult{Success: true, Matched: false}
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (*ValidationRecord, error) {
	return s.store.Get(ctx, id)
}

// History returns the record's events, oldest first.
func (s *Service) History(ctx context.Context, validationID string) ([]*Event, error) {
	if _, err := s.store.Get(ctx, validationID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, validationID)
}

// RecentPage is one page of Recent.
type RecentPage struct {
	Records    []*ValidationRecord
	NextCursor string
	HasMore    bool
}

// Recent returns up to limit records created in the last days days, newest
// first. cursor is the NextCursor of the previous page, or empty.
func (s *Service) Recent(ctx context.Context, limit, days int, cursor string) (*RecentPage, error) {
	if limit <= 0 || days <= 0 {
		return nil, fmt.Errorf("%w: limit and days must be positive", ErrInvalidInput)
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	since := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	records, err := s.store.ListRecent(ctx, since, after, limit+1)
	if err != nil {
		return nil, err
	}

	page := &RecentPage{}
	page.Records, page.NextCursor, page.HasMore = pagination.ComputePage(records, limit,
		func(r *ValidationRecord) (time.Time, string) { return r.CreatedAt, r.ID })
	return page, nil
}

// appendEvent records the transition. Failure is logged and never fails the
// request; the record is already written.
func (s *Service) appendEvent(ctx context.Context, rec *ValidationRecord, kind EventKind, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.L(ctx).Warn("encode validation event failed", "validation_id", rec.ID, "kind", kind, "error", err)
		return
	}
	ev := &Event{
		ID:           idgen.WithPrefix(idgen.PrefixEvent),
		ValidationID: rec.ID,
		SessionID:    rec.SessionID,
		Kind:         kind,
		Payload:      raw,
		CreatedAt:    s.now(),
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		logging.L(ctx).Warn("append validation event failed", "validation_id", rec.ID, "kind", kind, "error", err)
	}
}

func (s *Service) publish(eventType string, data any) {
	if s.publisher != nil {
		s.publisher.Publish(eventType, data)
	}
}
