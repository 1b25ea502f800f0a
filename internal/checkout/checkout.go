// Package checkout owns the per-attempt validation record and its state
// machine: risk evaluation creates the record, a CAPTCHA outcome and a
// proceed signal later merge into it.
//
// Every transition also appends an Event, so the record is the current
// projection and the event list is the audit trail behind it.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/checkoutguard/internal/geo"
	"github.com/mbd888/checkoutguard/internal/pagination"
	"github.com/mbd888/checkoutguard/internal/risk"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrValidationNotFound = errors.New("validation not found")
)

// ValidationType identifies which stage last wrote the record.
type ValidationType string

const (
	TypeIPCheck ValidationType = "ip_check"
	TypeCaptcha ValidationType = "captcha"
)

// ValidationResult is the outcome of the latest stage.
type ValidationResult string

const (
	ResultPassed ValidationResult = "passed"
	ResultFailed ValidationResult = "failed"
)

// ResultOf maps a pass/fail flag to a ValidationResult.
func ResultOf(passed bool) ValidationResult {
	if passed {
		return ResultPassed
	}
	return ResultFailed
}

// State is the state machine position derived from a record.
type State string

const (
	StateInitiated         State = "INITIATED"
	StateChallengePending  State = "CHALLENGE_PENDING"
	StateChallengeResolved State = "CHALLENGE_RESOLVED"
	StateProceeded         State = "PROCEEDED"
)

// CaptchaData records the CAPTCHA stage outcome.
type CaptchaData struct {
	Type       string    `json:"type"`
	VerifiedAt time.Time `json:"verifiedAt"`
	Verified   bool      `json:"verified"`
}

// ValidationRecord is one checkout attempt's evaluation, mutated in place by
// later stages.
type ValidationRecord struct {
	ID                string              `json:"id"`
	SessionID         string              `json:"sessionId"`
	IPAddress         string              `json:"ipAddress"`
	UserAgent         string              `json:"userAgent,omitempty"`
	CartValue         *int64              `json:"cartValue,omitempty"`
	CartItems         *int64              `json:"cartItems,omitempty"`
	ValidationType    ValidationType      `json:"validationType"`
	ValidationResult  ValidationResult    `json:"validationResult"`
	RiskScore         *int                `json:"riskScore,omitempty"`
	Recommendation    risk.Recommendation `json:"recommendation"`
	RiskFactors       []string            `json:"riskFactors"`
	LocationData      *geo.Enrichment     `json:"locationData,omitempty"`
	CaptchaData       *CaptchaData        `json:"captchaData,omitempty"`
	IsBot             bool                `json:"isBot"`
	ProceedToCheckout bool                `json:"proceedToCheckout"`
	CompletedOrder    bool                `json:"completedOrder"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

// State derives the record's position in the state machine.
func (r *ValidationRecord) State() State {
	switch {
	case r.ProceedToCheckout:
		return StateProceeded
	case r.CaptchaData != nil:
		return StateChallengeResolved
	case r.Recommendation == risk.RecommendationChallenge:
		return StateChallengePending
	default:
		return StateInitiated
	}
}

// Clone returns a deep copy so callers never share pointers with a store.
func (r *ValidationRecord) Clone() *ValidationRecord {
	cp := *r
	if r.CartValue != nil {
		v := *r.CartValue
		cp.CartValue = &v
	}
	if r.CartItems != nil {
		v := *r.CartItems
		cp.CartItems = &v
	}
	if r.RiskScore != nil {
		v := *r.RiskScore
		cp.RiskScore = &v
	}
	if r.LocationData != nil {
		v := *r.LocationData
		cp.LocationData = &v
	}
	if r.CaptchaData != nil {
		v := *r.CaptchaData
		cp.CaptchaData = &v
	}
	cp.RiskFactors = make([]string, len(r.RiskFactors))
	copy(cp.RiskFactors, r.RiskFactors)
	return &cp
}

// Patch is a field-level merge. Nil fields are left untouched.
type Patch struct {
	ValidationType    *ValidationType
	ValidationResult  *ValidationResult
	CaptchaData       *CaptchaData
	ProceedToCheckout *bool
}

// Apply merges p into r.
func (p Patch) Apply(r *ValidationRecord, now time.Time) {
	if p.ValidationType != nil {
		r.ValidationType = *p.ValidationType
	}
	if p.ValidationResult != nil {
		r.ValidationResult = *p.ValidationResult
	}
	if p.CaptchaData != nil {
		cd := *p.CaptchaData
		r.CaptchaData = &cd
	}
	if p.ProceedToCheckout != nil {
		r.ProceedToCheckout = *p.ProceedToCheckout
	}
	r.UpdatedAt = now
}

// EventKind tags an Event.
type EventKind string

const (
	EventIPCheck        EventKind = "ip_check"
	EventCaptchaOutcome EventKind = "captcha_outcome"
	EventProceeded      EventKind = "proceeded"
)

// Event is one appended stage transition.
type Event struct {
	ID           string          `json:"id"`
	ValidationID string          `json:"validationId"`
	SessionID    string          `json:"sessionId"`
	Kind         EventKind       `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Counts is a rollup over records created in a window.
type Counts struct {
	Total           int64 `json:"total"`
	Passed          int64 `json:"passed"`
	Failed          int64 `json:"failed"`
	BotCount        int64 `json:"botCount"`
	CompletedOrders int64 `json:"completedOrders"`
	Proceeded       int64 `json:"proceeded"`
}

// Store persists validation records and their events. Update must serialize
// concurrent merges for the same id.
type Store interface {
	Create(ctx context.Context, r *ValidationRecord) error
	Get(ctx context.Context, id string) (*ValidationRecord, error)
	Update(ctx context.Context, id string, p Patch) (*ValidationRecord, error)
	LatestBySession(ctx context.Context, sessionID string) (*ValidationRecord, error)
	// ListRecent returns records created at or after since, newest first,
	// starting after cursor when it is non-nil.
	ListRecent(ctx context.Context, since time.Time, cursor *pagination.Cursor, limit int) ([]*ValidationRecord, error)
	// Counts rolls up records created at or after since. A zero since is
	// unbounded.
	Counts(ctx context.Context, since time.Time) (*Counts, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, validationID string) ([]*Event, error)
}
