package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/checkoutguard/internal/captcha"
	"github.com/mbd888/checkoutguard/internal/geo"
	"github.com/mbd888/checkoutguard/internal/logging"
	"github.com/mbd888/checkoutguard/internal/risk"
)

const mockToken = "mock-captcha-response-1699999999999"

// staticEnricher returns a fixed snapshot for every IP.
type staticEnricher struct {
	e geo.Enrichment
}

func (s staticEnricher) Enrich(_ context.Context, ip string) *geo.Enrichment {
	e := s.e
	e.IP = ip
	return &e
}

// countingVerifier wraps a gateway and counts provider calls.
type countingVerifier struct {
	*captcha.Gateway
	calls int32
}

func (v *countingVerifier) Verify(ctx context.Context, token, declaredType string, vc captcha.Context) bool {
	atomic.AddInt32(&v.calls, 1)
	return v.Gateway.Verify(ctx, token, declaredType, vc)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func offlineEnricher() *geo.Service {
	return geo.NewService(nil, geo.NewMemoryStore(), geo.NewCache(100, time.Hour), time.Hour, logging.Discard())
}

func newTestService(enricher Enricher) (*Service, *MemoryStore, *countingVerifier) {
	store := NewMemoryStore()
	verifier := &countingVerifier{Gateway: captcha.NewGateway(captcha.TypeMock).Register(captcha.TypeMock, captcha.MockVerifier{})}
	return NewService(store, enricher, verifier), store, verifier
}

func int64p(v int64) *int64 { return &v }

func TestCreateEvaluation_PrivateIPAllowed(t *testing.T) {
	svc, store, _ := newTestService(offlineEnricher())
	ctx := context.Background()

	d, err := svc.CreateEvaluation(ctx, EvaluationInput{
		SessionID: "sess_a",
		IP:        "192.168.1.5",
		UserAgent: "Mozilla/5.0 (Macintosh)",
		CartValue: int64p(4999),
		CartItems: int64p(2),
	})
	require.NoError(t, err)

	assert.True(t, d.IsValid)
	assert.Equal(t, 0, d.RiskScore)
	assert.Equal(t, risk.RecommendationAllow, d.Recommendation)
	assert.False(t, d.RequiresCaptcha)
	assert.False(t, d.Blocked)
	assert.Equal(t, "United States", d.Location.Country)
	assert.Equal(t, "Local", d.Location.City)
	assert.Empty(t, d.RiskFactors)

	rec, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)
	assert.Equal(t, TypeIPCheck, rec.ValidationType)
	assert.Equal(t, ResultPassed, rec.ValidationResult)
	assert.Equal(t, "Local Network", rec.LocationData.Region)
	assert.False(t, rec.LocationData.IsVPN)
	assert.Equal(t, int64(4999), *rec.CartValue)
	assert.Equal(t, StateInitiated, rec.State())
}

func TestCreateEvaluation_VPNAndBotBlocked(t *testing.T) {
	svc, store, _ := newTestService(offlineEnricher())
	ctx := context.Background()

	d, err := svc.CreateEvaluation(ctx, EvaluationInput{
		SessionID: "sess_b",
		IP:        "5.5.5.42",
		UserAgent: "curl/7.64",
	})
	require.NoError(t, err)

	assert.Equal(t, 70, d.RiskScore)
	assert.False(t, d.IsValid)
	assert.True(t, d.Blocked)
	assert.Equal(t, risk.RecommendationBlock, d.Recommendation)
	assert.Equal(t, []string{risk.FactorVPN, risk.FactorBotUserAgent}, d.RiskFactors)

	rec, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)
	assert.True(t, rec.IsBot)
	assert.True(t, rec.LocationData.IsVPN)
	assert.Equal(t, ResultFailed, rec.ValidationResult)
}

func TestCreateEvaluation_RejectsBadInput(t *testing.T) {
	svc, store, _ := newTestService(offlineEnricher())
	ctx := context.Background()

	_, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "  ", IP: "8.8.8.8"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "s", IP: "8.8.8.8", CartValue: int64p(-1)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	c, err := store.Counts(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Total)
}

func TestCreateEvaluation_DegradedEnrichment(t *testing.T) {
	svc, _, _ := newTestService(staticEnricher{e: *geo.Unknown("")})

	d, err := svc.CreateEvaluation(context.Background(), EvaluationInput{SessionID: "s", IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.True(t, d.Degraded)
	assert.Equal(t, "Unknown", d.Location.Country)
	assert.Equal(t, risk.RecommendationAllow, d.Recommendation)
}

func TestSubmitCaptcha_ChallengePassed(t *testing.T) {
	svc, store, _ := newTestService(staticEnricher{e: geo.Enrichment{
		Country:     "United States",
		CountryCode: "US",
		City:        "Ashburn",
		ISP:         "Amazon.com, Inc.",
		IsVPN:       true,
		ThreatLevel: geo.ThreatMedium,
	}})
	ctx := context.Background()

	d, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "sess_c", IP: "54.0.0.1", UserAgent: "Mozilla/5.0"})
	require.NoError(t, err)
	require.Equal(t, 45, d.RiskScore)
	require.Equal(t, risk.RecommendationChallenge, d.Recommendation)
	assert.True(t, d.RequiresCaptcha)

	before, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)
	assert.Equal(t, StateChallengePending, before.State())

	res, err := svc.SubmitCaptcha(ctx, d.ValidationID, mockToken, "mock", captcha.Context{IP: "54.0.0.1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "CAPTCHA verified successfully", res.Message)
	assert.Equal(t, d.ValidationID, res.ValidationID)

	after, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)
	assert.Equal(t, TypeCaptcha, after.ValidationType)
	assert.Equal(t, ResultPassed, after.ValidationResult)
	require.NotNil(t, after.CaptchaData)
	assert.Equal(t, "mock", after.CaptchaData.Type)
	assert.True(t, after.CaptchaData.Verified)
	assert.Equal(t, StateChallengeResolved, after.State())
}

func TestSubmitCaptcha_PreservesEarlierFields(t *testing.T) {
	svc, store, _ := newTestService(offlineEnricher())
	ctx := context.Background()

	d, err := svc.CreateEvaluation(ctx, EvaluationInput{
		SessionID: "sess_merge",
		IP:        "5.5.5.5",
		UserAgent: "Mozilla/5.0",
		CartValue: int64p(1250),
		CartItems: int64p(3),
	})
	require.NoError(t, err)

	before, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)

	_, err = svc.SubmitCaptcha(ctx, d.ValidationID, "not-a-mock-token", "mock", captcha.Context{})
	require.NoError(t, err)

	after, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, after.ValidationResult)
	assert.False(t, after.CaptchaData.Verified)

	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, before.IPAddress, after.IPAddress)
	assert.Equal(t, before.UserAgent, after.UserAgent)
	assert.Equal(t, before.CartValue, after.CartValue)
	assert.Equal(t, before.CartItems, after.CartItems)
	assert.Equal(t, before.RiskScore, after.RiskScore)
	assert.Equal(t, before.RiskFactors, after.RiskFactors)
	assert.Equal(t, before.LocationData, after.LocationData)
	assert.Equal(t, before.IsBot, after.IsBot)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.Equal(t, before.Recommendation, after.Recommendation)
}

func TestSubmitCaptcha_UnknownValidation(t *testing.T) {
	svc, store, verifier := newTestService(offlineEnricher())
	ctx := context.Background()

	_, err := svc.SubmitCaptcha(ctx, "val_never_created", mockToken, "mock", captcha.Context{})
	assert.ErrorIs(t, err, ErrValidationNotFound)
	assert.Equal(t, int32(0), atomic.LoadInt32(&verifier.calls))

	_, err = store.Get(ctx, "val_never_created")
	assert.ErrorIs(t, err, ErrValidationNotFound)
	c, err := store.Counts(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Total)
}

func TestSubmitCaptcha_MissingFields(t *testing.T) {
	svc, _, _ := newTestService(offlineEnricher())

	_, err := svc.SubmitCaptcha(context.Background(), "", mockToken, "", captcha.Context{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.SubmitCaptcha(context.Background(), "val_1", "", "", captcha.Context{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmitCaptcha_DefaultType(t *testing.T) {
	svc, store, _ := newTestService(offlineEnricher())
	ctx := context.Background()

	d, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "s", IP: "8.8.8.8"})
	require.NoError(t, err)

	res, err := svc.SubmitCaptcha(ctx, d.ValidationID, mockToken, "", captcha.Context{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	rec, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)
	assert.Equal(t, "mock", rec.CaptchaData.Type)
}

func TestMarkProceed_ByValidationID(t *testing.T) {
	svc, store, _ := newTestService(offlineEnricher())
	ctx := context.Background()

	d, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "s1", IP: "8.8.8.8"})
	require.NoError(t, err)

	res, err := svc.MarkProceed(ctx, d.ValidationID, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Matched)
	assert.Equal(t, d.ValidationID, res.ValidationID)

	rec, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)
	assert.True(t, rec.ProceedToCheckout)
	assert.Equal(t, StateProceeded, rec.State())
}

func TestMarkProceed_BySessionPicksLatest(t *testing.T) {
	svc, store, _ := newTestService(offlineEnricher())
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	first, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "shared", IP: "8.8.8.8"})
	require.NoError(t, err)
	clock = clock.Add(time.Minute)
	second, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "shared", IP: "8.8.8.8"})
	require.NoError(t, err)

	res, err := svc.MarkProceed(ctx, "", "shared")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, second.ValidationID, res.ValidationID)

	old, err := store.Get(ctx, first.ValidationID)
	require.NoError(t, err)
	assert.False(t, old.ProceedToCheckout)
}

func TestMarkProceed_UnknownSessionIsNoop(t *testing.T) {
	svc, store, _ := newTestService(offlineEnricher())
	ctx := context.Background()

	d, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "known", IP: "8.8.8.8"})
	require.NoError(t, err)
	before, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)

	res, err := svc.MarkProceed(ctx, "", "unknown-session")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Matched)

	res, err = svc.MarkProceed(ctx, "val_missing", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Matched)

	after, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	c, err := store.Counts(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Total)
	assert.Equal(t, int64(0), c.Proceeded)
}

func TestMarkProceed_NoIdentifierIsUnmatched(t *testing.T) {
	svc, store, _ := newTestService(offlineEnricher())
	ctx := context.Background()

	d, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "idle", IP: "8.8.8.8"})
	require.NoError(t, err)

	res, err := svc.MarkProceed(ctx, "", " ")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Matched)
	assert.Empty(t, res.ValidationID)

	rec, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)
	assert.False(t, rec.ProceedToCheckout)

	events, err := svc.History(ctx, d.ValidationID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHistory_RecordsEveryStage(t *testing.T) {
	svc, _, _ := newTestService(offlineEnricher())
	pub := &recordingPublisher{}
	svc.WithPublisher(pub)
	ctx := context.Background()

	d, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "hist", IP: "5.5.5.5"})
	require.NoError(t, err)
	_, err = svc.SubmitCaptcha(ctx, d.ValidationID, mockToken, "mock", captcha.Context{})
	require.NoError(t, err)
	_, err = svc.MarkProceed(ctx, d.ValidationID, "")
	require.NoError(t, err)

	events, err := svc.History(ctx, d.ValidationID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventIPCheck, events[0].Kind)
	assert.Equal(t, EventCaptchaOutcome, events[1].Kind)
	assert.Equal(t, EventProceeded, events[2].Kind)
	for _, e := range events {
		assert.Equal(t, d.ValidationID, e.ValidationID)
		assert.Equal(t, "hist", e.SessionID)
	}

	var outcome map[string]any
	require.NoError(t, json.Unmarshal(events[1].Payload, &outcome))
	assert.Equal(t, true, outcome["verified"])
	assert.Equal(t, "mock", outcome["type"])

	assert.Equal(t, []string{"decision", "captcha", "proceeded"}, pub.types())

	_, err = svc.History(ctx, "val_missing")
	assert.ErrorIs(t, err, ErrValidationNotFound)
}

func TestRecent_WindowAndLimit(t *testing.T) {
	svc, _, _ := newTestService(offlineEnricher())
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now.Add(-10 * 24 * time.Hour) }
	_, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "old", IP: "8.8.8.8"})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * time.Minute)
		svc.now = func() time.Time { return at }
		d, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "new", IP: "8.8.8.8"})
		require.NoError(t, err)
		ids = append(ids, d.ValidationID)
	}
	svc.now = func() time.Time { return now.Add(time.Hour) }

	recent, err := svc.Recent(ctx, 50, 7, "")
	require.NoError(t, err)
	require.Len(t, recent.Records, 3)
	assert.Equal(t, ids[2], recent.Records[0].ID)
	assert.Equal(t, ids[0], recent.Records[2].ID)
	assert.False(t, recent.HasMore)

	first, err := svc.Recent(ctx, 2, 30, "")
	require.NoError(t, err)
	require.Len(t, first.Records, 2)
	require.True(t, first.HasMore)
	assert.Equal(t, ids[1], first.Records[1].ID)

	second, err := svc.Recent(ctx, 2, 30, first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Records, 1)
	assert.Equal(t, ids[0], second.Records[0].ID)
	assert.False(t, second.HasMore)

	_, err = svc.Recent(ctx, 0, 7, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Recent(ctx, 2, 7, "not-a-cursor!")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// eventFailingStore rejects event appends.
type eventFailingStore struct {
	*MemoryStore
}

func (eventFailingStore) AppendEvent(context.Context, *Event) error {
	return errors.New("disk full")
}

func TestEventAppendFailureDoesNotFailRequest(t *testing.T) {
	store := eventFailingStore{MemoryStore: NewMemoryStore()}
	gw := captcha.NewGateway(captcha.TypeMock).Register(captcha.TypeMock, captcha.MockVerifier{})
	svc := NewService(store, offlineEnricher(), gw)

	d, err := svc.CreateEvaluation(context.Background(), EvaluationInput{SessionID: "s", IP: "8.8.8.8"})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), d.ValidationID)
	assert.NoError(t, err)
}

func TestConcurrentMergesKeepAllFields(t *testing.T) {
	svc, store, _ := newTestService(offlineEnricher())
	ctx := context.Background()

	d, err := svc.CreateEvaluation(ctx, EvaluationInput{SessionID: "race", IP: "5.5.5.5", CartValue: int64p(100)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.SubmitCaptcha(ctx, d.ValidationID, mockToken, "mock", captcha.Context{})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := svc.MarkProceed(ctx, d.ValidationID, "")
		assert.NoError(t, err)
	}()
	wg.Wait()

	rec, err := store.Get(ctx, d.ValidationID)
	require.NoError(t, err)
	assert.True(t, rec.ProceedToCheckout)
	require.NotNil(t, rec.CaptchaData)
	assert.True(t, rec.CaptchaData.Verified)
	assert.Equal(t, int64(100), *rec.CartValue)
}
